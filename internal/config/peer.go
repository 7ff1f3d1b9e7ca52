package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"gopkg.in/yaml.v3"

	"github.com/and161185/p2psync/internal/fsutil"
)

// PeerFile is the peer configuration file name inside Dir.
const PeerFile = "peer.yaml"

// Peer is the persisted peer configuration.
type Peer struct {
	PeerID       string        `yaml:"peer_id"`
	TrackerAddr  string        `yaml:"tracker_addr"`
	ListenIP     string        `yaml:"listen_ip"`
	ListenPort   int           `yaml:"listen_port"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	TreeFile     string        `yaml:"tree_file"`
	DataDir      string        `yaml:"data_dir"`
}

// Dir returns the peer configuration directory under XDG_CONFIG_HOME.
func Dir(get Getenv) string {
	if v := get("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "p2psync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "p2psync")
}

func (p *Peer) defaults(dir string) {
	if p.ListenIP == "" {
		p.ListenIP = "127.0.0.1"
	}
	if p.ListenPort == 0 {
		p.ListenPort = 45160
	}
	if p.SyncInterval <= 0 {
		p.SyncInterval = 30 * time.Second
	}
	if p.TreeFile == "" {
		p.TreeFile = filepath.Join(dir, "tree.json")
	}
	if p.DataDir == "" {
		p.DataDir = filepath.Join(dir, "data")
	}
}

// LoadPeer reads path. A missing file yields an empty Peer and found=false.
func LoadPeer(path string) (p *Peer, found bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Peer{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p = &Peer{}
	if err := yaml.Unmarshal(b, p); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, true, nil
}

// Save writes p to path atomically.
func (p *Peer) Save(path string) error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b)
}

// EnsurePeer loads the peer file in dir, generating a peer ID and asking for the
// tracker address on first run, and persists any change.
func EnsurePeer(dir string, in io.Reader, out io.Writer) (*Peer, error) {
	path := filepath.Join(dir, PeerFile)
	p, found, err := LoadPeer(path)
	if err != nil {
		return nil, err
	}
	dirty := !found
	if p.PeerID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		p.PeerID = id.String()
		dirty = true
	}
	if p.TrackerAddr == "" {
		addr, err := promptTracker(in, out)
		if err != nil {
			return nil, err
		}
		p.TrackerAddr = addr
		dirty = true
	}
	p.defaults(dir)
	if dirty {
		if err := p.Save(path); err != nil {
			return nil, fmt.Errorf("save %s: %w", path, err)
		}
	}
	return p, nil
}

// promptTracker asks for "ip[:port]" until a valid address is typed. The default port
// is filled in.
func promptTracker(in io.Reader, out io.Writer) (string, error) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "tracker address (ip[:port]): ")
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", errors.New("tracker address is required")
		}
		addr, err := normalizeTracker(strings.TrimSpace(sc.Text()))
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		return addr, nil
	}
}

func normalizeTracker(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty address")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, strings.TrimPrefix(DefaultTrackerAddr, ":"))
	}
	if _, err := portOf(s); err != nil {
		return "", err
	}
	host, _, _ := net.SplitHostPort(s)
	if host == "" {
		return "", errors.New("host is required")
	}
	return s, nil
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}
