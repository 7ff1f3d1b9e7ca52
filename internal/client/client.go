// Package client speaks the tracker line protocol on behalf of one peer.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/model"
	"github.com/and161185/p2psync/internal/protocol"
	"github.com/and161185/p2psync/internal/wire"
)

// DefaultTimeout bounds one request/reply exchange when ctx has no deadline.
const DefaultTimeout = 10 * time.Second

var (
	// ErrClosed is returned by requests on a client after Close or Bye.
	ErrClosed = errors.New("client: closed")

	// ErrBroken is returned when a previous exchange failed mid-flight on a client
	// that cannot redial.
	ErrBroken = errors.New("client: connection broken")
)

// Client is a session with the tracker. Requests are serialized.
//
// A failed send or receive leaves a late reply in flight, so the connection is
// dropped. A client made by Dial redials on the next request.
type Client struct {
	peerID  string
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   *wire.Conn
	broken error
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// Dial connects to the tracker at addr.
func Dial(ctx context.Context, addr, peerID string, opts ...Option) (*Client, error) {
	nc, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c := New(nc, peerID, opts...)
	c.addr = addr
	return c, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tracker %s: %w", addr, err)
	}
	return nc, nil
}

// New wraps an established connection.
func New(nc net.Conn, peerID string, opts ...Option) *Client {
	c := &Client{peerID: peerID, timeout: DefaultTimeout, conn: wire.NewConn(nc)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PeerID returns the identity requests are sent under.
func (c *Client) PeerID() string { return c.peerID }

// Close drops the connection without BYE.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.broken != nil {
		return nil
	}
	return c.conn.Close()
}

// ready returns a connection in step with the tracker. Callers hold mu.
func (c *Client) ready(ctx context.Context) (*wire.Conn, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.broken == nil {
		return c.conn, nil
	}
	if c.addr == "" {
		return nil, fmt.Errorf("%w: %v", ErrBroken, c.broken)
	}
	nc, err := dial(ctx, c.addr)
	if err != nil {
		return nil, err
	}
	c.conn = wire.NewConn(nc)
	c.broken = nil
	return c.conn, nil
}

func (c *Client) drop(err error) {
	c.broken = err
	_ = c.conn.Close()
}

func word(kind, s string) error {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("%w: %s %q must be a single non-empty word", errs.ErrInvalidRequest, kind, s)
	}
	return nil
}

// do sends one request and returns the OK body. Failure replies come back as
// *wire.ReplyError.
func (c *Client) do(ctx context.Context, action string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line := c.peerID + " " + action
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return "", context.DeadlineExceeded
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.ready(ctx)
	if err != nil {
		return "", err
	}
	if err := conn.Send(line); err != nil {
		if !errors.Is(err, wire.ErrMultiline) {
			c.drop(err)
		}
		return "", fmt.Errorf("send %s: %w", action, err)
	}
	reply, err := conn.Recv(timeout)
	if err != nil {
		c.drop(err)
		return "", fmt.Errorf("recv %s: %w", action, err)
	}
	return wire.ParseReply(reply)
}

// Here registers the peer's private contact address and returns the public IP the
// tracker saw.
func (c *Client) Here(ctx context.Context, ip string, port int) (string, error) {
	if err := word("ip", ip); err != nil {
		return "", err
	}
	return c.do(ctx, "HERE", ip, strconv.Itoa(port))
}

// Info returns the tracker's own overlay address.
func (c *Client) Info(ctx context.Context) (protocol.Info, error) {
	var info protocol.Info
	body, err := c.do(ctx, "INFO")
	if err != nil {
		return info, err
	}
	if err := wire.Decode(body, &info); err != nil {
		return info, fmt.Errorf("decode info: %w", err)
	}
	return info, nil
}

// Groups lists every group with the caller's role and status in it.
func (c *Client) Groups(ctx context.Context) (map[string]model.GroupInfo, error) {
	body, err := c.do(ctx, "GROUPS")
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.GroupInfo)
	if err := wire.Decode(body, &out); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return out, nil
}

// Create makes a new group with the caller as Master.
func (c *Client) Create(ctx context.Context, group, tokenRW, tokenRO string) error {
	for _, w := range [][2]string{{"group", group}, {"token", tokenRW}, {"token", tokenRO}} {
		if err := word(w[0], w[1]); err != nil {
			return err
		}
	}
	_, err := c.do(ctx, "CREATE", group, tokenRW, tokenRO)
	return err
}

// Join enters group with token and returns the granted role.
func (c *Client) Join(ctx context.Context, group, token string) (model.Role, error) {
	if err := word("group", group); err != nil {
		return "", err
	}
	if err := word("token", token); err != nil {
		return "", err
	}
	body, err := c.do(ctx, "JOIN", group, token)
	if err != nil {
		return "", err
	}
	if strings.Contains(body, "ReadOnly") {
		return model.RoleRO, nil
	}
	return model.RoleRW, nil
}

func (c *Client) groupOnly(ctx context.Context, action, group string) error {
	if err := word("group", group); err != nil {
		return err
	}
	_, err := c.do(ctx, action, group)
	return err
}

// Restore reactivates a disconnected membership.
func (c *Client) Restore(ctx context.Context, group string) error {
	return c.groupOnly(ctx, "RESTORE", group)
}

// Leave removes the caller from group.
func (c *Client) Leave(ctx context.Context, group string) error {
	return c.groupOnly(ctx, "LEAVE", group)
}

// Disconnect marks the caller inactive in group.
func (c *Client) Disconnect(ctx context.Context, group string) error {
	return c.groupOnly(ctx, "DISCONNECT", group)
}

// Role applies one of the protocol.Role* actions to target inside group.
func (c *Client) Role(ctx context.Context, group, action, target string) error {
	if err := word("group", group); err != nil {
		return err
	}
	if err := word("peer", target); err != nil {
		return err
	}
	_, err := c.do(ctx, "ROLE", action, target, group)
	return err
}

// Peers lists the other members of group. sel is protocol.PeersActive or PeersAll.
func (c *Client) Peers(ctx context.Context, group, sel string) ([]model.PeerInfo, error) {
	if err := word("group", group); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, "PEERS", group, sel)
	if err != nil {
		return nil, err
	}
	var out []model.PeerInfo
	if err := wire.Decode(body, &out); err != nil {
		return nil, fmt.Errorf("decode peers: %w", err)
	}
	return out, nil
}

func (c *Client) files(ctx context.Context, action, group string, files []model.FileMeta) error {
	if err := word("group", group); err != nil {
		return err
	}
	payload, err := wire.EncodeFiles(files)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, action, group, payload)
	return err
}

// AddedFiles publishes new catalog entries.
func (c *Client) AddedFiles(ctx context.Context, group string, files []model.FileMeta) error {
	return c.files(ctx, "ADDED_FILES", group, files)
}

// UpdatedFiles publishes new fingerprints for existing entries.
func (c *Client) UpdatedFiles(ctx context.Context, group string, files []model.FileMeta) error {
	return c.files(ctx, "UPDATED_FILES", group, files)
}

// RemovedFiles drops entries from the catalog.
func (c *Client) RemovedFiles(ctx context.Context, group string, paths []string) error {
	if err := word("group", group); err != nil {
		return err
	}
	payload, err := wire.EncodePaths(paths)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "REMOVED_FILES", group, payload)
	return err
}

// GetFiles returns the group catalog.
func (c *Client) GetFiles(ctx context.Context, group string) ([]model.FileMeta, error) {
	if err := word("group", group); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, "GET_FILES", group)
	if err != nil {
		return nil, err
	}
	files, err := wire.DecodeFiles(body)
	if err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return files, nil
}

// Exit disconnects the caller from every group.
func (c *Client) Exit(ctx context.Context) error {
	_, err := c.do(ctx, "EXIT")
	return err
}

// Bye ends the session and closes the connection.
func (c *Client) Bye(ctx context.Context) error {
	_, err := c.do(ctx, "BYE")
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}
