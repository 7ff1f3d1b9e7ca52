// Package config builds tracker and peer configuration from flags, environment and the
// peer's YAML file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"
)

// DefaultTrackerAddr is the tracker's well-known listen address.
const DefaultTrackerAddr = ":45154"

// Tracker is the tracker process configuration.
type Tracker struct {
	Addr       string
	AdminAddr  string
	StatusAddr string

	SessionDir string
	DSN        string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTLPEndpoint string
	OverlayIP    string
	OverlayPort  int

	JoinWindow   time.Duration
	JoinMaxFails int
	JoinBlock    time.Duration

	ShutdownTimeout time.Duration
	Dev             bool
}

// Getenv looks up one environment variable. os.Getenv satisfies it.
type Getenv func(string) string

func envString(get Getenv, key, def string) string {
	if v := get(key); v != "" {
		return v
	}
	return def
}

func envInt(get Getenv, key string, def int) int {
	if v, err := strconv.Atoi(get(key)); err == nil {
		return v
	}
	return def
}

func envDuration(get Getenv, key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(get(key)); err == nil {
		return v
	}
	return def
}

func envBool(get Getenv, key string, def bool) bool {
	if v, err := strconv.ParseBool(get(key)); err == nil {
		return v
	}
	return def
}

// ParseTracker reads flags from args. Each flag defaults to its P2PSYNC_* variable.
func ParseTracker(args []string, get Getenv, out io.Writer) (*Tracker, error) {
	c := &Tracker{}
	fs := flag.NewFlagSet("tracker", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&c.Addr, "addr", envString(get, "P2PSYNC_ADDR", DefaultTrackerAddr), "line protocol listen address")
	fs.StringVar(&c.AdminAddr, "admin-addr", envString(get, "P2PSYNC_ADMIN_ADDR", ":45155"), "gRPC health listen address (empty disables)")
	fs.StringVar(&c.StatusAddr, "status-addr", envString(get, "P2PSYNC_STATUS_ADDR", ":45156"), "HTTP status listen address (empty disables)")
	fs.StringVar(&c.SessionDir, "session-dir", envString(get, "P2PSYNC_SESSION_DIR", "session"), "directory of the JSON session files")
	fs.StringVar(&c.DSN, "dsn", envString(get, "P2PSYNC_DSN", ""), "PostgreSQL DSN; replaces the session files when set")
	fs.StringVar(&c.RedisAddr, "redis-addr", envString(get, "P2PSYNC_REDIS_ADDR", ""), "Redis address for the shared peer registry")
	fs.StringVar(&c.RedisPassword, "redis-password", envString(get, "P2PSYNC_REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", envInt(get, "P2PSYNC_REDIS_DB", 0), "Redis database")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", envString(get, "P2PSYNC_OTLP_ENDPOINT", ""), "OTLP/HTTP collector host:port (empty disables tracing)")
	fs.StringVar(&c.OverlayIP, "overlay-ip", envString(get, "P2PSYNC_OVERLAY_IP", "127.0.0.1"), "address reported by INFO")
	fs.DurationVar(&c.JoinWindow, "join-window", envDuration(get, "P2PSYNC_JOIN_WINDOW", 15*time.Minute), "window counting wrong JOIN tokens")
	fs.IntVar(&c.JoinMaxFails, "join-max-fails", envInt(get, "P2PSYNC_JOIN_MAX_FAILS", 5), "wrong JOIN tokens before blocking (0 disables)")
	fs.DurationVar(&c.JoinBlock, "join-block", envDuration(get, "P2PSYNC_JOIN_BLOCK", 15*time.Minute), "JOIN block duration")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", envDuration(get, "P2PSYNC_SHUTDOWN_TIMEOUT", 10*time.Second), "graceful stop limit")
	fs.BoolVar(&c.Dev, "dev", envBool(get, "P2PSYNC_DEV", false), "enable gRPC reflection and debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Tracker) validate() error {
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	port, err := portOf(c.Addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", c.Addr, err)
	}
	c.OverlayPort = port
	if c.DSN == "" && c.SessionDir == "" {
		return errors.New("either -dsn or -session-dir is required")
	}
	if c.JoinMaxFails < 0 {
		return errors.New("join-max-fails must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown-timeout must be positive")
	}
	return nil
}
