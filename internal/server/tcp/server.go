// Package tcp runs the tracker's line protocol over TCP: one goroutine per connection,
// one request at a time, with cooperative shutdown.
package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/wire"
)

// Handler processes one request line.
type Handler interface {
	Handle(ctx context.Context, line, publicIP string) (reply string, closeConn bool)
}

// Default polling intervals.
const (
	DefaultAcceptPoll = time.Second
	DefaultReadPoll   = 500 * time.Millisecond
)

// Server accepts tracker connections.
type Server struct {
	h          Handler
	log        *zap.Logger
	acceptPoll time.Duration
	readPoll   time.Duration

	accepting atomic.Bool
	stop      chan struct{} // closed to ask connection handlers to finish
	stopOnce  sync.Once

	mu        sync.Mutex
	ln        net.Listener
	serveDone chan struct{}

	conns   sync.WaitGroup
	active  atomic.Int64
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithPoll overrides how often the accept loop and the connection readers check for
// shutdown.
func WithPoll(accept, read time.Duration) Option {
	return func(s *Server) { s.acceptPoll, s.readPoll = accept, read }
}

// New constructs a server dispatching to h.
func New(h Handler, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		h:          h,
		log:        zap.NewNop(),
		acceptPoll: DefaultAcceptPoll,
		readPoll:   DefaultReadPoll,
		stop:       make(chan struct{}),
		serveDone:  make(chan struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Serve accepts connections on ln until Shutdown. It returns nil after a clean stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.accepting.Store(true)
	defer close(s.serveDone)

	dl, canPoll := ln.(deadliner)
	for s.accepting.Load() {
		if canPoll {
			_ = dl.SetDeadline(time.Now().Add(s.acceptPoll))
		}
		nc, err := ln.Accept()
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			if !s.accepting.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.conns.Add(1)
		go s.serveConn(nc)
	}
	return nil
}

// Active reports the number of open connections.
func (s *Server) Active() int64 { return s.active.Load() }

func (s *Server) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.conns.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	c := wire.NewConn(nc)
	defer c.Close()

	id := uuid.Must(uuid.NewV4()).String()
	publicIP := hostOf(nc.RemoteAddr())
	log := s.log.With(zap.String("conn", id), zap.String("remote", publicIP))
	log.Debug("connection opened")
	defer log.Debug("connection closed")

	for !s.stopping() {
		line, err := c.Recv(s.readPoll)
		switch {
		case err == nil:
		case wire.IsTimeout(err):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		case errors.Is(err, wire.ErrMessageTooLong):
			_ = c.Send(wire.Error("MESSAGE TOO LONG"))
			return
		default:
			log.Info("read failed", zap.Error(err))
			return
		}
		if line == "" {
			continue
		}

		reply, closeConn := s.h.Handle(s.baseCtx, line, publicIP)
		if err := c.Send(reply); err != nil {
			log.Info("write failed", zap.Error(err))
			return
		}
		if closeConn {
			return
		}
	}
}

// Shutdown stops accepting, signals connection handlers, closes the listener and waits
// for handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
		select {
		case <-s.serveDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hostOf(a net.Addr) string {
	if a == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
