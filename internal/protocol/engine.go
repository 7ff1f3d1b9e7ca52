// Package protocol implements the tracker command table: it parses request lines,
// dispatches them to handlers under the store lock and renders text replies.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/limiter"
	"github.com/and161185/p2psync/internal/registry"
	"github.com/and161185/p2psync/internal/store"
	"github.com/and161185/p2psync/internal/wire"
)

// Actions understood by the tracker.
const (
	ActHere         = "HERE"
	ActInfo         = "INFO"
	ActGroups       = "GROUPS"
	ActCreate       = "CREATE"
	ActJoin         = "JOIN"
	ActRestore      = "RESTORE"
	ActRole         = "ROLE"
	ActPeers        = "PEERS"
	ActAddedFiles   = "ADDED_FILES"
	ActUpdatedFiles = "UPDATED_FILES"
	ActRemovedFiles = "REMOVED_FILES"
	ActGetFiles     = "GET_FILES"
	ActLeave        = "LEAVE"
	ActDisconnect   = "DISCONNECT"
	ActExit         = "EXIT"
	ActBye          = "BYE"
)

type lockMode int

const (
	lockNone lockMode = iota
	lockRead
	lockWrite
)

// Request is one parsed command line.
type Request struct {
	PeerID   string
	Action   string
	Args     string // raw text after the action keyword
	PublicIP string // address the connection came from
}

type handlerFunc func(ctx context.Context, req Request) (string, error)

type command struct {
	fn    handlerFunc
	lock  lockMode
	quiet bool // polled by peers on every refresh, logged at debug level
}

// Info is what the tracker tells peers about itself.
type Info struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Engine dispatches tracker commands against a Store and a Registry.
type Engine struct {
	store  *store.Store
	peers  registry.Registry
	log    *zap.Logger
	tracer trace.Tracer
	info   Info
	joins  limiter.Limiter

	commands map[string]command
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithTracer sets the tracer used for per-command spans.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithInfo sets the overlay address reported by INFO.
func WithInfo(ip string, port int) Option {
	return func(e *Engine) { e.info = Info{IP: ip, Port: port} }
}

// WithJoinLimiter throttles wrong-token JOIN attempts per group and source IP.
func WithJoinLimiter(l limiter.Limiter) Option { return func(e *Engine) { e.joins = l } }

// New constructs an Engine over explicitly owned state.
func New(st *store.Store, peers registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		peers:  peers,
		log:    zap.NewNop(),
		tracer: otel.Tracer("p2psync/protocol"),
	}
	for _, o := range opts {
		o(e)
	}
	e.commands = map[string]command{
		ActHere:         {fn: e.here},
		ActInfo:         {fn: e.infoCmd},
		ActGroups:       {fn: e.groups, lock: lockRead, quiet: true},
		ActCreate:       {fn: e.create, lock: lockWrite},
		ActJoin:         {fn: e.join},
		ActRestore:      {fn: e.restore, lock: lockWrite},
		ActRole:         {fn: e.role, lock: lockWrite},
		ActPeers:        {fn: e.peersCmd, quiet: true},
		ActAddedFiles:   {fn: e.addedFiles, lock: lockWrite},
		ActUpdatedFiles: {fn: e.updatedFiles, lock: lockWrite},
		ActRemovedFiles: {fn: e.removedFiles, lock: lockWrite},
		ActGetFiles:     {fn: e.getFiles, lock: lockRead},
		ActLeave:        {fn: e.leave, lock: lockWrite},
		ActDisconnect:   {fn: e.disconnect, lock: lockWrite},
		ActExit:         {fn: e.exit, lock: lockWrite},
		ActBye:          {fn: e.bye, quiet: true},
	}
	return e
}

// ParseRequest splits "<peerID> <ACTION> [args...]".
func ParseRequest(line string) (Request, error) {
	line = strings.TrimSpace(line)
	peerID, rest, ok := strings.Cut(line, " ")
	if !ok || peerID == "" {
		return Request{}, errs.ErrInvalidRequest
	}
	rest = strings.TrimLeft(rest, " ")
	action, args, _ := strings.Cut(rest, " ")
	if action == "" {
		return Request{}, errs.ErrInvalidRequest
	}
	return Request{PeerID: peerID, Action: action, Args: strings.TrimSpace(args)}, nil
}

// Handle processes one request line and returns the reply. closeConn is set after BYE.
func (e *Engine) Handle(ctx context.Context, line, publicIP string) (reply string, closeConn bool) {
	req, err := ParseRequest(line)
	if err != nil {
		return wire.Error(reason(err)), false
	}
	req.PublicIP = publicIP

	cmd, ok := e.commands[req.Action]
	if !ok {
		e.log.Info("unexpected request", zap.String("peer", req.PeerID), zap.String("action", req.Action))
		return wire.Error("UNEXPECTED REQUEST"), false
	}

	ctx, span := e.tracer.Start(ctx, "protocol."+req.Action, trace.WithAttributes(
		attribute.String("peer.id", req.PeerID),
		attribute.String("action", req.Action),
	))
	defer span.End()

	start := time.Now()
	body, err := e.run(ctx, cmd, req)

	lvl := zap.InfoLevel
	if cmd.quiet {
		lvl = zap.DebugLevel
	}
	fields := []zap.Field{
		zap.String("peer", req.PeerID),
		zap.String("action", req.Action),
		zap.Duration("dur", time.Since(start)),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Check(lvl, "request failed").Write(append(fields, zap.Error(err))...)
		return wire.Error(reason(err)), false
	}
	e.log.Check(lvl, "request").Write(fields...)
	return wire.OK(body), req.Action == ActBye
}

func (e *Engine) run(ctx context.Context, cmd command, req Request) (body string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
				zap.String("action", req.Action),
			)
			err = errInternal
		}
	}()

	call := func() error {
		var herr error
		body, herr = cmd.fn(ctx, req)
		return herr
	}
	switch cmd.lock {
	case lockWrite:
		err = e.store.Update(call)
	case lockRead:
		err = e.store.View(call)
	default:
		err = call()
	}
	return body, err
}

var errInternal = errors.New("internal error")

// failure decorates a sentinel with the reply context, e.g. "IMPOSSIBLE TO JOIN GROUP g".
type failure struct {
	context string
	err     error
}

func (f *failure) Error() string { return f.context + " - " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func fail(err error, format string, args ...any) error {
	return &failure{context: fmt.Sprintf(format, args...), err: err}
}

// reason renders an error as reply text.
func reason(err error) string {
	var f *failure
	if errors.As(err, &f) {
		return f.context + " - " + strings.ToUpper(f.err.Error())
	}
	return strings.ToUpper(err.Error())
}
