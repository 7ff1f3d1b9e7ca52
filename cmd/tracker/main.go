// Command p2psync-tracker runs the group and catalog tracker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/config"
	"github.com/and161185/p2psync/internal/limiter"
	"github.com/and161185/p2psync/internal/migrate"
	"github.com/and161185/p2psync/internal/overlay"
	"github.com/and161185/p2psync/internal/protocol"
	"github.com/and161185/p2psync/internal/registry"
	"github.com/and161185/p2psync/internal/repository"
	"github.com/and161185/p2psync/internal/repository/jsonfile"
	"github.com/and161185/p2psync/internal/repository/postgres"
	"github.com/and161185/p2psync/internal/server/admin"
	"github.com/and161185/p2psync/internal/server/tcp"
	"github.com/and161185/p2psync/internal/store"
	"github.com/and161185/p2psync/internal/tracing"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.ParseTracker(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "p2psync-tracker:", err)
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Fatal("tracker", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// deps are the process resources opened from configuration.
type deps struct {
	repo    repository.SnapshotRepository
	peers   registry.Registry
	joins   limiter.Limiter
	closers []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func open(ctx context.Context, cfg *config.Tracker, log *zap.Logger) (*deps, error) {
	d := &deps{}
	var db *postgres.DB
	if cfg.DSN != "" {
		if err := migrate.Up(ctx, cfg.DSN, log); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		var err error
		db, err = postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.closers = append(d.closers, db.Close)
		d.repo = postgres.NewSnapshotRepo(db)
	} else {
		d.repo = jsonfile.New(cfg.SessionDir)
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			d.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		d.closers = append(d.closers, func() { _ = rdb.Close() })
		d.peers = registry.NewRedis(rdb, "")
	} else {
		d.peers = registry.NewMemory()
	}

	switch {
	case cfg.JoinMaxFails == 0:
	case db != nil:
		d.joins = limiter.NewPG(db, cfg.JoinWindow, cfg.JoinMaxFails, cfg.JoinBlock)
	default:
		d.joins = limiter.NewMemory(cfg.JoinWindow, cfg.JoinMaxFails, cfg.JoinBlock)
	}
	return d, nil
}

// run serves until ctx is done. ready, when set, receives the bound tracker address.
func run(ctx context.Context, cfg *config.Tracker, log *zap.Logger, ready chan<- string) error {
	shutdownTracing, err := tracing.Init(ctx, "p2psync-tracker", cfg.OTLPEndpoint, log)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	d, err := open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close()

	st := store.New()
	snap, err := d.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if err := st.Restore(snap); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	log.Info("session loaded",
		zap.Int("groups", len(snap.Groups)),
		zap.Int("memberships", len(snap.Memberships)),
		zap.Int("files", len(snap.Catalog)),
	)

	var ov overlay.Network = overlay.Static{IP: cfg.OverlayIP}
	overlayIP, err := ov.Join(ctx)
	if err != nil {
		return fmt.Errorf("join overlay: %w", err)
	}

	opts := []protocol.Option{
		protocol.WithLogger(log),
		protocol.WithInfo(overlayIP, cfg.OverlayPort),
	}
	if d.joins != nil {
		opts = append(opts, protocol.WithJoinLimiter(d.joins))
	}
	eng := protocol.New(st, d.peers, opts...)

	errCh := make(chan error, 3)
	lis, err := listen(cfg.Addr)
	if err != nil {
		return err
	}
	srv := tcp.New(eng, tcp.WithLogger(log))
	go func() {
		log.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- srv.Serve(lis)
	}()

	var grpcSrv *admin.GRPC
	if cfg.AdminAddr != "" {
		alis, err := listen(cfg.AdminAddr)
		if err != nil {
			_ = lis.Close()
			return err
		}
		grpcSrv = admin.NewGRPC(log, cfg.Dev)
		grpcSrv.SetServing(true)
		go func() { errCh <- grpcSrv.Serve(alis) }()
		defer grpcSrv.Stop()
	}

	var httpSrv *http.Server
	if cfg.StatusAddr != "" {
		slis, err := listen(cfg.StatusAddr)
		if err != nil {
			_ = lis.Close()
			return err
		}
		httpSrv = &http.Server{
			Handler:           admin.NewHTTPHandler(st, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpSrv.Serve(slis); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if ready != nil {
		ready <- lis.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error("server error", zap.Error(serveErr))
	}

	if grpcSrv != nil {
		grpcSrv.SetServing(false)
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("connections still open at shutdown", zap.Error(err), zap.Int64("active", srv.Active()))
	}
	// sctx may already be spent by a stuck connection.
	vctx, vcancel := context.WithTimeout(context.Background(), saveTimeout)
	defer vcancel()
	if err := d.repo.Save(vctx, st.Snapshot()); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("save session: %w", err))
	} else {
		log.Info("session saved")
	}
	if httpSrv != nil {
		_ = httpSrv.Shutdown(sctx)
	}
	if err := ov.Leave(sctx); err != nil {
		log.Warn("leave overlay", zap.Error(err))
	}
	return serveErr
}

// saveTimeout bounds the final session save, independent of ShutdownTimeout.
const saveTimeout = 30 * time.Second

func listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return lis, nil
}
