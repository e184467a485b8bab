// Package controller wires the node RPC layer, query scheduler,
// terminal cache, and periodic maintenance tasks into one runnable
// server (C8, spec.md §4, §6), the way the teacher's hub package wires
// its Connect services into one *http.Server.
package controller

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wgcairui/uartserver-ng-sub000/internal/alarm"
	"github.com/wgcairui/uartserver-ng-sub000/internal/cache"
	"github.com/wgcairui/uartserver-ng-sub000/internal/config"
	"github.com/wgcairui/uartserver-ng-sub000/internal/id"
	"github.com/wgcairui/uartserver-ng-sub000/internal/logging"
	"github.com/wgcairui/uartserver-ng-sub000/internal/maintenance"
	"github.com/wgcairui/uartserver-ng-sub000/internal/metrics"
	"github.com/wgcairui/uartserver-ng-sub000/internal/protocol"
	"github.com/wgcairui/uartserver-ng-sub000/internal/rpcnode"
	"github.com/wgcairui/uartserver-ng-sub000/internal/scheduler"
	db "github.com/wgcairui/uartserver-ng-sub000/internal/store/sqlite"
)

const (
	dispatchTickInterval = 500 * time.Millisecond
	heartbeatTickInterval = 15 * time.Second
	shutdownDrainTimeout  = 10 * time.Second
)

// Server bundles the controller's collaborators and a listening HTTP
// server for the /node websocket endpoint and /metrics (spec.md §6).
type Server struct {
	cfg   *config.Config
	sqlDB *sql.DB
	hub   *rpcnode.Hub
	sched *scheduler.Scheduler
	tasks *maintenance.Tasks
	http  *http.Server
}

// New opens the reference store, runs migrations, and wires every
// component named in spec.md §4 into a runnable Server.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	path := cfg.StoreDSN
	if path == "" {
		path = cfg.SqlitePath()
	}
	sqlDB, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	persist := db.New(sqlDB)

	c := cache.New()
	table := scheduler.NewTable()
	instr := protocol.NewInstructionCache()
	registry := protocol.NewRegistry(persist.AsProtocolStore(), instr)
	alarms := alarm.NewLogSink()

	sched := scheduler.New(table, c, persist, persist, registry, instr, nil, id.EventName)

	hub := rpcnode.NewHub(rpcnode.Deps{
		Cache:        c,
		Terminals:    persist,
		Nodes:        persist,
		Protocols:    registry,
		Instructions: instr,
		Operations:   persist,
		Table:        table,
		Scheduler:    sched,
		Alarms:       alarms,
		EventName:    id.EventName,
	})
	sched.SetDispatcher(hub)

	tasks := &maintenance.Tasks{
		Broadcaster: hub,
		Resetter:    hub,
		Cache:       c,
		Nodes:       persist,
		Terminals:   persist,
		Protocols:   registry,
		Table:       table,
		ExcludeNode: cfg.ExcludeNode,
	}

	mux := http.NewServeMux()
	mux.Handle("/node", hub.Handler(cfg))
	mux.Handle("/metrics", promhttp.Handler())

	handler := logging.HTTPMiddleware(metrics.HTTPMiddleware(mux))

	return &Server{
		cfg:   cfg,
		sqlDB: sqlDB,
		hub:   hub,
		sched: sched,
		tasks: tasks,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Serve starts the listener, the background maintenance tasks, the
// dispatch tick loop, and the heartbeat watchdog loop, and blocks
// until ctx is cancelled (spec.md §4.6 Tick, §4.5 heartbeat watchdog,
// §4.7 periodic tasks).
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen: %w", err)
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	go s.tasks.Run(bgCtx)
	go s.dispatchLoop(bgCtx)
	go s.heartbeatLoop(bgCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("controller shutting down")
		cancelBg()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("controller listening", "addr", s.cfg.Addr)
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}

func (s *Server) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(dispatchTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sched.Tick(ctx, now)
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.HeartbeatWatchdog(ctx)
		}
	}
}
