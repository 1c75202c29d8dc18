// Package daemon wires the store, queue, executor, agent, and project
// catalog into one long-running process controlled over a unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/utsubo/chidori/internal/agent"
	"github.com/utsubo/chidori/internal/events"
	"github.com/utsubo/chidori/internal/executor"
	"github.com/utsubo/chidori/internal/lock"
	"github.com/utsubo/chidori/internal/logging"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/operator"
	"github.com/utsubo/chidori/internal/project"
	"github.com/utsubo/chidori/internal/queue"
	"github.com/utsubo/chidori/internal/repo"
	"github.com/utsubo/chidori/internal/repo/dbstore"
	"github.com/utsubo/chidori/internal/uds"
)

// Daemon is the chidori server process.
type Daemon struct {
	cfg    model.SystemConfig
	logger *zap.Logger

	fileLock *lock.FileLock
	server   *uds.Server
	store    repo.Store
	queue    queue.Queue
	bus      *events.Bus
	audit    *events.AuditLogger
	exec     *executor.Executor
	agent    *agent.Agent
	projects *project.Store

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once

	forceExit atomic.Bool
}

// New builds a daemon from the system configuration. Nothing starts until
// Start is called.
func New(cfg model.SystemConfig, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
	}

	store, err := openStore(cfg.Repository)
	if err != nil {
		return nil, err
	}
	q, err := openQueue(cfg.Queue)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(100)
	exec := executor.New(store, q, bus, logger, cfg.Executor)
	registry := operator.Builtin()
	worker := agent.New(store, q, exec, registry, logger, cfg.Agent, cfg.Project.Dir)
	projects := project.NewStore(cfg.Project.Dir, logger)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		fileLock: lock.NewFileLock(cfg.Daemon.SocketPath + ".lock"),
		server:   uds.NewServer(cfg.Daemon.SocketPath, logger),
		store:    store,
		queue:    q,
		bus:      bus,
		exec:     exec,
		agent:    worker,
		projects: projects,
		ctx:      ctx,
		cancel:   cancel,
	}
	return d, nil
}

func openStore(cfg model.RepositoryConfig) (repo.Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return repo.NewMemStore(), nil
	case "mysql":
		return dbstore.Open(cfg.DSN)
	}
	return nil, fmt.Errorf("unknown repository kind %q", cfg.Kind)
}

func openQueue(cfg model.QueueConfig) (queue.Queue, error) {
	switch cfg.Kind {
	case "", "memory":
		return queue.NewMemory(), nil
	case "redis":
		return queue.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	}
	return nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
}

// Run starts the daemon and blocks until a shutdown signal arrives.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the daemon lock, loads the project catalog, and launches
// the background loops and the socket server.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.Daemon.SocketPath), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon starting", zap.Int("pid", os.Getpid()))

	if err := d.projects.Load(); err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("load project: %w", err)
	}
	d.logger.Info("project loaded",
		zap.String("dir", d.cfg.Project.Dir),
		zap.Int("workflows", len(d.projects.List())))

	auditPath := filepath.Join(d.cfg.Project.Dir, ".chidori", "audit.jsonl")
	audit, err := events.NewAuditLogger(auditPath, events.DefaultMaxLogSize)
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.Attach(d.bus)
	d.audit = audit

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start socket server: %w", err)
	}
	d.logger.Info("socket server listening", zap.String("path", d.cfg.Daemon.SocketPath))

	group, ctx := errgroup.WithContext(d.ctx)
	d.group = group
	group.Go(func() error { return d.exec.Run(ctx) })
	group.Go(func() error { return d.exec.RunReapers(ctx) })
	group.Go(func() error { return d.agent.Run(ctx) })
	if d.cfg.Project.Watch {
		group.Go(func() error { return d.projects.Watch(ctx) })
	}

	d.logger.Info("daemon ready")
	return nil
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.logger.Warn("received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops the daemon. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")
		d.cancel()

		if d.server != nil {
			d.server.Stop()
		}

		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		done := make(chan struct{})
		go func() {
			if d.group != nil {
				if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					d.logger.Error("background loop failed", zap.Error(err))
				}
			}
			close(done)
		}()

		select {
		case <-done:
			d.logger.Info("background loops drained")
		case <-time.After(timeout):
			d.logger.Warn("shutdown timeout, some tasks may be incomplete",
				zap.Duration("timeout", timeout))
		}

		d.cleanup()
		d.logger.Info("daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.audit != nil {
		d.audit.Close()
	}
	d.bus.Close()
	d.fileLock.Unlock()
	_ = d.logger.Sync()
}
