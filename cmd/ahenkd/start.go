package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/ahenk/internal/api"
	"github.com/mattjoyce/ahenk/internal/config"
	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/events"
	"github.com/mattjoyce/ahenk/internal/lock"
	"github.com/mattjoyce/ahenk/internal/log"
	"github.com/mattjoyce/ahenk/internal/notify"
	"github.com/mattjoyce/ahenk/internal/outbox"
	"github.com/mattjoyce/ahenk/internal/plugin"
	"github.com/mattjoyce/ahenk/internal/plugins/sysinfo"
	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/scheduler"
	"github.com/mattjoyce/ahenk/internal/state"
	"github.com/mattjoyce/ahenk/internal/storage"
	"github.com/mattjoyce/ahenk/internal/task"
	"github.com/mattjoyce/ahenk/internal/transfer"
)

// agent is the fully wired runtime. It is built by newAgent and owns every
// resource released by close.
type agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	hub     *events.Hub
	workers *plugin.Manager
	sched   *scheduler.Scheduler
	tasks   *task.Manager
	api     *api.Server

	closers []func() error
}

func runStart(ctx context.Context, configPath, version string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Setup(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("ahenkd starting", "version", version, "config", cfg.Path)

	pidLock, err := lock.AcquirePIDLock(cfg.Agent.PIDFile)
	if err != nil {
		return fmt.Errorf("acquire PID lock (another instance may be running): %w", err)
	}
	defer pidLock.Release()

	a, err := newAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}

func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent, error) {
	a := &agent{cfg: cfg, logger: logger}

	for _, p := range []struct{ key, path string }{
		{"database.path", cfg.Database.Path},
		{"staging.dir", cfg.Staging.Dir},
	} {
		fs, err := storage.CheckLocalState(p.key, p.path)
		if err != nil {
			return nil, err
		}
		if fs.Volatile {
			logger.Warn("agent state is on a volatile filesystem and will not survive a reboot",
				"key", p.key, "path", p.path, "fstype", fs.Type)
		}
	}

	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	a.closers = append(a.closers, db.Close)
	store := state.NewStore(db)

	staging, err := transfer.NewStaging(cfg.Staging.Dir)
	if err != nil {
		a.close()
		return nil, err
	}
	factory := transfer.NewFactory(transfer.Options{
		Staging:        staging,
		KnownHostsFile: cfg.KnownHostsPath(),
		DialTimeout:    cfg.Transfer.DialTimeout,
		Logger:         log.WithComponent("transfer"),
	})

	out, err := outbox.Open(cfg.Outbox.Path)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, out.Close)

	a.hub = events.NewHub(cfg.Agent.EventBuffer)

	deps := dispatch.Deps{
		Store:     store,
		Messenger: out,
		Transfers: factory,
		Staging:   staging,
		Events:    a.hub,
		Logger:    log.WithComponent("dispatch"),
	}
	if cfg.Notify.Enabled {
		deps.Notifier = notify.NewDesktop(cfg.Notify.Command, log.WithComponent("notify"))
		deps.Sessions = notify.NewWho()
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.workers = plugin.NewManager(registry, deps, dispatchOptions(cfg))

	a.sched = scheduler.New(a.workers, a.hub, logger, cfg.Scheduler.TickInterval, cfg.Scheduler.Jitter)
	a.tasks = task.NewManager(store, a.workers, a.sched, log.WithComponent("main"))

	if cfg.API.Enabled {
		a.api = api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, a.tasks, a.workers, a.hub, log.WithComponent("api"))
	}
	return a, nil
}

func buildRegistry(cfg *config.Config) (*plugin.Registry, error) {
	registry := plugin.NewRegistry()
	if cfg.PluginEnabled(sysinfo.Name) {
		if err := registry.Add(sysinfo.New(nil, log.WithPlugin(sysinfo.Name))); err != nil {
			return nil, err
		}
	}
	if len(registry.Names()) == 0 {
		return nil, errors.New("no plugins enabled")
	}
	return registry, nil
}

func dispatchOptions(cfg *config.Config) dispatch.Options {
	opts := dispatch.DefaultOptions()
	opts.SynthesizeMissingResponse = cfg.Dispatch.SynthesizeMissingResponse
	opts.SlowHandlerWarning = cfg.Dispatch.SlowHandlerWarning
	if cfg.Dispatch.NotifyTimeout > 0 {
		opts.NotifyTimeout = cfg.Dispatch.NotifyTimeout
	}
	if cfg.Dispatch.NotifyTitle != "" {
		opts.NotifyTitle = cfg.Dispatch.NotifyTitle
	}
	return opts
}

// run starts the workers and blocks until ctx ends or a component fails,
// then drains the workers.
func (a *agent) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Workers outlive ctx so shutdown can drain them with SHUTDOWN_MODE.
	if err := a.workers.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	if err := a.workers.ProcessMode(protocol.ModeInit, ""); err != nil {
		a.logger.Warn("init mode not delivered", "error", err)
	}
	a.sched.Start(ctx)

	errCh := make(chan error, 1)
	if a.api != nil {
		go func() {
			if err := a.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	a.logger.Info("ahenkd running", "plugins", len(a.workers.Status()))

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case runErr = <-errCh:
		a.logger.Error("component failed", "error", runErr)
	}

	a.sched.Stop()
	if err := a.shutdown(); err != nil {
		a.logger.Warn("workers did not drain", "error", err)
	}
	a.logger.Info("ahenkd stopped")
	return runErr
}

// shutdown broadcasts SHUTDOWN_MODE, then stops every worker.
func (a *agent) shutdown() error {
	if err := a.workers.ProcessMode(protocol.ModeShutdown, ""); err != nil {
		a.logger.Debug("shutdown mode not delivered", "error", err)
	}

	timeout := a.cfg.Dispatch.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.workers.Shutdown(ctx)
}

// close releases the agent's resources. While a worker is still running
// after a drain timeout, the database and outbox stay open for it; the
// process is about to exit anyway.
func (a *agent) close() {
	if busy := a.busyWorkers(); len(busy) > 0 {
		a.logger.Warn("plugin workers still running; leaving database and outbox open, in-flight responses may be lost",
			"plugins", busy)
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *agent) busyWorkers() []string {
	if a.workers == nil {
		return nil
	}
	var busy []string
	for _, st := range a.workers.Status() {
		if st.Running {
			busy = append(busy, st.Plugin)
		}
	}
	return busy
}
