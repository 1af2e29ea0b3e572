package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/log"
	"github.com/mattjoyce/ahenk/internal/protocol"
)

var ErrWorkerNotRunning = errors.New("plugin worker is not running")

// WorkerStatus is a point-in-time view of one plugin worker.
type WorkerStatus struct {
	Plugin    string `json:"plugin"`
	Running   bool   `json:"running"`
	Pending   int    `json:"pending"`
	Processed uint64 `json:"processed"`
}

// Manager runs one dispatch worker per registered plugin and routes incoming
// items to them.
type Manager struct {
	registry *Registry
	deps     dispatch.Deps
	opts     dispatch.Options
	logger   *slog.Logger

	mu      sync.RWMutex
	workers map[string]*dispatch.Worker
	wg      sync.WaitGroup
}

// NewManager returns a manager for the plugins in reg. deps.Router is set to
// reg; the other collaborators are shared by every worker.
func NewManager(reg *Registry, deps dispatch.Deps, opts dispatch.Options) *Manager {
	deps.Router = reg
	logger := deps.Logger
	if logger == nil {
		logger = log.WithComponent("plugin")
	}
	return &Manager{
		registry: reg,
		deps:     deps,
		opts:     opts,
		logger:   logger,
		workers:  make(map[string]*dispatch.Worker),
	}
}

// Start launches a worker for every registered plugin that has none yet.
func (m *Manager) Start(ctx context.Context) error {
	for _, name := range m.registry.Names() {
		if err := m.StartPlugin(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StartPlugin launches the worker for a single plugin. Starting a plugin whose
// worker is still running is a no-op; a stopped worker is replaced.
func (m *Manager) StartPlugin(ctx context.Context, name string) error {
	if _, ok := m.registry.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[name]; ok && !stopped(w) {
		return nil
	}

	w := dispatch.NewWorker(name, m.deps, m.opts)
	m.workers[name] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("plugin worker exited", "plugin", name, "error", err)
			return
		}
		m.logger.Info("plugin worker stopped", "plugin", name)
	}()
	m.logger.Info("plugin worker started", "plugin", name)
	return nil
}

// ProcessTask queues a task on its plugin's worker.
func (m *Manager) ProcessTask(t protocol.Task) error {
	return m.Enqueue(t.Plugin, t)
}

// ProcessPolicy queues a policy on its plugin's worker.
func (m *Manager) ProcessPolicy(p protocol.Policy) error {
	return m.Enqueue(p.Plugin, p)
}

// ProcessMode broadcasts a mode signal to every running worker.
func (m *Manager) ProcessMode(kind protocol.ModeKind, username string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown mode %q", kind)
	}
	sig := protocol.ModeSignal{Kind: kind, Username: username}

	var errs []error
	for _, w := range m.running() {
		if err := w.Enqueue(sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enqueue queues it on the named plugin's worker.
func (m *Manager) Enqueue(pluginName string, it protocol.Item) error {
	m.mu.RLock()
	w, ok := m.workers[pluginName]
	m.mu.RUnlock()
	if !ok {
		if _, known := m.registry.Get(pluginName); known {
			return fmt.Errorf("%w: %s", ErrWorkerNotRunning, pluginName)
		}
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginName)
	}
	if stopped(w) {
		return fmt.Errorf("%w: %s", ErrWorkerNotRunning, pluginName)
	}
	return w.Enqueue(it)
}

// Shutdown sends a kill signal to every worker and waits for them to finish
// the items queued ahead of it, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, w := range m.running() {
		if err := w.Enqueue(protocol.KillSignal{}); err != nil {
			m.logger.Debug("kill signal not queued", "plugin", w.Name(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for plugin workers: %w", ctx.Err())
	}
}

// Status reports every worker, ordered by plugin name.
func (m *Manager) Status() []WorkerStatus {
	names := m.registry.Names()

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(names))
	for _, name := range names {
		st := WorkerStatus{Plugin: name}
		if w, ok := m.workers[name]; ok {
			st.Running = !stopped(w)
			st.Pending = w.Pending()
			st.Processed = w.Processed()
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) running() []*dispatch.Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*dispatch.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if !stopped(w) {
			out = append(out, w)
		}
	}
	return out
}

func stopped(w *dispatch.Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}
