// Package task is the intake for tasks and policies arriving from the
// management server: it records each item and hands it to the plugin worker,
// or to the scheduler when the task carries a schedule expression.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/ahenk/internal/protocol"
)

var (
	ErrMissingID     = errors.New("item id is required")
	ErrMissingPlugin = errors.New("plugin name is required")
)

type Manager struct {
	store      Store
	dispatcher Dispatcher
	scheduler  Scheduler
	logger     *slog.Logger
}

// NewManager wires intake. A nil scheduler rejects scheduled tasks.
func NewManager(store Store, dispatcher Dispatcher, scheduler Scheduler, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		logger:     logger.With("component", "task"),
	}
}

// AddTask saves t and dispatches it now, or schedules it when CronExpr is set.
func (m *Manager) AddTask(ctx context.Context, t protocol.Task) error {
	if err := validate(t.ID, t.Plugin); err != nil {
		return err
	}
	if err := m.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}

	if strings.TrimSpace(t.CronExpr) != "" {
		if m.scheduler == nil {
			return fmt.Errorf("task %s: scheduling is not available", t.ID)
		}
		if err := m.scheduler.Schedule(t); err != nil {
			return err
		}
		m.logger.Info("task deferred", "item_id", t.ID, "plugin", t.Plugin, "expr", t.CronExpr)
		return nil
	}

	if err := m.dispatcher.ProcessTask(t); err != nil {
		return fmt.Errorf("dispatch task %s: %w", t.ID, err)
	}
	m.logger.Debug("task dispatched", "item_id", t.ID, "plugin", t.Plugin, "command", t.CommandID)
	return nil
}

// AddPolicy saves p so the worker can resolve its execution id and version,
// then dispatches it.
func (m *Manager) AddPolicy(ctx context.Context, p protocol.Policy) error {
	if err := validate(p.ID, p.Plugin); err != nil {
		return err
	}
	if err := m.store.SavePolicy(ctx, p); err != nil {
		return fmt.Errorf("save policy %s: %w", p.ID, err)
	}
	if err := m.dispatcher.ProcessPolicy(p); err != nil {
		return fmt.Errorf("dispatch policy %s: %w", p.ID, err)
	}
	m.logger.Debug("policy dispatched", "item_id", p.ID, "plugin", p.Plugin, "username", p.Username)
	return nil
}

// CancelTask removes a scheduled task and its record.
func (m *Manager) CancelTask(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}
	if m.scheduler != nil && m.scheduler.Unschedule(id) {
		m.logger.Info("task unscheduled", "item_id", id)
	}
	return m.store.DeleteTask(ctx, id)
}

// Submit accepts any decoded item and routes it to AddTask or AddPolicy.
func (m *Manager) Submit(ctx context.Context, it protocol.Item) error {
	switch v := it.(type) {
	case protocol.Task:
		return m.AddTask(ctx, v)
	case protocol.Policy:
		return m.AddPolicy(ctx, v)
	default:
		return fmt.Errorf("cannot submit %T", it)
	}
}

func validate(id, plugin string) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(plugin) == "" {
		return ErrMissingPlugin
	}
	return nil
}
