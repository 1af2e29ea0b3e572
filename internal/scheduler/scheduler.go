package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/ahenk/internal/protocol"
)

// Event types published by the scheduler.
const (
	EventTaskScheduled = "scheduler.task_scheduled"
	EventTaskDue       = "scheduler.task_due"
)

var ErrUnsupportedExpression = errors.New("unsupported schedule expression")

// Publisher receives scheduler events.
type Publisher interface {
	Publish(eventType string, data any)
}

type entry struct {
	task     protocol.Task
	interval time.Duration
	next     time.Time
}

// Scheduler re-dispatches deferred tasks on a fixed interval. It understands
// "@every <duration>", "@hourly", "@daily", "hourly", "daily" and bare Go
// durations. Five-field cron expressions are rejected.
type Scheduler struct {
	dispatcher   TaskDispatcher
	events       Publisher
	logger       *slog.Logger
	tickInterval time.Duration
	jitter       time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler that checks for due tasks every tickInterval and
// spreads each run by up to jitter.
func New(d TaskDispatcher, events Publisher, logger *slog.Logger, tickInterval, jitter time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Scheduler{
		dispatcher:   d,
		events:       events,
		logger:       logger.With("component", "scheduler"),
		tickInterval: tickInterval,
		jitter:       jitter,
		now:          time.Now,
		entries:      make(map[string]*entry),
		stopCh:       make(chan struct{}),
	}
}

// Schedule registers t to run every interval described by its CronExpr.
// Scheduling a task id again replaces the previous entry.
func (s *Scheduler) Schedule(t protocol.Task) error {
	interval, err := ParseExpression(t.CronExpr)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}

	next := s.now().Add(calculateJitteredInterval(interval, s.jitter))
	s.mu.Lock()
	s.entries[t.ID] = &entry{task: t, interval: interval, next: next}
	s.mu.Unlock()

	s.logger.Info("task scheduled", "item_id", t.ID, "plugin", t.Plugin, "every", interval, "next", next)
	s.publish(EventTaskScheduled, map[string]any{"item_id": t.ID, "plugin": t.Plugin, "next": next})
	return nil
}

// Unschedule removes a task. It reports whether the task was scheduled.
func (s *Scheduler) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok
}

// Scheduled returns the ids of all scheduled tasks, sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler")
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick dispatches every due task, oldest deadline first.
func (s *Scheduler) tick() {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.next = now.Add(calculateJitteredInterval(e.interval, s.jitter))
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].task.ID < due[j].task.ID })
	for _, e := range due {
		s.publish(EventTaskDue, map[string]any{"item_id": e.task.ID, "plugin": e.task.Plugin})
		if err := s.dispatcher.ProcessTask(e.task); err != nil {
			s.logger.Error("failed to dispatch scheduled task", "item_id", e.task.ID, "plugin", e.task.Plugin, "error", err)
		}
	}
}

func (s *Scheduler) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}

// ParseExpression converts a schedule expression to its repeat interval.
func ParseExpression(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	switch strings.ToLower(expr) {
	case "":
		return 0, fmt.Errorf("%w: empty", ErrUnsupportedExpression)
	case "@hourly", "hourly":
		return time.Hour, nil
	case "@daily", "daily", "@midnight":
		return 24 * time.Hour, nil
	case "@weekly", "weekly":
		return 7 * 24 * time.Hour, nil
	}

	expr = strings.TrimSpace(strings.TrimPrefix(expr, "@every"))
	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedExpression, expr)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", expr)
	}
	return d, nil
}
