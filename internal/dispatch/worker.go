package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/ahenk/internal/log"
	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/queue"
	"github.com/mattjoyce/ahenk/internal/transfer"
)

// Event types published by a Worker.
const (
	EventItemStarted    = "item.started"
	EventItemCompleted  = "item.completed"
	EventItemFailed     = "item.failed"
	EventTransferFailed = "transfer.failed"
	EventWorkerStopped  = "worker.stopped"
)

const policyTable = "policy"

var ErrAlreadyRunning = errors.New("worker is already running")

// Deps are the collaborators a Worker needs. Router, Messenger and Transfers
// are required; the rest may be nil.
type Deps struct {
	Router    Router
	Store     RecordStore
	Messenger Messenger
	Notifier  Notifier
	Sessions  SessionSource
	Transfers SessionFactory
	Staging   *transfer.Staging
	Events    Publisher
	Logger    *slog.Logger
}

// Options tune worker behaviour.
type Options struct {
	// SynthesizeMissingResponse sends an error status when a handler finishes
	// without recording one, so the server never waits on an orphaned item.
	SynthesizeMissingResponse bool
	// SlowHandlerWarning logs a warning when a handler runs longer than this.
	// Zero disables the watchdog. The handler is never interrupted.
	SlowHandlerWarning time.Duration
	// NotifyTimeout bounds a single round of "plugin is running" notifications.
	NotifyTimeout time.Duration
	// NotifyTitle is the desktop notification title.
	NotifyTitle string
}

func DefaultOptions() Options {
	return Options{
		SynthesizeMissingResponse: true,
		NotifyTimeout:             10 * time.Second,
		NotifyTitle:               "Ahenk",
	}
}

// Worker processes one plugin's items strictly in arrival order.
type Worker struct {
	name    string
	deps    Deps
	opts    Options
	logger  *slog.Logger
	queue   *queue.Queue[protocol.Item]
	ectx    *Context
	builder *ResponseBuilder

	// stopping is only touched by the Run goroutine.
	stopping bool

	running   atomic.Bool
	processed atomic.Uint64
	done      chan struct{}
}

func NewWorker(name string, deps Deps, opts Options) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	logger = logger.With("plugin", name)

	return &Worker{
		name:    name,
		deps:    deps,
		opts:    opts,
		logger:  logger,
		queue:   queue.New[protocol.Item](),
		ectx:    NewContext(deps.Transfers, deps.Staging),
		builder: NewResponseBuilder(deps.Transfers, deps.Staging, logger),
		done:    make(chan struct{}),
	}
}

func (w *Worker) Name() string { return w.name }

// Enqueue appends it to the worker's queue. It never blocks and fails only
// once the worker has stopped.
func (w *Worker) Enqueue(it protocol.Item) error {
	if err := w.queue.Push(it); err != nil {
		return fmt.Errorf("plugin %s: %w", w.name, err)
	}
	return nil
}

// Pending returns the number of queued items.
func (w *Worker) Pending() int { return w.queue.Len() }

// Processed returns the number of items taken off the queue so far.
func (w *Worker) Processed() uint64 { return w.processed.Load() }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run processes items until a kill or shutdown signal is handled or ctx is
// cancelled. The signal is honoured after the item that carried it, so
// everything queued before it is fully processed.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(w.done)
	defer w.publish(EventWorkerStopped, map[string]any{"plugin": w.name})

	for !w.stopping {
		if err := ctx.Err(); err != nil {
			return w.cancelled(err)
		}
		// An item taken off the queue is always processed, even if ctx is
		// cancelled while Pop returns it.
		it, err := w.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.cancelled(ctx.Err())
			}
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			w.logger.Error("failed to dequeue item", "error", err)
			continue
		}
		w.process(ctx, it)
	}

	w.queue.Close()
	if n := w.queue.Len(); n > 0 {
		w.logger.Warn("worker stopped with items still queued", "dropped", n)
	}
	return nil
}

func (w *Worker) cancelled(err error) error {
	w.queue.Close()
	w.logger.Info("worker cancelled", "pending", w.queue.Len())
	return err
}

// process handles a single item. Whatever happens, the execution context is
// empty when it returns.
func (w *Worker) process(ctx context.Context, it protocol.Item) {
	defer w.ectx.Reset()
	defer w.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing item", "item_id", protocol.ItemID(it), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch v := it.(type) {
	case nil:
		w.logger.Error("malformed item received, skipping")
	case protocol.Task:
		w.handleTask(ctx, v)
	case protocol.Policy:
		w.handlePolicy(ctx, v)
	case protocol.ModeSignal:
		w.handleMode(ctx, v)
	case protocol.KillSignal:
		w.logger.Info("kill signal received, stopping worker")
		w.stopping = true
	default:
		w.logger.Warn("not supported object type", "type", string(it.Tag()))
	}
}

func (w *Worker) handleTask(ctx context.Context, t protocol.Task) {
	logger := w.logger.With("item_id", t.ID, "command", t.CommandID)
	w.publish(EventItemStarted, map[string]any{"plugin": w.name, "item_id": t.ID, "type": string(protocol.TagTask)})

	handler, err := w.deps.Router.FindCommand(w.name, strings.ToLower(t.CommandID))
	if err != nil || handler == nil {
		logger.Error("could not resolve task command", "error", err)
		w.publishFailed(t.ID, "command not found")
		return
	}

	w.ectx.Put(KeyTaskID, t.ID)
	w.putFileServer(t.FileServer)

	params := t.Parameters
	if params == nil {
		params = map[string]any{}
	}

	logger.Debug("running task")
	w.notifySessions(fmt.Sprintf("%s plugin is running a task", w.name))
	faulted := w.invoke(logger, func() error {
		return handler.HandleTask(ctx, params, w.ectx)
	})

	w.respond(ctx, logger, Meta{Type: protocol.TaskStatus, ID: t.ID, FileServer: t.FileServer}, faulted)
}

func (w *Worker) handlePolicy(ctx context.Context, p protocol.Policy) {
	logger := w.logger.With("item_id", p.ID)
	w.publish(EventItemStarted, map[string]any{"plugin": w.name, "item_id": p.ID, "type": string(protocol.TagPolicy)})

	handler, err := w.deps.Router.FindPolicyModule(w.name)
	if err != nil || handler == nil {
		logger.Error("could not resolve policy module", "error", err)
		w.publishFailed(p.ID, "policy module not found")
		return
	}

	meta := Meta{
		Type:          protocol.PolicyStatus,
		ID:            p.ID,
		FileServer:    p.FileServer,
		ExecutionID:   w.lookup(ctx, logger, "execution_id", p.ID),
		PolicyVersion: w.lookup(ctx, logger, "version", p.ID),
	}

	w.ectx.Put(KeyUsername, p.Username)
	w.ectx.Put(KeyExecutionID, meta.ExecutionID)
	w.ectx.Put(KeyPolicyVersion, meta.PolicyVersion)
	w.putFileServer(p.FileServer)

	data := p.ProfileData
	if data == nil {
		data = map[string]any{}
	}

	logger.Debug("running policy", "username", p.Username)
	if p.Username != "" {
		w.notifyUser(p.Username, fmt.Sprintf("%s plugin is running a profile", w.name))
	}
	faulted := w.invoke(logger, func() error {
		return handler.HandlePolicy(ctx, data, w.ectx)
	})

	w.respond(ctx, logger, meta, faulted)
}

func (w *Worker) handleMode(ctx context.Context, m protocol.ModeSignal) {
	logger := w.logger.With("mode", string(m.Kind))

	if handler, ok := w.deps.Router.FindModeModule(m.Kind, w.name); ok && handler != nil {
		if m.Kind.IsUserScoped() {
			w.ectx.Put(KeyUsername, m.Username)
		}
		logger.Debug("running mode handler")
		w.invoke(logger, func() error {
			return handler.HandleMode(ctx, w.ectx)
		})
	}

	if m.Kind == protocol.ModeShutdown {
		logger.Info("plugin is stopping")
		w.stopping = true
	}
}

// invoke runs fn, converting a returned error or a panic into a logged fault.
func (w *Worker) invoke(logger *slog.Logger, fn func() error) (faulted bool) {
	if d := w.opts.SlowHandlerWarning; d > 0 {
		start := time.Now()
		timer := time.AfterFunc(d, func() {
			logger.Warn("handler still running", "elapsed", time.Since(start).Round(time.Millisecond))
		})
		defer timer.Stop()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			faulted = true
		}
	}()

	if err := fn(); err != nil {
		logger.Error("handler failed", "error", err)
		return true
	}
	return false
}

func (w *Worker) respond(ctx context.Context, logger *slog.Logger, m Meta, faulted bool) {
	resp, err := w.builder.Build(ctx, w.ectx, m)
	switch {
	case errors.Is(err, ErrNoResponse):
		if faulted {
			w.publishFailed(m.ID, "handler failed")
			return
		}
		kind := "task"
		if m.Type == protocol.PolicyStatus {
			kind = "policy"
		}
		logger.Error("there is no response, plugin must create a response after running a " + kind)
		if !w.opts.SynthesizeMissingResponse {
			w.publishFailed(m.ID, "no response")
			return
		}
		resp = MissingResponse(m)
	case errors.Is(err, ErrTransferFailed):
		w.publish(EventTransferFailed, map[string]any{"plugin": w.name, "item_id": m.ID, "error": err.Error()})
	case err != nil:
		logger.Error("failed to build response", "error", err)
	}

	if resp == nil {
		w.publishFailed(m.ID, "no response")
		return
	}

	if err := w.deps.Messenger.SendDirect(ctx, resp); err != nil {
		logger.Error("failed to send response", "code", string(resp.Code), "error", err)
		w.publishFailed(m.ID, "send failed")
		return
	}
	logger.Debug("response sent", "code", string(resp.Code))
	w.publish(EventItemCompleted, map[string]any{"plugin": w.name, "item_id": m.ID, "code": string(resp.Code)})
}

func (w *Worker) putFileServer(fs *protocol.FileServerSpec) {
	if fs == nil {
		return
	}
	w.ectx.Put(KeyProtocol, fs.Protocol)
	w.ectx.Put(KeyParameterMap, fs.Parameters.Clone())
}

// lookup returns nil when the store has no value or the lookup fails.
func (w *Worker) lookup(ctx context.Context, logger *slog.Logger, column, id string) *string {
	if w.deps.Store == nil {
		return nil
	}
	v, err := w.deps.Store.Lookup(ctx, policyTable, column, id)
	if errors.Is(err, ErrNoRecord) {
		logger.Debug("policy value not recorded", "column", column)
		return nil
	}
	if err != nil {
		logger.Warn("policy lookup failed", "column", column, "error", err)
		return nil
	}
	return &v
}

// notifySessions tells every logged-in user that the plugin is busy. It runs
// in the background and never delays the item.
func (w *Worker) notifySessions(body string) {
	if w.deps.Notifier == nil || w.deps.Sessions == nil {
		return
	}
	go func() {
		ctx, cancel := w.notifyContext()
		defer cancel()
		users, err := w.deps.Sessions.Users(ctx)
		if err != nil {
			w.logger.Debug("could not list sessions", "error", err)
			return
		}
		for _, u := range users {
			w.sendNotification(ctx, u, body)
		}
	}()
}

func (w *Worker) notifyUser(username, body string) {
	if w.deps.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := w.notifyContext()
		defer cancel()
		w.sendNotification(ctx, username, body)
	}()
}

func (w *Worker) notifyContext() (context.Context, context.CancelFunc) {
	if w.opts.NotifyTimeout > 0 {
		return context.WithTimeout(context.Background(), w.opts.NotifyTimeout)
	}
	return context.WithCancel(context.Background())
}

func (w *Worker) sendNotification(ctx context.Context, username, body string) {
	title := w.opts.NotifyTitle
	if title == "" {
		title = "Ahenk"
	}
	if err := w.deps.Notifier.Notify(ctx, username, title, body); err != nil {
		w.logger.Debug("notification failed", "username", username, "error", err)
	}
}

func (w *Worker) publish(eventType string, data any) {
	if w.deps.Events != nil {
		w.deps.Events.Publish(eventType, data)
	}
}

func (w *Worker) publishFailed(id, reason string) {
	w.publish(EventItemFailed, map[string]any{"plugin": w.name, "item_id": id, "reason": reason})
}
