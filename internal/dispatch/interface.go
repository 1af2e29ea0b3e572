package dispatch

import (
	"context"
	"errors"

	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/transfer"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/ahenk/internal/dispatch Router,RecordStore,Messenger,Notifier,SessionSource,SessionFactory
//go:generate mockgen -destination=mocks/mock_session.go -package=mocks github.com/mattjoyce/ahenk/internal/transfer Session

// TaskHandler runs a task command.
type TaskHandler interface {
	HandleTask(ctx context.Context, params map[string]any, ec *Context) error
}

// PolicyHandler applies a policy profile.
type PolicyHandler interface {
	HandlePolicy(ctx context.Context, data map[string]any, ec *Context) error
}

// ModeHandler reacts to a lifecycle mode signal.
type ModeHandler interface {
	HandleMode(ctx context.Context, ec *Context) error
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, params map[string]any, ec *Context) error

func (f TaskHandlerFunc) HandleTask(ctx context.Context, params map[string]any, ec *Context) error {
	return f(ctx, params, ec)
}

// PolicyHandlerFunc adapts a function to PolicyHandler.
type PolicyHandlerFunc func(ctx context.Context, data map[string]any, ec *Context) error

func (f PolicyHandlerFunc) HandlePolicy(ctx context.Context, data map[string]any, ec *Context) error {
	return f(ctx, data, ec)
}

// ModeHandlerFunc adapts a function to ModeHandler.
type ModeHandlerFunc func(ctx context.Context, ec *Context) error

func (f ModeHandlerFunc) HandleMode(ctx context.Context, ec *Context) error {
	return f(ctx, ec)
}

// Router resolves the handler for a plugin and item.
type Router interface {
	FindCommand(plugin, commandID string) (TaskHandler, error)
	FindPolicyModule(plugin string) (PolicyHandler, error)
	// FindModeModule returns false when the plugin does not handle kind.
	FindModeModule(kind protocol.ModeKind, plugin string) (ModeHandler, bool)
}

// ErrNoRecord is wrapped by RecordStore implementations when the record, or
// the requested column value, does not exist.
var ErrNoRecord = errors.New("no such record")

// RecordStore looks up a single column of a persisted record by id.
// Implementations must be safe for concurrent use.
type RecordStore interface {
	Lookup(ctx context.Context, table, column, id string) (string, error)
}

// Messenger delivers a status response to the management server.
// Implementations must be safe for concurrent use.
type Messenger interface {
	SendDirect(ctx context.Context, resp *protocol.Response) error
}

// Notifier shows a desktop notification to a logged-in user.
type Notifier interface {
	Notify(ctx context.Context, username, title, body string) error
}

// SessionSource lists the users with an active desktop session.
type SessionSource interface {
	Users(ctx context.Context) ([]string, error)
}

// SessionFactory constructs transfer sessions by protocol name.
type SessionFactory interface {
	New(protocolName string, params protocol.Params) (transfer.Session, error)
}

// Publisher receives dispatch lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

var _ SessionFactory = (*transfer.Factory)(nil)
