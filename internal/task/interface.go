package task

import (
	"context"

	"github.com/mattjoyce/ahenk/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_task.go -package=mocks github.com/mattjoyce/ahenk/internal/task Store,Dispatcher,Scheduler

// Store persists received items so plugins can look them up later.
type Store interface {
	SaveTask(ctx context.Context, t protocol.Task) error
	SavePolicy(ctx context.Context, p protocol.Policy) error
	DeleteTask(ctx context.Context, id string) error
}

// Dispatcher routes items to plugin workers.
type Dispatcher interface {
	ProcessTask(t protocol.Task) error
	ProcessPolicy(p protocol.Policy) error
}

// Scheduler holds deferred tasks.
type Scheduler interface {
	Schedule(t protocol.Task) error
	Unschedule(id string) bool
}
