package scheduler

import "github.com/mattjoyce/ahenk/internal/protocol"

//go:generate mockgen -destination=mocks/mock_dispatcher.go -package=mocks github.com/mattjoyce/ahenk/internal/scheduler TaskDispatcher

// TaskDispatcher hands a due task to its plugin worker.
type TaskDispatcher interface {
	ProcessTask(t protocol.Task) error
}
