// Package transfer moves result payloads between the agent and a remote file
// server.
//
// A Session is one authenticated connection used for exactly one
// connect → transfer → disconnect scope:
//
//	Unconnected --Connect ok--> Connected --SendFile|GetFile--> Connected --Disconnect--> Closed
//
// A failed Connect leaves the session Unconnected. Closed is terminal: callers
// construct a new Session for every transfer scope. SendFile always leaves the
// session Closed, whatever its outcome.
//
// Downloaded files are stored content-addressed in the private staging
// directory: the final file name is the hex MD5 digest of its bytes.
package transfer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/ahenk/internal/protocol"
)

// State is the lifecycle state of a Session.
type State int

const (
	Unconnected State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrNotConnected    = errors.New("session is not connected")
	ErrClosed          = errors.New("session is closed")
	ErrUnknownProtocol = errors.New("unknown transfer protocol")
	ErrInvalidParams   = errors.New("invalid transfer parameters")
)

// Session is one connection to a remote endpoint able to store and retrieve
// files by path.
type Session interface {
	// Connect opens an authenticated session. On failure the session stays
	// Unconnected.
	Connect(ctx context.Context) error

	// SendFile uploads localPath to remotePath. An empty remotePath uses the
	// configured target path. The session is Closed when SendFile returns.
	SendFile(ctx context.Context, localPath, remotePath string) error

	// GetFile downloads remotePath into the staging directory and returns the
	// content hash, which is also the staged file name. An empty remotePath
	// uses the configured target path.
	GetFile(ctx context.Context, remotePath string) (string, error)

	// Disconnect closes the session. It is safe to call at any time, any
	// number of times.
	Disconnect()

	IsConnected() bool
	State() State
}

// Options are shared by every session a Factory constructs.
type Options struct {
	Staging        *Staging
	KnownHostsFile string
	// DialTimeout bounds the TCP dial only. Zero means no timeout.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Constructor builds a Session from a parameter map. Parameter problems are
// reported here, before any network activity.
type Constructor func(params protocol.Params, opts Options) (Session, error)
