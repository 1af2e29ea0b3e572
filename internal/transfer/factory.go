package transfer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/ahenk/internal/protocol"
)

// Factory maps protocol names to Session constructors.
type Factory struct {
	opts Options

	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory returns a factory with the built-in SSH backend registered under
// "ssh", "scp" and "sftp".
func NewFactory(opts Options) *Factory {
	f := &Factory{
		opts:  opts,
		ctors: make(map[string]Constructor),
	}
	for _, name := range []string{"ssh", "scp", "sftp"} {
		f.Register(name, NewSSHSession)
	}
	return f
}

// Register adds or replaces the constructor for a protocol name.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[normalize(name)] = ctor
}

// New constructs an unconnected session for protocolName.
func (f *Factory) New(protocolName string, params protocol.Params) (Session, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[normalize(protocolName)]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocolName)
	}
	return ctor(params.Clone(), f.opts)
}

// Protocols returns the registered protocol names, sorted.
func (f *Factory) Protocols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for name := range f.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
