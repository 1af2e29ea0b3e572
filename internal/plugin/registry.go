package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/protocol"
)

var (
	ErrPluginNotFound  = errors.New("plugin not found")
	ErrCommandNotFound = errors.New("command not found")
	ErrNoPolicyModule  = errors.New("plugin has no policy module")
)

// Plugin is an in-process capability module. A plugin may provide any subset
// of task commands, a policy module and mode handlers.
type Plugin struct {
	Name        string
	Version     string
	Description string
	// Commands are keyed by command id; lookups are case-insensitive.
	Commands map[string]dispatch.TaskHandler
	Policy   dispatch.PolicyHandler
	Modes    map[protocol.ModeKind]dispatch.ModeHandler
}

// SupportsCommand checks if the plugin provides a given command.
func (p *Plugin) SupportsCommand(cmd string) bool {
	_, ok := p.command(cmd)
	return ok
}

// CommandNames returns the plugin's command ids, sorted.
func (p *Plugin) CommandNames() []string {
	out := make([]string, 0, len(p.Commands))
	for name := range p.Commands {
		out = append(out, strings.ToLower(name))
	}
	sort.Strings(out)
	return out
}

func (p *Plugin) command(cmd string) (dispatch.TaskHandler, bool) {
	if h, ok := p.Commands[cmd]; ok {
		return h, true
	}
	for name, h := range p.Commands {
		if strings.EqualFold(name, cmd) {
			return h, true
		}
	}
	return nil, false
}

// Registry holds plugins indexed by name. It is the Router workers use to
// resolve handlers and is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

var _ dispatch.Router = (*Registry)(nil)

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Add registers a plugin in the registry.
func (r *Registry) Add(p *Plugin) error {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("plugin name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) FindCommand(pluginName, commandID string) (dispatch.TaskHandler, error) {
	p, ok := r.Get(pluginName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginName)
	}
	h, ok := p.command(commandID)
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCommandNotFound, pluginName, commandID)
	}
	return h, nil
}

func (r *Registry) FindPolicyModule(pluginName string) (dispatch.PolicyHandler, error) {
	p, ok := r.Get(pluginName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginName)
	}
	if p.Policy == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPolicyModule, pluginName)
	}
	return p.Policy, nil
}

func (r *Registry) FindModeModule(kind protocol.ModeKind, pluginName string) (dispatch.ModeHandler, bool) {
	p, ok := r.Get(pluginName)
	if !ok {
		return nil, false
	}
	h, ok := p.Modes[kind]
	return h, ok && h != nil
}
