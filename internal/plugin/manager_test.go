package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/protocol"
)

type captureMessenger struct {
	mu    sync.Mutex
	sent  []*protocol.Response
	count chan struct{}
}

func newCaptureMessenger() *captureMessenger {
	return &captureMessenger{count: make(chan struct{}, 64)}
}

func (c *captureMessenger) SendDirect(_ context.Context, resp *protocol.Response) error {
	c.mu.Lock()
	c.sent = append(c.sent, resp)
	c.mu.Unlock()
	c.count <- struct{}{}
	return nil
}

func (c *captureMessenger) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-c.count:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %d responses", n)
		}
	}
}

func (c *captureMessenger) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, r := range c.sent {
		out = append(out, r.ID)
	}
	return out
}

func newTestManager(t *testing.T, plugins ...*Plugin) (*Manager, *captureMessenger) {
	t.Helper()

	reg := NewRegistry()
	for _, p := range plugins {
		require.NoError(t, reg.Add(p))
	}
	msg := newCaptureMessenger()
	m := NewManager(reg, dispatch.Deps{
		Messenger: msg,
		Logger:    slog.New(slog.DiscardHandler),
	}, dispatch.DefaultOptions())
	return m, msg
}

func echoPlugin(name string) *Plugin {
	return &Plugin{
		Name: name,
		Commands: map[string]dispatch.TaskHandler{
			"echo": dispatch.TaskHandlerFunc(func(_ context.Context, params map[string]any, ec *dispatch.Context) error {
				ec.CreateResponse(protocol.TaskProcessed, "", params, protocol.ApplicationJSON)
				return nil
			}),
		},
		Policy: dispatch.PolicyHandlerFunc(func(_ context.Context, _ map[string]any, ec *dispatch.Context) error {
			ec.CreateResponse(protocol.PolicyProcessed, "", nil, protocol.ApplicationJSON)
			return nil
		}),
	}
}

func TestManagerRoutesItemsToOwningPlugin(t *testing.T) {
	m, msg := newTestManager(t, echoPlugin("a"), echoPlugin("b"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.ProcessTask(protocol.Task{ID: "t1", Plugin: "a", CommandID: "ECHO"}))
	require.NoError(t, m.ProcessPolicy(protocol.Policy{ID: "p1", Plugin: "b"}))
	msg.wait(t, 2)
	assert.ElementsMatch(t, []string{"t1", "p1"}, msg.ids())

	err := m.ProcessTask(protocol.Task{ID: "t2", Plugin: "missing", CommandID: "echo"})
	assert.True(t, errors.Is(err, ErrPluginNotFound))

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, m.Shutdown(shutdownCtx))

	for _, st := range m.Status() {
		assert.False(t, st.Running, st.Plugin)
	}
	assert.ErrorIs(t, m.ProcessTask(protocol.Task{ID: "t3", Plugin: "a", CommandID: "echo"}), ErrWorkerNotRunning)
}

func TestManagerPreservesPerPluginOrder(t *testing.T) {
	m, msg := newTestManager(t, echoPlugin("a"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.Start(ctx))

	want := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	for _, id := range want {
		require.NoError(t, m.ProcessTask(protocol.Task{ID: id, Plugin: "a", CommandID: "echo"}))
	}
	msg.wait(t, len(want))
	assert.Equal(t, want, msg.ids())
}

func TestManagerShutdownModeStopsWorkers(t *testing.T) {
	var mu sync.Mutex
	var loggedOut []string
	p := echoPlugin("desktop")
	p.Modes = map[protocol.ModeKind]dispatch.ModeHandler{
		protocol.ModeLogout: dispatch.ModeHandlerFunc(func(_ context.Context, ec *dispatch.Context) error {
			mu.Lock()
			loggedOut = append(loggedOut, ec.Username())
			mu.Unlock()
			return nil
		}),
	}

	m, _ := newTestManager(t, p, echoPlugin("other"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.ProcessMode(protocol.ModeLogout, "zeynep"))
	require.NoError(t, m.ProcessMode(protocol.ModeShutdown, ""))
	assert.Error(t, m.ProcessMode(protocol.ModeKind("REBOOT_MODE"), ""))

	require.Eventually(t, func() bool {
		for _, st := range m.Status() {
			if st.Running {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"zeynep"}, loggedOut)
}

func TestManagerStartPluginRestartsStoppedWorker(t *testing.T) {
	m, msg := newTestManager(t, echoPlugin("a"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, m.StartPlugin(ctx, "a"))
	require.NoError(t, m.Enqueue("a", protocol.KillSignal{}))
	require.Eventually(t, func() bool { return !m.Status()[0].Running }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.StartPlugin(ctx, "a"))
	require.NoError(t, m.ProcessTask(protocol.Task{ID: "again", Plugin: "a", CommandID: "echo"}))
	msg.wait(t, 1)
	assert.Equal(t, []string{"again"}, msg.ids())

	assert.ErrorIs(t, m.StartPlugin(ctx, "nope"), ErrPluginNotFound)
}
