package notify

import (
	"context"
	"errors"
	"log/slog"
	"os/user"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesktopNotifyRunsAsUser(t *testing.T) {
	d := NewDesktop("notify-send", slog.New(slog.DiscardHandler))
	d.lookup = func(name string) (*user.User, error) {
		return &user.User{Username: name, Uid: "1001"}, nil
	}

	var gotName string
	var gotArgs, gotEnv []string
	d.run = func(_ context.Context, name string, args, env []string) error {
		gotName, gotArgs, gotEnv = name, args, env
		return nil
	}

	require.NoError(t, d.Notify(context.Background(), "ayse", "Ahenk", "sysinfo plugin is running a task"))
	assert.Equal(t, "runuser", gotName)
	assert.Equal(t, []string{"-u", "ayse", "--", "notify-send", "--app-name", "Ahenk", "Ahenk", "sysinfo plugin is running a task"}, gotArgs)
	assert.Contains(t, gotEnv, "DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/1001/bus")
}

func TestDesktopNotifyErrors(t *testing.T) {
	d := NewDesktop("notify-send", slog.New(slog.DiscardHandler))
	assert.Error(t, d.Notify(context.Background(), "", "t", "b"))

	d.lookup = func(string) (*user.User, error) { return nil, user.UnknownUserError("ghost") }
	assert.ErrorContains(t, d.Notify(context.Background(), "ghost", "t", "b"), "lookup user")

	d.lookup = func(name string) (*user.User, error) { return &user.User{Uid: "1"}, nil }
	d.run = func(context.Context, string, []string, []string) error { return errors.New("no display") }
	assert.ErrorContains(t, d.Notify(context.Background(), "ayse", "t", "b"), "no display")
}

func TestWhoDeduplicatesUsers(t *testing.T) {
	w := &Who{users: func(context.Context) ([]host.UserStat, error) {
		return []host.UserStat{
			{User: "mehmet", Terminal: "tty2"},
			{User: "ayse", Terminal: ":0"},
			{User: "mehmet", Terminal: "pts/0"},
			{User: ""},
		}, nil
	}}

	users, err := w.Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ayse", "mehmet"}, users)

	w.users = func(context.Context) ([]host.UserStat, error) { return nil, errors.New("utmp unreadable") }
	_, err = w.Users(context.Background())
	assert.Error(t, err)
}

func TestExecRunner(t *testing.T) {
	require.NoError(t, execRunner(context.Background(), "true", nil, nil))

	err := execRunner(context.Background(), "sh", []string{"-c", "echo boom >&2; exit 3"}, nil)
	assert.ErrorContains(t, err, "exited 3")
	assert.ErrorContains(t, err, "boom")
}
