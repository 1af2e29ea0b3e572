// Package notify tells logged-in desktop users that a plugin is working on
// their machine. Delivery is best effort.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"sort"
	"strings"

	"github.com/go-cmd/cmd"
	"github.com/shirou/gopsutil/v3/host"
)

// Runner executes a notification command. It exists so tests can observe
// invocations without a desktop session.
type Runner func(ctx context.Context, name string, args, env []string) error

// Desktop sends notifications through a notify-send compatible command run as
// the target user.
type Desktop struct {
	command string
	run     Runner
	lookup  func(username string) (*user.User, error)
	logger  *slog.Logger
}

func NewDesktop(command string, logger *slog.Logger) *Desktop {
	return &Desktop{
		command: command,
		run:     execRunner,
		lookup:  user.Lookup,
		logger:  logger,
	}
}

// Notify shows title/body to username's desktop session.
func (d *Desktop) Notify(ctx context.Context, username, title, body string) error {
	if username == "" {
		return fmt.Errorf("username is empty")
	}
	u, err := d.lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", username, err)
	}

	args := []string{"-u", username, "--", d.command, "--app-name", title, title, body}
	env := []string{
		"DISPLAY=:0",
		"DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/" + u.Uid + "/bus",
	}
	if err := d.run(ctx, "runuser", args, env); err != nil {
		return fmt.Errorf("notify %q: %w", username, err)
	}
	d.logger.Debug("notification sent", "username", username)
	return nil
}

func execRunner(ctx context.Context, name string, args, env []string) error {
	c := cmd.NewCmd(name, args...)
	c.Env = append(os.Environ(), env...)

	var st cmd.Status
	select {
	case st = <-c.Start():
	case <-ctx.Done():
		_ = c.Stop()
		return ctx.Err()
	}
	if st.Error != nil {
		return st.Error
	}
	if st.Exit != 0 {
		return fmt.Errorf("%s exited %d: %s", name, st.Exit, strings.Join(st.Stderr, "; "))
	}
	return nil
}

// Who lists users with an active login session.
type Who struct {
	users func(ctx context.Context) ([]host.UserStat, error)
}

func NewWho() *Who {
	return &Who{users: host.UsersWithContext}
}

// Users returns each logged-in user once, sorted.
func (w *Who) Users(ctx context.Context) ([]string, error) {
	stats, err := w.users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	seen := make(map[string]struct{}, len(stats))
	out := make([]string, 0, len(stats))
	for _, s := range stats {
		if s.User == "" {
			continue
		}
		if _, ok := seen[s.User]; ok {
			continue
		}
		seen[s.User] = struct{}{}
		out = append(out, s.User)
	}
	sort.Strings(out)
	return out, nil
}
