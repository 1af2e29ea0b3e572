package scheduler

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ahenk/internal/events"
	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/scheduler/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name         string
		baseInterval time.Duration
		jitter       time.Duration
	}{
		{name: "No Jitter", baseInterval: 1 * time.Minute, jitter: 0},
		{name: "Positive Jitter", baseInterval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", baseInterval: 1 * time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				jittered := calculateJitteredInterval(tt.baseInterval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.baseInterval, jittered)
				} else {
					assert.GreaterOrEqual(t, jittered, tt.baseInterval)
					assert.LessOrEqual(t, jittered, tt.baseInterval+tt.jitter)
				}
			}
		})
	}
}

func TestParseExpression(t *testing.T) {
	tests := []struct {
		expr     string
		expected time.Duration
		hasError bool
	}{
		{"@every 5m", 5 * time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"hourly", time.Hour, false},
		{"@daily", 24 * time.Hour, false},
		{"@weekly", 7 * 24 * time.Hour, false},
		{"0 * * * *", 0, true},
		{"", 0, true},
		{"@every -1m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			d, err := ParseExpression(tt.expr)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestScheduleRejectsCronFields(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger, _ := NewTestSlogger()
	s := New(mocks.NewMockTaskDispatcher(ctrl), nil, logger, time.Second, 0)

	err := s.Schedule(protocol.Task{ID: "t1", Plugin: "sysinfo", CronExpr: "*/5 * * * *"})
	assert.True(t, errors.Is(err, ErrUnsupportedExpression))
	assert.Empty(t, s.Scheduled())
}

func TestTickDispatchesDueTasksOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	dispatcher := mocks.NewMockTaskDispatcher(ctrl)
	logger, logs := NewTestSlogger()
	hub := events.NewHub(16)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(dispatcher, hub, logger, time.Second, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Schedule(protocol.Task{ID: "fast", Plugin: "sysinfo", CronExpr: "@every 1m"}))
	require.NoError(t, s.Schedule(protocol.Task{ID: "slow", Plugin: "sysinfo", CronExpr: "hourly"}))
	assert.Equal(t, []string{"fast", "slow"}, s.Scheduled())

	// Nothing is due yet.
	s.tick()

	now = now.Add(time.Minute)
	dispatcher.EXPECT().ProcessTask(gomock.Any()).DoAndReturn(func(task protocol.Task) error {
		assert.Equal(t, "fast", task.ID)
		return errors.New("worker stopped")
	})
	s.tick()
	assert.Contains(t, logs.String(), "failed to dispatch scheduled task")

	now = now.Add(time.Hour)
	gomock.InOrder(
		dispatcher.EXPECT().ProcessTask(gomock.Any()).DoAndReturn(func(task protocol.Task) error {
			assert.Equal(t, "fast", task.ID)
			return nil
		}),
		dispatcher.EXPECT().ProcessTask(gomock.Any()).DoAndReturn(func(task protocol.Task) error {
			assert.Equal(t, "slow", task.ID)
			return nil
		}),
	)
	s.tick()

	assert.True(t, s.Unschedule("slow"))
	assert.False(t, s.Unschedule("slow"))

	var due int
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == EventTaskDue {
			due++
		}
	}
	assert.Equal(t, 3, due)
}

func TestStartStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger, _ := NewTestSlogger()
	s := New(mocks.NewMockTaskDispatcher(ctrl), nil, logger, 10*time.Millisecond, 0)

	s.Start(t.Context())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}
