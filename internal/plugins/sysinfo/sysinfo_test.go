package sysinfo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/dispatch/mocks"
	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/transfer"
)

func fixedSnapshot(context.Context) (*Snapshot, error) {
	return &Snapshot{
		Hostname:    "pardus-01",
		Platform:    "pardus",
		PlatformVer: "23.1",
		Kernel:      "6.1.0",
		UptimeSec:   3600,
		MemTotal:    8 << 30,
		MemUsed:     2 << 30,
		MemUsedPct:  25,
		Load1:       0.5,
	}, nil
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestPluginShape(t *testing.T) {
	p := New(fixedSnapshot, discard())
	assert.Equal(t, Name, p.Name)
	assert.Equal(t, []string{CmdCollectReport, CmdHostInfo}, p.CommandNames())
	assert.True(t, p.SupportsCommand("HOST_INFO"))
	assert.NotNil(t, p.Policy)
	assert.Contains(t, p.Modes, protocol.ModeLogin)
}

func TestHostInfoInline(t *testing.T) {
	p := New(fixedSnapshot, discard())
	ec := dispatch.NewContext(nil, nil)

	require.NoError(t, p.Commands[CmdHostInfo].HandleTask(context.Background(), nil, ec))

	b := dispatch.NewResponseBuilder(nil, nil, discard())
	resp, err := b.Build(context.Background(), ec, dispatch.Meta{Type: protocol.TaskStatus, ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskProcessed, resp.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Equal(t, "pardus-01", snap.Hostname)
	assert.Equal(t, 25.0, snap.MemUsedPct)
}

func TestHostInfoCollectorError(t *testing.T) {
	p := New(func(context.Context) (*Snapshot, error) { return nil, errors.New("proc unavailable") }, discard())
	ec := dispatch.NewContext(nil, nil)

	require.NoError(t, p.Commands[CmdHostInfo].HandleTask(context.Background(), nil, ec))
	resp, err := dispatch.NewResponseBuilder(nil, nil, discard()).
		Build(context.Background(), ec, dispatch.Meta{Type: protocol.TaskStatus, ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskError, resp.Code)
	assert.Equal(t, "proc unavailable", resp.Message)
}

func TestCollectReportUploadsStagedFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	staging, err := transfer.NewStaging(t.TempDir())
	require.NoError(t, err)

	factory := mocks.NewMockSessionFactory(ctrl)
	session := mocks.NewMockSession(ctrl)
	factory.EXPECT().New("ssh", gomock.Any()).Return(session, nil)

	var uploaded []byte
	gomock.InOrder(
		session.EXPECT().Connect(gomock.Any()).Return(nil),
		session.EXPECT().SendFile(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, local, remote string) error {
				b, err := os.ReadFile(local)
				uploaded = b
				return err
			}),
		session.EXPECT().Disconnect(),
	)

	p := New(fixedSnapshot, discard())
	ec := dispatch.NewContext(factory, staging)
	require.NoError(t, p.Commands[CmdCollectReport].HandleTask(context.Background(), map[string]any{"reason": "audit"}, ec))

	resp, err := dispatch.NewResponseBuilder(factory, staging, discard()).Build(context.Background(), ec, dispatch.Meta{
		Type:       protocol.TaskStatus,
		ID:         "t2",
		FileServer: &protocol.FileServerSpec{Protocol: "ssh", Parameters: protocol.Params{"host": "fs", "path": "/upload/"}},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskProcessed, resp.Code)
	assert.Equal(t, protocol.TextPlain, resp.ContentType)

	env, err := protocol.ParseFileEnvelope(resp.Data)
	require.NoError(t, err)
	assert.True(t, staging.Exists(env.MD5))
	assert.Contains(t, string(uploaded), "pardus-01")
	assert.Contains(t, string(uploaded), "param.reason audit")
}

func TestCollectReportWithoutStaging(t *testing.T) {
	p := New(fixedSnapshot, discard())
	err := p.Commands[CmdCollectReport].HandleTask(context.Background(), nil, dispatch.NewContext(nil, nil))
	assert.Error(t, err)
}

func TestPolicyEchoesUser(t *testing.T) {
	p := New(fixedSnapshot, discard())
	ec := dispatch.NewContext(nil, nil)
	user := "ayse"
	ec.Put(dispatch.KeyUsername, &user)

	require.NoError(t, p.Policy.HandlePolicy(context.Background(), map[string]any{"wallpaper": "x", "proxy": "y"}, ec))
	resp, err := dispatch.NewResponseBuilder(nil, nil, discard()).
		Build(context.Background(), ec, dispatch.Meta{Type: protocol.PolicyStatus, ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, protocol.PolicyProcessed, resp.Code)
	assert.JSONEq(t, `{"username":"ayse","keys":2}`, string(resp.Data))
}
