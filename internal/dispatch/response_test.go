package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/dispatch/mocks"
	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/transfer"
)

func newBuilder(t *testing.T) (*dispatch.ResponseBuilder, *mocks.MockSessionFactory, *gomock.Controller) {
	t.Helper()
	ctrl := gomock.NewController(t)
	staging, err := transfer.NewStaging(t.TempDir())
	require.NoError(t, err)
	factory := mocks.NewMockSessionFactory(ctrl)
	return dispatch.NewResponseBuilder(factory, staging, slog.New(slog.DiscardHandler)), factory, ctrl
}

func TestBuildWithoutResponse(t *testing.T) {
	b, _, _ := newBuilder(t)
	ec := dispatch.NewContext(nil, nil)

	resp, err := b.Build(context.Background(), ec, dispatch.Meta{Type: protocol.TaskStatus, ID: "t1"})
	assert.ErrorIs(t, err, dispatch.ErrNoResponse)
	assert.Nil(t, resp)
}

func TestBuildNormalisesData(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{name: "nil", data: nil, want: ""},
		{name: "json string", data: `{"a":1}`, want: `{"a":1}`},
		{name: "plain string", data: "hello", want: `"hello"`},
		{name: "raw", data: json.RawMessage(`[1,2]`), want: `[1,2]`},
		{name: "bytes", data: []byte(`{"b":true}`), want: `{"b":true}`},
		{name: "struct", data: struct {
			Name string `json:"name"`
		}{Name: "x"}, want: `{"name":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newBuilder(t)
			ec := dispatch.NewContext(nil, nil)
			ec.CreateResponse(protocol.TaskProcessed, "m", tt.data, protocol.ApplicationJSON)

			resp, err := b.Build(context.Background(), ec, dispatch.Meta{Type: protocol.TaskStatus, ID: "t1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(resp.Data))
		})
	}
}

func TestBuildUnknownProtocolFailsTransfer(t *testing.T) {
	b, factory, _ := newBuilder(t)
	factory.EXPECT().New("ftp", gomock.Any()).Return(nil, transfer.ErrUnknownProtocol)

	ec := dispatch.NewContext(nil, nil)
	ec.CreateResponse(protocol.TaskProcessed, "", `{"md5":"d41d8cd98f00b204e9800998ecf8427e"}`, protocol.ApplicationPDF)

	resp, err := b.Build(context.Background(), ec, dispatch.Meta{
		Type:       protocol.TaskStatus,
		ID:         "t1",
		FileServer: &protocol.FileServerSpec{Protocol: "ftp"},
	})
	assert.ErrorIs(t, err, dispatch.ErrTransferFailed)
	require.NotNil(t, resp)
	assert.Equal(t, protocol.TaskError, resp.Code)
	assert.Empty(t, resp.Data)
	assert.Empty(t, resp.ContentType)
}

func TestBuildNonInlineWithoutFileServer(t *testing.T) {
	b, _, _ := newBuilder(t)

	ec := dispatch.NewContext(nil, nil)
	ec.CreateResponse(protocol.PolicyProcessed, "", `{"md5":"abc"}`, protocol.TextPlain)

	exec := "e1"
	resp, err := b.Build(context.Background(), ec, dispatch.Meta{Type: protocol.PolicyStatus, ID: "p1", ExecutionID: &exec})
	assert.ErrorIs(t, err, dispatch.ErrTransferFailed)
	assert.Equal(t, protocol.PolicyError, resp.Code)
	require.NotNil(t, resp.ExecutionID)
	assert.Equal(t, "e1", *resp.ExecutionID)
}

func TestBuildEmptyContentTypeIsTransferred(t *testing.T) {
	t.Run("attempts the transfer", func(t *testing.T) {
		b, factory, _ := newBuilder(t)
		factory.EXPECT().New("ssh", gomock.Any()).Return(nil, errors.New("dial refused"))

		ec := dispatch.NewContext(nil, nil)
		ec.CreateResponse(protocol.TaskProcessed, "m", `{"md5":"d41d8cd98f00b204e9800998ecf8427e"}`, "")

		resp, err := b.Build(context.Background(), ec, dispatch.Meta{
			Type:       protocol.TaskStatus,
			ID:         "t1",
			FileServer: &protocol.FileServerSpec{Protocol: "ssh"},
		})
		assert.ErrorIs(t, err, dispatch.ErrTransferFailed)
		assert.Equal(t, protocol.TaskError, resp.Code)
		assert.Empty(t, resp.Data)
	})

	t.Run("no file server", func(t *testing.T) {
		b, _, _ := newBuilder(t)

		ec := dispatch.NewContext(nil, nil)
		ec.CreateResponse(protocol.TaskProcessed, "m", `{"md5":"d41d8cd98f00b204e9800998ecf8427e"}`, "")

		resp, err := b.Build(context.Background(), ec, dispatch.Meta{Type: protocol.TaskStatus, ID: "t1"})
		assert.ErrorIs(t, err, dispatch.ErrTransferFailed)
		assert.Equal(t, protocol.TaskError, resp.Code)
	})

	t.Run("no data stays inline", func(t *testing.T) {
		b, _, _ := newBuilder(t)

		ec := dispatch.NewContext(nil, nil)
		ec.CreateResponse(protocol.TaskProcessed, "m", nil, "")

		resp, err := b.Build(context.Background(), ec, dispatch.Meta{Type: protocol.TaskStatus, ID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, protocol.TaskProcessed, resp.Code)
	})
}

func TestBuildRejectsEnvelopeWithoutHash(t *testing.T) {
	b, _, _ := newBuilder(t)

	ec := dispatch.NewContext(nil, nil)
	ec.CreateResponse(protocol.TaskProcessed, "", `{"md5":"../../etc/passwd"}`, protocol.TextPlain)

	resp, err := b.Build(context.Background(), ec, dispatch.Meta{
		Type:       protocol.TaskStatus,
		ID:         "t1",
		FileServer: &protocol.FileServerSpec{Protocol: "ssh"},
	})
	assert.ErrorIs(t, err, dispatch.ErrTransferFailed)
	assert.Equal(t, protocol.TaskError, resp.Code)
}

func TestMissingResponse(t *testing.T) {
	resp := dispatch.MissingResponse(dispatch.Meta{Type: protocol.PolicyStatus, ID: "p1"})
	assert.Equal(t, protocol.PolicyError, resp.Code)
	assert.Equal(t, "p1", resp.ID)
	assert.Contains(t, resp.Message, "policy")
}

func TestContextResetAndAccessors(t *testing.T) {
	ec := dispatch.NewContext(nil, nil)
	user := "mehmet"
	ec.Put(dispatch.KeyUsername, &user)
	ec.Put(dispatch.KeyTaskID, "t1")
	ec.CreateResponse(protocol.TaskProcessed, "", nil, "")

	assert.Equal(t, "mehmet", ec.Username())
	assert.True(t, ec.HasResponse())
	assert.Equal(t, 6, ec.Len())

	ec.Reset()
	assert.Equal(t, 0, ec.Len())
	assert.False(t, ec.HasResponse())
	assert.Equal(t, "", ec.GetString(dispatch.KeyTaskID))
}

func TestContextFetchFile(t *testing.T) {
	t.Run("no file server", func(t *testing.T) {
		ec := dispatch.NewContext(nil, nil)
		_, err := ec.FetchFile(context.Background(), "/srv/a.txt")
		assert.ErrorIs(t, err, dispatch.ErrNoFileServer)
	})

	t.Run("downloads through a fresh session", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		factory := mocks.NewMockSessionFactory(ctrl)
		session := mocks.NewMockSession(ctrl)

		params := protocol.Params{"host": "h", "username": "u", "password": "p"}
		factory.EXPECT().New("ssh", params).Return(session, nil)
		gomock.InOrder(
			session.EXPECT().Connect(gomock.Any()).Return(nil),
			session.EXPECT().GetFile(gomock.Any(), "/srv/a.txt").Return("0cc175b9c0f1b6a831c399e269772661", nil),
			session.EXPECT().Disconnect(),
		)

		ec := dispatch.NewContext(factory, nil)
		ec.Put(dispatch.KeyProtocol, "ssh")
		ec.Put(dispatch.KeyParameterMap, params)

		hash, err := ec.FetchFile(context.Background(), "/srv/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "0cc175b9c0f1b6a831c399e269772661", hash)
	})

	t.Run("download error propagates", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		factory := mocks.NewMockSessionFactory(ctrl)
		session := mocks.NewMockSession(ctrl)

		factory.EXPECT().New("ssh", gomock.Any()).Return(session, nil)
		session.EXPECT().Connect(gomock.Any()).Return(nil)
		session.EXPECT().GetFile(gomock.Any(), "/missing").Return("", errors.New("file does not exist"))
		session.EXPECT().Disconnect()

		ec := dispatch.NewContext(factory, nil)
		ec.Put(dispatch.KeyProtocol, "ssh")
		ec.Put(dispatch.KeyParameterMap, protocol.Params{})

		_, err := ec.FetchFile(context.Background(), "/missing")
		assert.ErrorContains(t, err, "file does not exist")
	})
}
