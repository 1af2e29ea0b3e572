package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/transfer"
)

const (
	taskTransferFailedMessage   = "Task processed successfully but file transfer not completed. Check defined server conf"
	policyTransferFailedMessage = "Policy processed successfully but file transfer not completed. Check defined server conf"
)

var (
	// ErrNoResponse is returned by Build when the handler recorded no response.
	ErrNoResponse = errors.New("handler did not create a response")
	// ErrTransferFailed accompanies the replacement error response Build
	// returns when a non-inline payload could not be uploaded.
	ErrTransferFailed = errors.New("file transfer failed")
)

// Meta is the item metadata a response is built for.
type Meta struct {
	Type          protocol.MessageType
	ID            string
	FileServer    *protocol.FileServerSpec
	ExecutionID   *string
	PolicyVersion *string
}

func (m Meta) errorCode() protocol.MessageCode {
	if m.Type == protocol.PolicyStatus {
		return protocol.PolicyError
	}
	return protocol.TaskError
}

func (m Meta) transferFailedMessage() string {
	if m.Type == protocol.PolicyStatus {
		return policyTransferFailedMessage
	}
	return taskTransferFailedMessage
}

func (m Meta) response(code protocol.MessageCode, message string) *protocol.Response {
	return &protocol.Response{
		Type:          m.Type,
		ID:            m.ID,
		Code:          code,
		Message:       message,
		ExecutionID:   m.ExecutionID,
		PolicyVersion: m.PolicyVersion,
	}
}

// MissingResponse is the error response sent when a handler finished without
// recording one.
func MissingResponse(m Meta) *protocol.Response {
	kind := "task"
	if m.Type == protocol.PolicyStatus {
		kind = "policy"
	}
	return m.response(m.errorCode(), fmt.Sprintf("plugin did not create a response after running the %s", kind))
}

// ResponseBuilder turns a handler's recorded result into a status message.
type ResponseBuilder struct {
	transfers SessionFactory
	staging   *transfer.Staging
	logger    *slog.Logger
}

func NewResponseBuilder(transfers SessionFactory, staging *transfer.Staging, logger *slog.Logger) *ResponseBuilder {
	return &ResponseBuilder{transfers: transfers, staging: staging, logger: logger}
}

// Build assembles the response recorded in ec. Non-empty data with a
// non-inline content type is uploaded first; if that fails the returned
// response is replaced by an error response and the error wraps
// ErrTransferFailed.
func (b *ResponseBuilder) Build(ctx context.Context, ec *Context, m Meta) (*protocol.Response, error) {
	if !ec.HasResponse() {
		return nil, ErrNoResponse
	}

	data, err := ec.responseData()
	if err != nil {
		return m.response(m.errorCode(), err.Error()), err
	}

	resp := m.response(ec.responseCode(), ec.responseMessage())
	resp.Data = data
	resp.ContentType = ec.contentType()

	if len(data) == 0 || resp.ContentType.Inline() {
		return resp, nil
	}

	if err := b.upload(ctx, m.FileServer, data); err != nil {
		b.logger.Error("file transfer failed", "item_id", m.ID, "error", err)
		return m.response(m.errorCode(), m.transferFailedMessage()), fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return resp, nil
}

// upload sends the staged file named by the payload's hash. When a session
// is constructed it is disconnected exactly once, whether or not the send
// succeeds.
func (b *ResponseBuilder) upload(ctx context.Context, fs *protocol.FileServerSpec, data []byte) error {
	if fs == nil || fs.Protocol == "" {
		return ErrNoFileServer
	}
	if b.staging == nil {
		return fmt.Errorf("no staging directory configured")
	}
	if b.transfers == nil {
		return fmt.Errorf("no transfer factory available")
	}

	env, err := protocol.ParseFileEnvelope(data)
	if err != nil {
		return err
	}

	session, err := b.transfers.New(fs.Protocol, fs.Parameters)
	if err != nil {
		return fmt.Errorf("create %s session: %w", fs.Protocol, err)
	}
	defer session.Disconnect()

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect to file server: %w", err)
	}

	remote := transfer.RemotePath(fs.Parameters["path"], env.MD5)
	if err := session.SendFile(ctx, b.staging.Path(env.MD5), remote); err != nil {
		return fmt.Errorf("send %s: %w", env.MD5, err)
	}
	b.logger.Debug("file transferred", "md5", env.MD5, "remote", remote)
	return nil
}
