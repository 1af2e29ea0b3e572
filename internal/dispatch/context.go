package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/transfer"
)

// Well-known context keys.
const (
	KeyTaskID        = "task_id"
	KeyUsername      = "username"
	KeyProtocol      = "protocol"
	KeyParameterMap  = "parameterMap"
	KeyExecutionID   = "execution_id"
	KeyPolicyVersion = "policy_version"

	keyResponseCode    = "responseCode"
	keyResponseMessage = "responseMessage"
	keyResponseData    = "responseData"
	keyContentType     = "contentType"
)

var ErrNoFileServer = errors.New("no file server configured for this item")

// Context is the per-item scratch space a handler uses to read item metadata,
// record its response and fetch input files. It is owned by exactly one worker
// and cleared after every item, so handlers must not retain it.
type Context struct {
	data      map[string]any
	transfers SessionFactory
	staging   *transfer.Staging
}

// NewContext returns an empty Context. transfers and staging may be nil, in
// which case FetchFile fails.
func NewContext(transfers SessionFactory, staging *transfer.Staging) *Context {
	return &Context{
		data:      make(map[string]any),
		transfers: transfers,
		staging:   staging,
	}
}

func (c *Context) Put(key string, value any) {
	c.data[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.data[key]
	return v, ok
}

// GetString returns the value at key when it is a string, or "".
func (c *Context) GetString(key string) string {
	switch v := c.data[key].(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// Username is the user a policy or a user-scoped mode applies to.
func (c *Context) Username() string {
	return c.GetString(KeyUsername)
}

// Len returns the number of stored entries.
func (c *Context) Len() int {
	return len(c.data)
}

// Reset drops every entry.
func (c *Context) Reset() {
	clear(c.data)
}

// Staging returns the staging directory handlers write non-inline results to.
func (c *Context) Staging() *transfer.Staging {
	return c.staging
}

// CreateResponse records the handler's result. data may be nil, a
// json.RawMessage, a []byte holding JSON, a string holding JSON, or any value
// that marshals to JSON. A second call replaces the first.
func (c *Context) CreateResponse(code protocol.MessageCode, message string, data any, contentType protocol.ContentType) {
	c.data[keyResponseCode] = code
	c.data[keyResponseMessage] = message
	c.data[keyResponseData] = data
	c.data[keyContentType] = contentType
}

// HasResponse reports whether a handler has recorded a response.
func (c *Context) HasResponse() bool {
	code, _ := c.data[keyResponseCode].(protocol.MessageCode)
	return code != ""
}

func (c *Context) responseCode() protocol.MessageCode {
	code, _ := c.data[keyResponseCode].(protocol.MessageCode)
	return code
}

func (c *Context) responseMessage() string {
	return c.GetString(keyResponseMessage)
}

func (c *Context) contentType() protocol.ContentType {
	ct, _ := c.data[keyContentType].(protocol.ContentType)
	return ct
}

// responseData normalises the recorded payload to JSON bytes. Empty payloads
// return nil.
func (c *Context) responseData() (json.RawMessage, error) {
	switch v := c.data[keyResponseData].(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return emptyToNil(v), nil
	case []byte:
		return emptyToNil(v), nil
	case string:
		if v == "" {
			return nil, nil
		}
		if !json.Valid([]byte(v)) {
			return json.Marshal(v)
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode response data: %w", err)
		}
		return b, nil
	}
}

func emptyToNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func (c *Context) fileServer() (*protocol.FileServerSpec, bool) {
	proto := c.GetString(KeyProtocol)
	if proto == "" {
		return nil, false
	}
	params, _ := c.data[KeyParameterMap].(protocol.Params)
	return &protocol.FileServerSpec{Protocol: proto, Parameters: params.Clone()}, true
}

// FetchFile downloads remotePath from the item's file server into staging and
// returns the content hash it was stored under. An empty remotePath means the
// server's configured path.
func (c *Context) FetchFile(ctx context.Context, remotePath string) (string, error) {
	fs, ok := c.fileServer()
	if !ok {
		return "", ErrNoFileServer
	}
	if c.transfers == nil {
		return "", fmt.Errorf("no transfer factory available")
	}

	session, err := c.transfers.New(fs.Protocol, fs.Parameters)
	if err != nil {
		return "", fmt.Errorf("create %s session: %w", fs.Protocol, err)
	}
	defer session.Disconnect()

	if err := session.Connect(ctx); err != nil {
		return "", fmt.Errorf("connect to file server: %w", err)
	}
	hash, err := session.GetFile(ctx, remotePath)
	if err != nil {
		return "", fmt.Errorf("fetch %q: %w", remotePath, err)
	}
	return hash, nil
}
