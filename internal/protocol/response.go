package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the outbound status message kind.
type MessageType string

const (
	TaskStatus   MessageType = "TASK_STATUS"
	PolicyStatus MessageType = "POLICY_STATUS"
)

// MessageCode is the result code a handler reports.
type MessageCode string

const (
	TaskProcessed   MessageCode = "TASK_PROCESSED"
	TaskWarning     MessageCode = "TASK_WARNING"
	TaskError       MessageCode = "TASK_ERROR"
	TaskTimeout     MessageCode = "TASK_TIMEOUT"
	TaskKilled      MessageCode = "TASK_KILLED"
	PolicyReceived  MessageCode = "POLICY_RECEIVED"
	PolicyProcessed MessageCode = "POLICY_PROCESSED"
	PolicyWarning   MessageCode = "POLICY_WARNING"
	PolicyError     MessageCode = "POLICY_ERROR"
	PolicyTimeout   MessageCode = "POLICY_TIMEOUT"
)

// ContentType describes how Response.Data should be interpreted.
type ContentType string

const (
	ApplicationJSON    ContentType = "APPLICATION_JSON"
	TextPlain          ContentType = "TEXT_PLAIN"
	TextHTML           ContentType = "TEXT_HTML"
	ImageJPEG          ContentType = "IMAGE_JPEG"
	ImagePNG           ContentType = "IMAGE_PNG"
	ApplicationPDF     ContentType = "APPLICATION_PDF"
	ApplicationMSWord  ContentType = "APPLICATION_MS_WORD"
	ApplicationMSExcel ContentType = "APPLICATION_VND_MS_EXCEL"
)

// Inline reports whether data of this content type travels inside the status
// message. Only APPLICATION_JSON does; an unset content type means a file.
func (c ContentType) Inline() bool {
	return c == ApplicationJSON
}

// Response is the status message sent back to the management server.
type Response struct {
	Type          MessageType     `json:"type"`
	ID            string          `json:"id"`
	Code          MessageCode     `json:"responseCode"`
	Message       string          `json:"responseMessage,omitempty"`
	Data          json.RawMessage `json:"responseData,omitempty"`
	ContentType   ContentType     `json:"contentType,omitempty"`
	ExecutionID   *string         `json:"executionId,omitempty"`
	PolicyVersion *string         `json:"policyVersion,omitempty"`
}

// MarshalJSON always emits executionId and policyVersion on policy responses,
// using null when the values are unknown.
func (r Response) MarshalJSON() ([]byte, error) {
	type plain Response
	if r.Type != PolicyStatus {
		return json.Marshal(plain(r))
	}
	return json.Marshal(struct {
		plain
		ExecutionID   *string `json:"executionId"`
		PolicyVersion *string `json:"policyVersion"`
	}{
		plain:         plain(r),
		ExecutionID:   r.ExecutionID,
		PolicyVersion: r.PolicyVersion,
	})
}

// FileEnvelope is the Data payload of a non-inline response: it names the
// staged file by its content hash.
type FileEnvelope struct {
	MD5 string `json:"md5"`
}

var ErrNoContentHash = errors.New("response data has no content hash")

// ParseFileEnvelope extracts the content hash from a non-inline response payload.
func ParseFileEnvelope(data json.RawMessage) (FileEnvelope, error) {
	var env FileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return FileEnvelope{}, fmt.Errorf("decode file envelope: %w", err)
	}
	if env.MD5 == "" {
		return FileEnvelope{}, ErrNoContentHash
	}
	if !validHash(env.MD5) {
		return FileEnvelope{}, fmt.Errorf("invalid content hash %q", env.MD5)
	}
	return env, nil
}

// validHash accepts lowercase or uppercase hex only so a hash can never be
// used to escape the staging directory.
func validHash(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
