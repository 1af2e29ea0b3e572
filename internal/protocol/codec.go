package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// envelope is the local JSON shape used to submit items to the agent. The
// "type" field selects the variant; the remaining fields belong to it.
type envelope struct {
	Type string `json:"type"`
}

// DecodeItem reads one JSON-encoded item from r. Unrecognised tags decode to
// Unknown so that callers can log and skip them.
func DecodeItem(r io.Reader) (Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read item: %w", err)
	}
	return UnmarshalItem(data)
}

// UnmarshalItem decodes a single item from data.
func UnmarshalItem(data []byte) (Item, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("item is empty")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("item is not valid JSON: %w", err)
	}

	tag := Tag(strings.ToUpper(strings.TrimSpace(env.Type)))
	switch {
	case tag == "":
		return nil, fmt.Errorf("item missing required field: type")
	case tag == TagTask:
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		if t.ID == "" {
			return nil, fmt.Errorf("task missing required field: id")
		}
		if t.CommandID == "" {
			return nil, fmt.Errorf("task missing required field: commandClsId")
		}
		return t, nil
	case tag == TagPolicy:
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode policy: %w", err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("policy missing required field: id")
		}
		return p, nil
	case tag == TagKill:
		return KillSignal{}, nil
	case ModeKind(tag).Valid():
		var m ModeSignal
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode mode signal: %w", err)
		}
		m.Kind = ModeKind(tag)
		return m, nil
	default:
		return Unknown{Name: string(tag)}, nil
	}
}

// EncodeResponse serializes a Response as one line of JSON.
func EncodeResponse(w io.Writer, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("response is nil")
	}
	if resp.Type != TaskStatus && resp.Type != PolicyStatus {
		return fmt.Errorf("unsupported message type: %q", resp.Type)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}
