package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Tag names a dispatch item variant on the wire.
type Tag string

const (
	TagTask   Tag = "TASK"
	TagPolicy Tag = "PROFILE"
	TagKill   Tag = "KILL_SIGNAL"
)

// ModeKind is a lifecycle event broadcast to plugins.
type ModeKind string

const (
	ModeLogin    ModeKind = "LOGIN_MODE"
	ModeLogout   ModeKind = "LOGOUT_MODE"
	ModeSafe     ModeKind = "SAFE_MODE"
	ModeShutdown ModeKind = "SHUTDOWN_MODE"
	ModeInit     ModeKind = "INIT_MODE"
)

// IsUserScoped reports whether the mode concerns a specific user session.
func (m ModeKind) IsUserScoped() bool {
	switch m {
	case ModeLogin, ModeLogout, ModeSafe:
		return true
	}
	return false
}

// Valid reports whether m is one of the known mode kinds.
func (m ModeKind) Valid() bool {
	switch m {
	case ModeLogin, ModeLogout, ModeSafe, ModeShutdown, ModeInit:
		return true
	}
	return false
}

// Item is one unit of work delivered to a plugin worker. Exactly one of the
// concrete variants below is carried per item.
type Item interface {
	Tag() Tag
	isItem()
}

// Task is a one-shot or cron-scheduled command for a plugin.
type Task struct {
	ID         string          `json:"id"`
	Plugin     string          `json:"plugin"`
	CommandID  string          `json:"commandClsId"`
	Parameters map[string]any  `json:"parameterMap,omitempty"`
	FileServer *FileServerSpec `json:"fileServerConf,omitempty"`
	CronExpr   string          `json:"cronExpression,omitempty"`
}

func (Task) Tag() Tag { return TagTask }
func (Task) isItem()  {}

// Policy is a versioned profile applied by a policy-capable plugin.
type Policy struct {
	ID            string          `json:"id"`
	Plugin        string          `json:"plugin"`
	Username      string          `json:"username,omitempty"`
	ProfileData   map[string]any  `json:"profileData,omitempty"`
	ExecutionID   string          `json:"executionId,omitempty"`
	PolicyVersion string          `json:"policyVersion,omitempty"`
	FileServer    *FileServerSpec `json:"fileServerConf,omitempty"`
}

func (Policy) Tag() Tag { return TagPolicy }
func (Policy) isItem()  {}

// ModeSignal announces a lifecycle change such as a login or shutdown.
type ModeSignal struct {
	Kind     ModeKind `json:"kind"`
	Username string   `json:"username,omitempty"`
}

func (m ModeSignal) Tag() Tag { return Tag(m.Kind) }
func (ModeSignal) isItem()    {}

// KillSignal asks a worker to stop after the current item.
type KillSignal struct{}

func (KillSignal) Tag() Tag { return TagKill }
func (KillSignal) isItem()  {}

// Unknown carries an item whose tag was not recognised by the decoder.
type Unknown struct {
	Name string
}

func (u Unknown) Tag() Tag { return Tag(u.Name) }
func (Unknown) isItem()    {}

// ItemID returns the correlating id of a Task or Policy, or "" for signals.
func ItemID(it Item) string {
	switch v := it.(type) {
	case Task:
		return v.ID
	case *Task:
		return v.ID
	case Policy:
		return v.ID
	case *Policy:
		return v.ID
	}
	return ""
}

// FileServerSpec names the transport used to move a non-inline result.
type FileServerSpec struct {
	Protocol   string `json:"protocol"`
	Parameters Params `json:"parameterMap"`
}

// Params is a flat string map. The JSON decoder accepts numbers and booleans
// as values because the management server sends ports as numbers.
type Params map[string]string

// Clone returns a copy of p that can be mutated independently.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p *Params) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Params, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			return fmt.Errorf("parameter %q: unsupported value type %T", k, v)
		}
	}
	*p = out
	return nil
}
