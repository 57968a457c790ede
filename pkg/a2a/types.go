// Package a2a defines the wire types of the agent-to-agent protocol
// (JSON-RPC 2.0 over HTTP with SSE streaming) and a client for calling
// A2A servers. The scheduler serves these types on both personas and
// dials external agents through the Client.
package a2a

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is advertised in agent cards.
const ProtocolVersion = "0.3.0"

// RPCPath is where every Shaman server mounts its JSON-RPC endpoint,
// relative to the server's base URL.
const RPCPath = "/a2a/v1"

// Kind discriminators for the top-level payload union.
const (
	KindMessage = "message"
	KindTask    = "task"
)

// Part kind discriminators. Unknown kinds are preserved verbatim through
// decode/encode so intermediaries never drop extensions.
const (
	PartKindText  = "text"
	PartKindData  = "data"
	PartKindError = "error"
)

// Message roles.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Metadata keys reserved by the platform. "agent" selects the target
// agent; the shaman:* keys thread run identity through internal
// recursion so a child joins its caller's run instead of starting a
// fresh one.
const (
	MetaAgent          = "agent"
	MetaRunID          = "shaman:runId"
	MetaStepID         = "shaman:stepId"
	MetaParentStepID   = "shaman:parentStepId"
	MetaDepth          = "shaman:depth"
	MetaOrganizationID = "shaman:organizationId"
)

// TaskState is the externally visible state of a task.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateAuthRequired  TaskState = "auth-required"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCanceled      TaskState = "canceled"
	StateRejected      TaskState = "rejected"
)

// IsTerminal reports whether the state is final. Streams close after
// emitting a task in a terminal state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateRejected:
		return true
	}
	return false
}

// Part is one element of a message or artifact: text, structured data,
// or an error report. The zero value is invalid; construct parts with
// TextPart/DataPart/ErrorPart or by decoding.
type Part struct {
	Kind  string
	Text  string          // set when Kind == "text"
	Data  json.RawMessage // set when Kind == "data"
	Error string          // set when Kind == "error"

	// raw holds the original bytes of a part whose kind this package
	// does not know, so re-encoding loses nothing.
	raw json.RawMessage
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a data part from pre-encoded JSON.
func DataPart(data json.RawMessage) Part {
	return Part{Kind: PartKindData, Data: data}
}

// ErrorPart builds an error part.
func ErrorPart(msg string) Part {
	return Part{Kind: PartKindError, Error: msg}
}

type textPartWire struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type dataPartWire struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type errorPartWire struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// MarshalJSON encodes the part according to its kind. Unknown kinds
// emit the preserved raw bytes.
func (p Part) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PartKindText:
		return json.Marshal(textPartWire{Kind: PartKindText, Text: p.Text})
	case PartKindData:
		data := p.Data
		if data == nil {
			data = json.RawMessage("null")
		}
		return json.Marshal(dataPartWire{Kind: PartKindData, Data: data})
	case PartKindError:
		return json.Marshal(errorPartWire{Kind: PartKindError, Error: p.Error})
	default:
		if len(p.raw) > 0 {
			return p.raw, nil
		}
		return nil, fmt.Errorf("part kind %q has no raw bytes to emit", p.Kind)
	}
}

// UnmarshalJSON decodes a part by its kind tag. Parts with an unknown
// kind keep their bytes and round-trip unchanged.
func (p *Part) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("decode part: %w", err)
	}

	switch probe.Kind {
	case PartKindText:
		var w textPartWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode text part: %w", err)
		}
		*p = Part{Kind: PartKindText, Text: w.Text}
	case PartKindData:
		var w dataPartWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode data part: %w", err)
		}
		*p = Part{Kind: PartKindData, Data: w.Data}
	case PartKindError:
		var w errorPartWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode error part: %w", err)
		}
		*p = Part{Kind: PartKindError, Error: w.Error}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		*p = Part{Kind: probe.Kind, raw: raw}
	}
	return nil
}

// Message is one conversational turn.
type Message struct {
	Kind      string         `json:"kind"`
	MessageID string         `json:"messageId"`
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewTextMessage builds a single-part text message with a fresh id.
func NewTextMessage(role, text string) Message {
	return Message{
		Kind:      KindMessage,
		MessageID: uuid.NewString(),
		Role:      role,
		Parts:     []Part{TextPart(text)},
	}
}

// Text returns the concatenated text of all text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			out += p.Text
		}
	}
	return out
}

// TaskStatus is the current state of a task plus an optional
// explanatory message (failure reasons, input prompts).
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// NewTaskStatus stamps a status with the current time.
func NewTaskStatus(state TaskState) TaskStatus {
	return TaskStatus{State: state, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Artifact is an output produced by a task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
	LastChunk  bool   `json:"lastChunk,omitempty"`
}

// Task is the externally visible handle over one execution. Its id is
// the backing step id; ContextID is the run id shared by all tasks of
// one run.
type Task struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SendConfiguration tunes message/send. Blocking holds the response
// until the task reaches a terminal state.
type SendConfiguration struct {
	Blocking bool `json:"blocking,omitempty"`
}

// SendParams is the parameter object of message/send and message/stream.
type SendParams struct {
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// Blocking reports whether the caller asked for a blocking send.
func (p *SendParams) Blocking() bool {
	return p.Configuration != nil && p.Configuration.Blocking
}

// Meta returns the first non-empty string value for key, checking the
// request-level metadata before the message metadata.
func (p *SendParams) Meta(key string) string {
	if v := metaString(p.Metadata, key); v != "" {
		return v
	}
	return metaString(p.Message.Metadata, key)
}

// MetaInt is Meta for integer-valued keys (JSON numbers or numeric
// strings). Returns 0 when absent or malformed.
func (p *SendParams) MetaInt(key string) int {
	for _, md := range []map[string]any{p.Metadata, p.Message.Metadata} {
		if md == nil {
			continue
		}
		v, ok := md[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				return i
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i)
			}
		}
	}
	return 0
}

func metaString(md map[string]any, key string) string {
	if md == nil {
		return ""
	}
	if v, ok := md[key].(string); ok {
		return v
	}
	return ""
}

// TaskIDParams is the parameter object of tasks/get, tasks/cancel and
// tasks/resubscribe.
type TaskIDParams struct {
	ID string `json:"id"`
}

// Event is one frame of a streaming response: either a task snapshot or
// a message. Exactly one of Task/Message is set; Raw always carries the
// undecoded result for callers that relay frames verbatim.
type Event struct {
	Raw     json.RawMessage
	Task    *Task
	Message *Message
}

// DecodeEvent classifies a stream frame by its kind tag. Frames with an
// unknown kind decode to an Event carrying only Raw.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Event{}, fmt.Errorf("decode stream event: %w", err)
	}
	ev := Event{Raw: raw}
	switch probe.Kind {
	case KindTask:
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return Event{}, fmt.Errorf("decode task event: %w", err)
		}
		ev.Task = &t
	case KindMessage:
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return Event{}, fmt.Errorf("decode message event: %w", err)
		}
		ev.Message = &m
	}
	return ev, nil
}
