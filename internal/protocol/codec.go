// ABOUTME: JSON encoding and decoding of type-discriminated wire messages
// ABOUTME: Malformed or unknown input is reported as a protocol Error

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol matches every *Error under errors.Is.
var ErrProtocol = errors.New("protocol error")

// Error describes a message that could not be decoded or is structurally invalid.
type Error struct {
	Type   string // message type, if it could be read
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("protocol error")
	if e.Type != "" {
		fmt.Fprintf(&b, " in %q", e.Type)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrProtocol as a match so callers need not type-assert.
func (e *Error) Is(target error) bool { return target == ErrProtocol }

var constructors = map[string]func() Message{
	TypeRegister:       func() Message { return &Register{} },
	TypeHeartbeat:      func() Message { return &Heartbeat{} },
	TypeRenderState:    func() Message { return &RenderState{} },
	TypeConsoleOutput:  func() Message { return &ConsoleOutput{} },
	TypeRenderProgress: func() Message { return &RenderProgress{} },
	TypeRenderComplete: func() Message { return &RenderComplete{} },
	TypeError:          func() Message { return &ErrorNotice{} },
	TypeNodeList:       func() Message { return &NodeList{} },
	TypeNodeUpdate:     func() Message { return &NodeUpdate{} },
	TypePoolUpdate:     func() Message { return &PoolUpdate{} },
	TypeCommandResult:  func() Message { return &CommandResult{} },
	TypeCreateBlock:    func() Message { return &CreateBlock{} },
	TypeAssignBlock:    func() Message { return &AssignBlock{} },
	TypeDeleteBlock:    func() Message { return &DeleteBlock{} },
	TypeToggleRender:   func() Message { return &ToggleRender{} },
	TypeRetryBlock:     func() Message { return &RetryBlock{} },
}

// Encode serializes a message with its "type" discriminator.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.MessageType(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.MessageType(), err)
	}
	typ, _ := json.Marshal(m.MessageType())
	fields["type"] = typ

	return json.Marshal(fields)
}

// Decode parses one wire message and checks its required fields.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &Error{Reason: "malformed json", Err: err}
	}
	if head.Type == "" {
		return nil, &Error{Reason: "missing type"}
	}

	ctor, ok := constructors[head.Type]
	if !ok {
		return nil, &Error{Type: head.Type, Reason: "unknown message type"}
	}

	m := ctor()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, &Error{Type: head.Type, Reason: "malformed body", Err: err}
	}
	if reason := validate(m); reason != "" {
		return nil, &Error{Type: head.Type, Reason: reason}
	}
	return m, nil
}

// validate returns a non-empty reason when a decoded message is missing
// fields it cannot be handled without. Range and ownership rules are not
// checked here.
func validate(m Message) string {
	switch v := m.(type) {
	case *Register:
		id := strings.TrimSpace(v.Identity)
		if id == "" {
			return "identity is required"
		}
		if id != v.Identity || len(id) > maxIdentityLen {
			return "identity must be a trimmed hostname"
		}
	case *RenderProgress:
		if v.BlockID == "" {
			return "blockId is required"
		}
	case *RenderComplete:
		if v.BlockID == "" {
			return "blockId is required"
		}
	case *CreateBlock:
		if v.RequestID == "" {
			return "requestId is required"
		}
	case *AssignBlock:
		if v.RequestID == "" {
			return "requestId is required"
		}
		if v.BlockID == "" {
			return "blockId is required"
		}
	case *DeleteBlock:
		if v.RequestID == "" {
			return "requestId is required"
		}
		if v.BlockID == "" {
			return "blockId is required"
		}
	case *ToggleRender:
		if v.RequestID == "" {
			return "requestId is required"
		}
		if v.NodeID == "" {
			return "nodeId is required"
		}
	case *RetryBlock:
		if v.RequestID == "" {
			return "requestId is required"
		}
		if v.BlockID == "" {
			return "blockId is required"
		}
	}
	return ""
}
