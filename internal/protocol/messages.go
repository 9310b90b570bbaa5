package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tdnguyen/chatgate/internal/chat"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSubmitTurn         MessageType = "submit_turn"
	TypeCancelTurn         MessageType = "cancel_turn"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SubmitTurn carries one user turn. Model is optional; empty falls back to
// the profile's preferred model.
type SubmitTurn struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
	Model  string      `json:"model,omitempty"`
	Parts  []chat.Part `json:"parts"`
}

// CancelTurn aborts the turn currently streaming on this connection.
type CancelTurn struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantTurnEnd struct {
	Type    MessageType `json:"type"`
	TurnID  string      `json:"turn_id"`
	Model   string      `json:"model"`
	Cost    int         `json:"cost"`
	Balance int         `json:"balance"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSubmitTurn:
		var msg SubmitTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.UserID == "" || len(msg.Parts) == 0 {
			return nil, errors.New("invalid submit_turn")
		}
		for _, p := range msg.Parts {
			switch p.Kind {
			case chat.PartText:
				if p.Text == "" {
					return nil, errors.New("empty text part")
				}
			case chat.PartImage:
				if p.URI == "" {
					return nil, errors.New("image part without uri")
				}
			default:
				return nil, fmt.Errorf("unknown part kind %q", p.Kind)
			}
		}
		return msg, nil
	case TypeCancelTurn:
		var msg CancelTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.UserID == "" {
			return nil, errors.New("invalid cancel_turn")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

func NewTextDelta(turnID, delta string) AssistantTextDelta {
	return AssistantTextDelta{Type: TypeAssistantTextDelta, TurnID: turnID, TextDelta: delta}
}

func NewTurnEnd(turnID, model string, cost, balance int) AssistantTurnEnd {
	return AssistantTurnEnd{Type: TypeAssistantTurnEnd, TurnID: turnID, Model: model, Cost: cost, Balance: balance}
}

func NewErrorEvent(code string, retryable bool, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, Code: code, Retryable: retryable, Detail: detail}
}
