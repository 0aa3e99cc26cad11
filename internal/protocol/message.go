// Package protocol defines the JSON frames exchanged over the chat WebSocket.
// Frames are flat objects discriminated by their "type" field.
package protocol

import "time"

// Client → Server frame types.
const (
	TypeMessage  = "message"
	TypeCancel   = "cancel"
	TypeSetModel = "set_model"
)

// Server → Client frame types.
const (
	TypeUserMessage = "user_message"
	TypeStream      = "stream"
	TypeComplete    = "complete"
	TypeCancelled   = "cancelled"
	TypeError       = "error"
	TypeModelSet    = "model_set"
)

// ClientFrame is any frame sent by the browser. Only the fields relevant to
// Type are populated.
type ClientFrame struct {
	Type          string   `json:"type"`
	Content       string   `json:"content,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	Model         string   `json:"model,omitempty"`
}

// MessagePayload is a chat message as sent to the browser.
type MessagePayload struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Attachments []string  `json:"attachments,omitempty"`
}

// Server → Client frames.

type MessageFrame struct {
	Type    string         `json:"type"` // user_message | complete
	Message MessagePayload `json:"message"`
}

type StreamFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type ModelFrame struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// TypeFrame carries no fields besides its type.
type TypeFrame struct {
	Type string `json:"type"`
}

func NewUserMessage(m MessagePayload) MessageFrame {
	return MessageFrame{Type: TypeUserMessage, Message: m}
}

func NewComplete(m MessagePayload) MessageFrame {
	return MessageFrame{Type: TypeComplete, Message: m}
}

func NewStream(content string) StreamFrame {
	return StreamFrame{Type: TypeStream, Content: content}
}

func NewCancelled() TypeFrame {
	return TypeFrame{Type: TypeCancelled}
}

func NewError(msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: msg}
}

func NewModelSet(model string) ModelFrame {
	return ModelFrame{Type: TypeModelSet, Model: model}
}
