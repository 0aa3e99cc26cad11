package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTurnInProgress  = errors.New("session: turn already in progress")
	ErrNotFound        = errors.New("session: not found")
	ErrMaxSessions     = errors.New("session: maximum session limit reached")
	ErrClosed          = errors.New("session: closed")
	ErrAlreadyAttached = errors.New("session: connection already attached")
	ErrEmptyMessage    = errors.New("session: message content is empty")
)

// State is the turn state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a session's history. Messages are never modified
// after they are appended.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Attachments []string  `json:"attachments,omitempty"`
}

func newMessage(role Role, content string, attachments []string) Message {
	return Message{
		ID:          uuid.New().String(),
		Role:        role,
		Content:     content,
		Timestamp:   time.Now().UTC(),
		Attachments: attachments,
	}
}

// Session is a point-in-time copy of a chat session.
type Session struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Workspace      string    `json:"workspace"`
	Model          string    `json:"model"`
	ContinuationID string    `json:"continuation_id,omitempty"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	Messages       []Message `json:"messages"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Workspace    string    `json:"workspace"`
	Model        string    `json:"model"`
	State        State     `json:"state"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventType names an event emitted by an Orchestrator.
type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventStream      EventType = "stream"
	EventComplete    EventType = "complete"
	EventCancelled   EventType = "cancelled"
	EventError       EventType = "error"
	EventModelSet    EventType = "model_set"
)

// Event is delivered to the attached Sink in the order the session
// generates it. Only the fields relevant to Type are set.
type Event struct {
	Type    EventType
	Message *Message // user_message, complete
	Content string   // stream
	Error   string   // error
	Model   string   // model_set
}

// Sink receives a session's events. It is called from the session's own
// goroutines, one call at a time.
type Sink func(Event)

const defaultSessionName = "New Chat"

// nameFromContent derives a session name from its first message.
func nameFromContent(content string) string {
	const maxRunes = 50
	runes := []rune(content)
	if len(runes) <= maxRunes {
		return content
	}
	return string(runes[:maxRunes]) + "..."
}
