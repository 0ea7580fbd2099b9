// Package conversation holds the chat message log and the turn-taking state
// machine that drives the dictation workflow.
package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/sr198/motion-by-aiselu/internal/protocol"
)

// ChatMessage is one entry of the conversation log. Immutable once appended.
type ChatMessage struct {
	ID          string                      `json:"id"` // ULID
	Content     string                      `json:"content"`
	IsFromUser  bool                        `json:"isFromUser"`
	Timestamp   time.Time                   `json:"timestamp"`
	MessageType protocol.MessageType        `json:"messageType,omitempty"`
	Structured  *protocol.StructuredMessage `json:"structuredData,omitempty"`
}

// Session is an append-only ordered message log. Messages are never
// reordered or individually deleted; UpdatedAt is monotonically
// non-decreasing with each append.
type Session struct {
	ID        uuid.UUID     `json:"id"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// NewSession creates an empty session.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) append(msg ChatMessage) {
	s.Messages = append(s.Messages, msg)
	if msg.Timestamp.After(s.UpdatedAt) {
		s.UpdatedAt = msg.Timestamp
	}
}

// AddUser appends a user message.
func (s *Session) AddUser(content string) {
	s.append(ChatMessage{
		ID:         ulid.Make().String(),
		Content:    content,
		IsFromUser: true,
		Timestamp:  time.Now().UTC(),
	})
}

// AddAssistant appends an assistant message of the given type.
func (s *Session) AddAssistant(content string, msgType protocol.MessageType) {
	s.append(ChatMessage{
		ID:          ulid.Make().String(),
		Content:     content,
		IsFromUser:  false,
		Timestamp:   time.Now().UTC(),
		MessageType: msgType,
	})
}

// AddStructured appends an assistant message carrying the structured payload
// it was extracted from. The payload is copied into the log on receipt.
func (s *Session) AddStructured(content string, msg *protocol.StructuredMessage) {
	copied := *msg
	s.append(ChatMessage{
		ID:          ulid.Make().String(),
		Content:     content,
		IsFromUser:  false,
		Timestamp:   time.Now().UTC(),
		MessageType: msg.Type,
		Structured:  &copied,
	})
}

// HasReport reports whether the log contains a SOAP draft or final report.
func (s *Session) HasReport() bool {
	for _, m := range s.Messages {
		if m.MessageType == protocol.TypeSoapDraft || m.MessageType == protocol.TypeFinalReport {
			return true
		}
	}
	return false
}

// Title derives a display title: the first user message truncated to 30
// characters, else the report's patient name, else a date-stamped fallback.
func (s *Session) Title() string {
	for _, m := range s.Messages {
		if m.IsFromUser && m.Content != "" {
			title := []rune(m.Content)
			if len(title) > 30 {
				title = title[:30]
			}
			return strings.TrimSpace(string(title))
		}
	}

	for _, m := range s.Messages {
		if m.Structured != nil && m.Structured.SOAPReport != nil && m.Structured.SOAPReport.PatientName != "" {
			return "Session with " + m.Structured.SOAPReport.PatientName
		}
	}

	return "Chat " + s.CreatedAt.Format("Jan 2, 2006 15:04")
}

// Summary is the listing metadata for a persisted conversation.
type Summary struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	HasReport    bool      `json:"hasReport"`
}

// Summarize builds the summary for this session.
func (s *Session) Summarize() Summary {
	return Summary{
		ID:           s.ID,
		Title:        s.Title(),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
		HasReport:    s.HasReport(),
	}
}
