// Package export writes conversation transcripts to disk as plain text or
// JSON for sharing outside the app.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sr198/motion-by-aiselu/internal/conversation"
	"github.com/sr198/motion-by-aiselu/internal/protocol"
)

// Exporter writes export files into a target directory, creating it on
// first use.
type Exporter struct {
	dir    string
	logger zerolog.Logger
}

// NewExporter creates an exporter rooted at dir.
func NewExporter(dir string, logger zerolog.Logger) *Exporter {
	return &Exporter{dir: dir, logger: logger.With().Str("component", "export").Logger()}
}

// document is the JSON export envelope.
type document struct {
	Conversation conversation.Summary `json:"conversation"`
	Messages     []exportMessage      `json:"messages"`
	ExportedAt   time.Time            `json:"exportedAt"`
}

// exportMessage flattens a log entry; structured payloads are embedded as-is.
type exportMessage struct {
	ID          string                      `json:"id"`
	Content     string                      `json:"content"`
	IsFromUser  bool                        `json:"isFromUser"`
	Timestamp   time.Time                   `json:"timestamp"`
	MessageType string                      `json:"messageType,omitempty"`
	Structured  *protocol.StructuredMessage `json:"structuredData,omitempty"`
}

// ExportJSON writes the session as a JSON document and returns the file path.
func (e *Exporter) ExportJSON(s *conversation.Session) (string, error) {
	doc := document{
		Conversation: s.Summarize(),
		Messages:     make([]exportMessage, 0, len(s.Messages)),
		ExportedAt:   time.Now().UTC(),
	}
	for _, m := range s.Messages {
		doc.Messages = append(doc.Messages, exportMessage{
			ID:          m.ID,
			Content:     m.Content,
			IsFromUser:  m.IsFromUser,
			Timestamp:   m.Timestamp,
			MessageType: string(m.MessageType),
			Structured:  m.Structured,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return e.writeFile(s, "json", data)
}

// ExportText writes the session as a human-readable transcript and returns
// the file path. Structured SOAP and exercise payloads are rendered inline
// under the message that carried them.
func (e *Exporter) ExportText(s *conversation.Session) (string, error) {
	return e.writeFile(s, "txt", []byte(Transcript(s)))
}

// Transcript renders the plain-text export body.
func Transcript(s *conversation.Session) string {
	sum := s.Summarize()

	var b strings.Builder
	b.WriteString("Conversation Export\n")
	b.WriteString("==================\n\n")
	fmt.Fprintf(&b, "Title: %s\n", sum.Title)
	fmt.Fprintf(&b, "Created: %s\n", formatDateTime(sum.CreatedAt))
	fmt.Fprintf(&b, "Last Updated: %s\n", formatDateTime(sum.UpdatedAt))
	fmt.Fprintf(&b, "Message Count: %d\n", sum.MessageCount)
	fmt.Fprintf(&b, "Has SOAP Report: %s\n\n", yesNo(sum.HasReport))
	b.WriteString("Messages\n")
	b.WriteString("--------\n\n")

	for _, m := range s.Messages {
		sender := "Assistant"
		if m.IsFromUser {
			sender = "User"
		}
		msgType := string(m.MessageType)
		if msgType == "" {
			msgType = "text"
		}

		fmt.Fprintf(&b, "[%s] %s (%s)\n%s\n", formatDateTime(m.Timestamp), sender, msgType, m.Content)

		if m.Structured != nil {
			b.WriteString("Structured Data:\n")
			if m.Structured.SOAPReport != nil {
				writeSOAPReport(&b, m.Structured.SOAPReport)
			}
			if len(m.Structured.Exercises) > 0 {
				writeExercises(&b, m.Structured.Exercises)
			}
			b.WriteString("\n")
		}

		b.WriteString("---\n\n")
	}

	return b.String()
}

func writeSOAPReport(b *strings.Builder, r *protocol.SOAPReport) {
	b.WriteString("SOAP Report:\n")
	fmt.Fprintf(b, "Patient: %s\n", orNA(r.PatientName))
	fmt.Fprintf(b, "Age: %s\n", orNA(r.PatientAge))
	fmt.Fprintf(b, "Condition: %s\n", orNA(r.Condition))
	fmt.Fprintf(b, "Session Date: %s\n\n", orNA(r.SessionDate))
	fmt.Fprintf(b, "Subjective: %s\n", r.Subjective)
	fmt.Fprintf(b, "Objective: %s\n", r.Objective)
	fmt.Fprintf(b, "Assessment: %s\n", r.Assessment)
	fmt.Fprintf(b, "Plan: %s\n\n", r.Plan)
	b.WriteString("Exercises:\n")
	for _, ex := range r.Exercises {
		fmt.Fprintf(b, "- %s: %s\n", ex.Name, ex.Description)
	}
	b.WriteString("\n")
}

func writeExercises(b *strings.Builder, exercises []protocol.Exercise) {
	b.WriteString("Exercises:\n")
	for _, ex := range exercises {
		fmt.Fprintf(b, "- %s: %s (%d images available)\n", ex.Name, ex.Description, len(ex.Images))
	}
	b.WriteString("\n")
}

func (e *Exporter) writeFile(s *conversation.Session, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(e.dir, FileName(s, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}

	e.logger.Info().Str("path", path).Int("bytes", len(data)).Msg("conversation exported")
	return path, nil
}

// FileName derives the export file name: the sanitized title with spaces
// replaced by underscores, the creation date, and the extension.
func FileName(s *conversation.Session, ext string) string {
	title := strings.ReplaceAll(sanitizeTitle(s.Title()), " ", "_")
	return fmt.Sprintf("%s_%s.%s", title, s.CreatedAt.Format("2006-01-02"), ext)
}

// sanitizeTitle makes a session title safe to embed in a file name. Titles
// come from arbitrary user text, so path separators and dot-only segments
// must not survive into the joined path.
func sanitizeTitle(title string) string {
	title = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, title)
	title = strings.Trim(title, ". ")
	if title == "" {
		title = "conversation"
	}
	return title
}

func formatDateTime(t time.Time) string {
	return t.Format("Jan 2, 2006 15:04:05")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
