// Package protocol defines the structured messages exchanged with the SOAP
// agent service and the extractor that recovers them from free-form agent
// text.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates the structured message union.
type MessageType string

const (
	TypeChatMessage         MessageType = "chat_message"
	TypeSoapDraft           MessageType = "soap_draft"
	TypeExerciseSelection   MessageType = "exercise_selection"
	TypeFinalReport         MessageType = "final_report"
	TypeClarificationNeeded MessageType = "clarification_needed"
	TypeError               MessageType = "error"
)

// Known reports whether t is one of the declared message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeChatMessage, TypeSoapDraft, TypeExerciseSelection,
		TypeFinalReport, TypeClarificationNeeded, TypeError:
		return true
	}
	return false
}

// StructuredMessage is the typed payload recovered from agent response text.
// Exactly one variant's fields are populated, keyed by Type.
type StructuredMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`

	// Common
	Content string `json:"content,omitempty"`
	Format  string `json:"format,omitempty"`

	// exercise_selection
	Exercises         []Exercise `json:"exercises,omitempty"`
	RequiresSelection bool       `json:"requires_selection,omitempty"`

	// final_report
	SelectedImages []string `json:"selected_images,omitempty"`
	ReadyForPDF    bool     `json:"ready_for_pdf,omitempty"`

	// soap_draft / final_report
	SOAPReport *SOAPReport `json:"soap_report,omitempty"`

	// clarification_needed
	Questions       []string `json:"questions,omitempty"`
	OriginalContent string   `json:"original_content,omitempty"`

	// error
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// Validate checks that the required fields for the declared type are present.
// A declared type with missing required fields is a protocol violation.
func (m *StructuredMessage) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}

	switch m.Type {
	case TypeChatMessage:
		if m.Content == "" {
			return fmt.Errorf("chat_message missing content")
		}
	case TypeSoapDraft:
		if m.SOAPReport == nil {
			return fmt.Errorf("soap_draft missing soap_report")
		}
	case TypeFinalReport:
		if m.SOAPReport == nil {
			return fmt.Errorf("final_report missing soap_report")
		}
	case TypeExerciseSelection:
		if len(m.Exercises) == 0 {
			return fmt.Errorf("exercise_selection missing exercises")
		}
		seen := make(map[string]bool, len(m.Exercises))
		for _, ex := range m.Exercises {
			if ex.ID == "" {
				return fmt.Errorf("exercise missing id")
			}
			if seen[ex.ID] {
				return fmt.Errorf("duplicate exercise id %q", ex.ID)
			}
			seen[ex.ID] = true
		}
	case TypeClarificationNeeded:
		if len(m.Questions) == 0 && m.Content == "" {
			return fmt.Errorf("clarification_needed missing questions and content")
		}
	case TypeError:
		// The error string is optional; callers render "Unknown error"
		// when it is absent.
	}
	return nil
}

// NewChat wraps plain text as a chat_message. Used as the extraction
// fallback so callers always receive something displayable.
func NewChat(content string) *StructuredMessage {
	return &StructuredMessage{
		Type:      TypeChatMessage,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Content:   content,
	}
}

// SOAPReport is a structured clinical note plus recommended exercises.
type SOAPReport struct {
	PatientName string `json:"patient_name,omitempty"`
	PatientAge  string `json:"patient_age,omitempty"`
	Condition   string `json:"condition,omitempty"`
	SessionDate string `json:"session_date,omitempty"`

	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`

	Exercises []ReportExercise `json:"exercises"`
	Timestamp string           `json:"timestamp,omitempty"`
}

// ReportExercise is an exercise entry inside a SOAP report.
type ReportExercise struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	SelectedImage string `json:"selected_image,omitempty"`
}

// Exercise is an exercise offered for illustration selection. Identity is
// by ID.
type Exercise struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Images      []ExerciseImage `json:"images"`
}

// ExerciseImage is a selectable illustration for an exercise.
type ExerciseImage struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Selected bool   `json:"selected,omitempty"`
}

// ImageSelection is the structured follow-up sent as the text body of the
// turn after the user picks illustrations. The transport only carries plain
// text, so the payload self-declares its kind via MessageType.
type ImageSelection struct {
	SelectedImageIDs []string `json:"selected_image_ids"`
	MessageType      string   `json:"message_type"`
}

// NewImageSelection builds an image-selection payload for the given ids.
func NewImageSelection(ids []string) ImageSelection {
	return ImageSelection{SelectedImageIDs: ids, MessageType: "image_selection"}
}

// Encode serializes the selection as the text of the next turn.
func (s ImageSelection) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
