package conversation

import (
	"strings"
	"testing"

	"github.com/sr198/motion-by-aiselu/internal/protocol"
)

func TestTitleFromFirstUserMessage(t *testing.T) {
	s := NewSession()
	s.AddAssistant("welcome", protocol.TypeChatMessage)
	s.AddUser("I just finished treating a patient with shoulder impingement")

	title := s.Title()
	if len([]rune(title)) > 30 {
		t.Fatalf("title too long: %q", title)
	}
	if !strings.HasPrefix("I just finished treating a patient", title) {
		t.Fatalf("unexpected title: %q", title)
	}
}

func TestTitleFromPatientName(t *testing.T) {
	s := NewSession()
	s.AddStructured("", &protocol.StructuredMessage{
		Type:       protocol.TypeSoapDraft,
		SOAPReport: &protocol.SOAPReport{PatientName: "Sarah"},
	})

	if got := s.Title(); got != "Session with Sarah" {
		t.Fatalf("expected patient title, got %q", got)
	}
}

func TestTitleFallback(t *testing.T) {
	s := NewSession()
	if got := s.Title(); !strings.HasPrefix(got, "Chat ") {
		t.Fatalf("expected date-stamped fallback, got %q", got)
	}
}

func TestUpdatedAtMonotonic(t *testing.T) {
	s := NewSession()
	prev := s.UpdatedAt
	for i := 0; i < 5; i++ {
		s.AddUser("msg")
		if s.UpdatedAt.Before(prev) {
			t.Fatal("UpdatedAt went backwards")
		}
		prev = s.UpdatedAt
	}
}

func TestSummarize(t *testing.T) {
	s := NewSession()
	s.AddUser("shoulder pain dictation")
	s.AddStructured("", &protocol.StructuredMessage{
		Type:       protocol.TypeFinalReport,
		SOAPReport: &protocol.SOAPReport{},
	})

	sum := s.Summarize()
	if sum.ID != s.ID {
		t.Fatal("summary id mismatch")
	}
	if sum.MessageCount != 2 {
		t.Fatalf("expected 2 messages, got %d", sum.MessageCount)
	}
	if !sum.HasReport {
		t.Fatal("expected HasReport for a final report")
	}
}

func TestStructuredPayloadCopied(t *testing.T) {
	s := NewSession()
	src := &protocol.StructuredMessage{Type: protocol.TypeChatMessage, Content: "hi"}
	s.AddStructured("hi", src)

	src.Content = "mutated"
	if s.Messages[0].Structured.Content != "hi" {
		t.Fatal("structured payload must be copied into the log on receipt")
	}
}
