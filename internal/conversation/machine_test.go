package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sr198/motion-by-aiselu/internal/protocol"
)

// fakeTransport replays scripted agent responses and records sent turns.
type fakeTransport struct {
	responses []string
	sent      []string
	err       error
}

func (f *fakeTransport) RunTurn(_ context.Context, text string) (string, bool, error) {
	f.sent = append(f.sent, text)
	if f.err != nil {
		return "", false, f.err
	}
	if len(f.responses) == 0 {
		return "", false, nil
	}
	raw := f.responses[0]
	f.responses = f.responses[1:]
	return raw, true, nil
}

// blockingTransport replays an optional scripted first response, then holds
// every later turn open until released.
type blockingTransport struct {
	first   string
	calls   int
	started chan struct{}
	release chan struct{}
}

func (b *blockingTransport) RunTurn(_ context.Context, _ string) (string, bool, error) {
	b.calls++
	if b.calls == 1 && b.first != "" {
		return b.first, true, nil
	}
	b.started <- struct{}{}
	<-b.release
	return "done", true, nil
}

// fakeStore counts saves and updates.
type fakeStore struct {
	saves   int
	updates int
	last    *Session
}

func (f *fakeStore) Save(_ context.Context, s *Session) (string, error) {
	f.saves++
	f.last = s
	return s.ID.String(), nil
}

func (f *fakeStore) Update(_ context.Context, s *Session) error {
	f.updates++
	f.last = s
	return nil
}

func (f *fakeStore) Load(context.Context, string) (*Session, error)    { return nil, nil }
func (f *fakeStore) Delete(context.Context, string) error              { return nil }
func (f *fakeStore) Search(context.Context, string) ([]Summary, error) { return nil, nil }
func (f *fakeStore) ListAll(context.Context) ([]Summary, error)        { return nil, nil }

func exerciseSelectionJSON(t *testing.T) string {
	t.Helper()
	msg := protocol.StructuredMessage{
		Type:              protocol.TypeExerciseSelection,
		RequiresSelection: true,
		Exercises: []protocol.Exercise{
			{ID: "e1", Name: "Wall slides", Description: "d", Images: []protocol.ExerciseImage{
				{ID: "a", URL: "u1", Name: "front"},
				{ID: "b", URL: "u2", Name: "side"},
			}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return "```json\n" + string(data) + "\n```"
}

func TestChatTurn(t *testing.T) {
	tr := &fakeTransport{responses: []string{"Hello! How can I help?"}}
	st := &fakeStore{}
	m := NewMachine(tr, st, zerolog.Nop())

	msg, err := m.SubmitText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != protocol.TypeChatMessage {
		t.Fatalf("expected chat_message, got %s", msg.Type)
	}

	log := m.Messages()
	if len(log) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(log))
	}
	if !log[0].IsFromUser || log[0].Content != "hi" {
		t.Fatalf("unexpected user message: %+v", log[0])
	}
	if log[1].IsFromUser || log[1].Content != "Hello! How can I help?" {
		t.Fatalf("unexpected assistant message: %+v", log[1])
	}
	if m.Mode() != ModeIdle {
		t.Fatalf("expected idle, got %s", m.Mode())
	}
}

func TestPersistenceOrdering(t *testing.T) {
	tr := &fakeTransport{responses: []string{"reply"}}
	st := &fakeStore{}
	m := NewMachine(tr, st, zerolog.Nop())

	if _, err := m.SubmitText(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	// One save on the first write (user append), one update after the
	// assistant append. Durable identity is created once, never re-created.
	if st.saves != 1 {
		t.Fatalf("expected 1 save, got %d", st.saves)
	}
	if st.updates != 1 {
		t.Fatalf("expected 1 update, got %d", st.updates)
	}

	tr.responses = []string{"again"}
	if _, err := m.SubmitText(context.Background(), "more"); err != nil {
		t.Fatal(err)
	}
	if st.saves != 1 {
		t.Fatalf("save must not be repeated, got %d", st.saves)
	}
	if st.updates != 3 {
		t.Fatalf("expected 3 updates, got %d", st.updates)
	}
}

func TestImageSelectionFlow(t *testing.T) {
	tr := &fakeTransport{responses: []string{
		exerciseSelectionJSON(t),
		"Great choices! Your report is being finalized.",
	}}
	m := NewMachine(tr, &fakeStore{}, zerolog.Nop())
	ctx := context.Background()

	if _, err := m.SubmitText(ctx, "exercises for shoulder impingement"); err != nil {
		t.Fatal(err)
	}
	if m.Mode() != ModeAwaitingSelection {
		t.Fatalf("expected awaiting selection, got %s", m.Mode())
	}
	if got := m.PendingExercises(); len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("unexpected pending exercises: %+v", got)
	}

	msg, err := m.SubmitSelection(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != protocol.TypeChatMessage {
		t.Fatalf("expected chat reply, got %s", msg.Type)
	}
	if m.Mode() != ModeIdle {
		t.Fatalf("expected idle after selection, got %s", m.Mode())
	}
	if len(m.SelectedImages()) != 0 {
		t.Fatal("selection set must be cleared on completing the flow")
	}

	// The selection turn is a self-declaring JSON payload, not a chat
	// message: the log holds user text, prompt, and the chat reply only.
	log := m.Messages()
	if len(log) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(log))
	}
	if log[1].MessageType != protocol.TypeExerciseSelection {
		t.Fatalf("expected selection prompt, got %+v", log[1])
	}
	if log[2].Content != "Great choices! Your report is being finalized." {
		t.Fatalf("unexpected final entry: %+v", log[2])
	}

	var sel protocol.ImageSelection
	if err := json.Unmarshal([]byte(tr.sent[1]), &sel); err != nil {
		t.Fatalf("selection turn is not valid JSON: %v", err)
	}
	if sel.MessageType != "image_selection" {
		t.Fatalf("expected self-declared image_selection kind, got %q", sel.MessageType)
	}
	if len(sel.SelectedImageIDs) != 2 || sel.SelectedImageIDs[0] != "a" || sel.SelectedImageIDs[1] != "b" {
		t.Fatalf("unexpected selection ids: %v", sel.SelectedImageIDs)
	}
}

func TestSelectionOutsideFlow(t *testing.T) {
	m := NewMachine(&fakeTransport{}, &fakeStore{}, zerolog.Nop())
	if _, err := m.SubmitSelection(context.Background(), []string{"a"}); !errors.Is(err, ErrNoSelectionPending) {
		t.Fatalf("expected ErrNoSelectionPending, got %v", err)
	}
}

func TestEnteringSelectionClearsPriorSelections(t *testing.T) {
	tr := &fakeTransport{responses: []string{exerciseSelectionJSON(t)}}
	m := NewMachine(tr, &fakeStore{}, zerolog.Nop())

	m.ToggleImage("stale")
	if _, err := m.SubmitText(context.Background(), "exercise plan please"); err != nil {
		t.Fatal(err)
	}
	if len(m.SelectedImages()) != 0 {
		t.Fatal("selection set must be cleared on entering the selection flow")
	}
}

func TestToggleImage(t *testing.T) {
	m := NewMachine(&fakeTransport{}, nil, zerolog.Nop())

	if !m.ToggleImage("a") {
		t.Fatal("first toggle should select")
	}
	m.ToggleImage("b")
	if m.ToggleImage("a") {
		t.Fatal("second toggle should deselect")
	}
	if got := m.SelectedImages(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected selection: %v", got)
	}
}

func TestSoapDraftAppendsNoticeAndStructured(t *testing.T) {
	raw := "```json\n" +
		`{"type":"soap_draft","soap_report":{"patient_name":"Sarah","subjective":"s","objective":"o","assessment":"a","plan":"p","exercises":[]}}` +
		"\n```"
	tr := &fakeTransport{responses: []string{raw}}
	m := NewMachine(tr, &fakeStore{}, zerolog.Nop())

	if _, err := m.SubmitText(context.Background(), "dictation"); err != nil {
		t.Fatal(err)
	}

	log := m.Messages()
	if len(log) != 3 {
		t.Fatalf("expected user + notice + structured, got %d", len(log))
	}
	if log[1].MessageType != protocol.TypeSoapDraft || log[1].Structured != nil {
		t.Fatalf("expected plain notice, got %+v", log[1])
	}
	if log[2].Structured == nil || log[2].Structured.SOAPReport == nil {
		t.Fatalf("expected structured report entry, got %+v", log[2])
	}
	if log[2].Structured.SOAPReport.PatientName != "Sarah" {
		t.Fatalf("report not carried into the log: %+v", log[2].Structured.SOAPReport)
	}
}

func TestClarificationFlattened(t *testing.T) {
	raw := "```json\n" +
		`{"type":"clarification_needed","questions":["How old is the patient?","Which side hurts?"]}` +
		"\n```"
	tr := &fakeTransport{responses: []string{raw}}
	m := NewMachine(tr, &fakeStore{}, zerolog.Nop())

	if _, err := m.SubmitText(context.Background(), "dictation"); err != nil {
		t.Fatal(err)
	}

	if m.Mode() != ModeIdle {
		t.Fatalf("clarification must not enter a dedicated mode, got %s", m.Mode())
	}
	log := m.Messages()
	want := "I need some clarification to complete the SOAP report:\n1. How old is the patient?\n2. Which side hurts?"
	if log[1].Content != want {
		t.Fatalf("expected numbered questions, got %q", log[1].Content)
	}
}

func TestAgentErrorMessage(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "with error string",
			raw:  "```json\n{\"type\":\"error\",\"error\":\"agent exploded\"}\n```",
			want: "I encountered an error: agent exploded",
		},
		{
			name: "without error string",
			raw:  "```json\n{\"type\":\"error\"}\n```",
			want: "I encountered an error: Unknown error",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := &fakeTransport{responses: []string{tc.raw}}
			m := NewMachine(tr, &fakeStore{}, zerolog.Nop())
			if _, err := m.SubmitText(context.Background(), "hi"); err != nil {
				t.Fatal(err)
			}
			log := m.Messages()
			if log[1].Content != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, log[1].Content)
			}
			if m.Mode() != ModeIdle {
				t.Fatalf("agent error must stay idle, got %s", m.Mode())
			}
		})
	}
}

func TestSecondTextWhileTurnInFlight(t *testing.T) {
	tr := &blockingTransport{started: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewMachine(tr, &fakeStore{}, zerolog.Nop())
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.SubmitText(ctx, "first")
		firstDone <- err
	}()
	<-tr.started

	if !m.Pending() {
		t.Fatal("expected pending while the transport holds the turn")
	}
	before := len(m.Messages())
	if _, err := m.SubmitText(ctx, "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	if len(m.Messages()) != before {
		t.Fatal("rejected turn must not append to the log")
	}
	if m.Mode() != ModeIdle {
		t.Fatalf("rejected turn must not change mode, got %s", m.Mode())
	}

	close(tr.release)
	if err := <-firstDone; err != nil {
		t.Fatal(err)
	}
	log := m.Messages()
	if len(log) != 2 || log[1].Content != "done" {
		t.Fatalf("first turn must complete normally, got %+v", log)
	}
	if m.Pending() {
		t.Fatal("pending must clear once the held turn completes")
	}
}

func TestSelectionWhileTurnInFlight(t *testing.T) {
	tr := &blockingTransport{
		first:   exerciseSelectionJSON(t),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := NewMachine(tr, &fakeStore{}, zerolog.Nop())
	ctx := context.Background()

	if _, err := m.SubmitText(ctx, "plan"); err != nil {
		t.Fatal(err)
	}
	if m.Mode() != ModeAwaitingSelection {
		t.Fatalf("expected awaiting selection, got %s", m.Mode())
	}

	selDone := make(chan error, 1)
	go func() {
		_, err := m.SubmitSelection(ctx, []string{"a"})
		selDone <- err
	}()
	<-tr.started

	before := len(m.Messages())
	if _, err := m.SubmitSelection(ctx, []string{"b"}); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight from second selection, got %v", err)
	}
	if _, err := m.SubmitText(ctx, "interleaved"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight from interleaved text, got %v", err)
	}
	if len(m.Messages()) != before {
		t.Fatal("rejected turns must not append to the log")
	}
	if m.Mode() != ModeAwaitingSelection {
		t.Fatalf("selection flow must survive rejected turns, got %s", m.Mode())
	}

	close(tr.release)
	if err := <-selDone; err != nil {
		t.Fatal(err)
	}
	if m.Mode() != ModeIdle {
		t.Fatalf("expected idle after the held selection completes, got %s", m.Mode())
	}
}

func TestTransportErrorPreservesState(t *testing.T) {
	tr := &fakeTransport{responses: []string{exerciseSelectionJSON(t)}}
	m := NewMachine(tr, &fakeStore{}, zerolog.Nop())
	ctx := context.Background()

	if _, err := m.SubmitText(ctx, "plan"); err != nil {
		t.Fatal(err)
	}
	before := len(m.Messages())

	tr.err = errors.New("connection refused")
	_, err := m.SubmitSelection(ctx, []string{"a"})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if len(m.Messages()) != before {
		t.Fatal("transport failure must not append to the log")
	}
	if m.Pending() {
		t.Fatal("pending flag must clear after a failed turn")
	}
	if m.Mode() != ModeAwaitingSelection {
		t.Fatal("prior mode must be preserved so the user may retry")
	}

	// Retry succeeds once the transport recovers.
	tr.err = nil
	tr.responses = []string{"All set."}
	if _, err := m.SubmitSelection(ctx, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if m.Mode() != ModeIdle {
		t.Fatalf("expected idle after retry, got %s", m.Mode())
	}
}

func TestReset(t *testing.T) {
	tr := &fakeTransport{responses: []string{exerciseSelectionJSON(t)}}
	m := NewMachine(tr, &fakeStore{}, zerolog.Nop())

	cancelled := false
	m.SetCapture(captureFunc(func() { cancelled = true }))

	if _, err := m.SubmitText(context.Background(), "plan"); err != nil {
		t.Fatal(err)
	}
	m.ToggleImage("a")
	m.Reset()

	if !cancelled {
		t.Fatal("reset must stop active capture")
	}
	if len(m.Messages()) != 0 || m.Mode() != ModeIdle || len(m.SelectedImages()) != 0 {
		t.Fatal("reset must clear log, mode and selection set")
	}
}

type captureFunc func()

func (f captureFunc) Cancel() { f() }

func TestResetCreatesNewDurableIdentity(t *testing.T) {
	tr := &fakeTransport{responses: []string{"one", "two"}}
	st := &fakeStore{}
	m := NewMachine(tr, st, zerolog.Nop())
	ctx := context.Background()

	if _, err := m.SubmitText(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	m.Reset()
	if _, err := m.SubmitText(ctx, "second"); err != nil {
		t.Fatal(err)
	}

	if st.saves != 2 {
		t.Fatalf("expected a fresh save after reset, got %d saves", st.saves)
	}
}

func TestResumeAdoptsSessionAndIdentity(t *testing.T) {
	tr := &fakeTransport{responses: []string{"welcome back"}}
	st := &fakeStore{}
	m := NewMachine(tr, st, zerolog.Nop())
	ctx := context.Background()

	saved := NewSession()
	saved.AddUser("previous dictation")
	saved.AddAssistant("noted", protocol.TypeChatMessage)

	m.Resume(saved, saved.ID.String())

	if len(m.Messages()) != 2 {
		t.Fatalf("expected resumed log, got %d messages", len(m.Messages()))
	}
	if m.Mode() != ModeIdle {
		t.Fatalf("resume must start idle, got %s", m.Mode())
	}

	// Further turns update the resumed conversation, never re-save it.
	if _, err := m.SubmitText(ctx, "continuing"); err != nil {
		t.Fatal(err)
	}
	if st.saves != 0 {
		t.Fatalf("resumed session must keep its durable identity, got %d saves", st.saves)
	}
	if st.updates == 0 {
		t.Fatal("expected updates against the resumed identity")
	}
}

func TestEmptySubmitIsNoop(t *testing.T) {
	st := &fakeStore{}
	m := NewMachine(&fakeTransport{}, st, zerolog.Nop())

	msg, err := m.SubmitText(context.Background(), "   ")
	if err != nil || msg != nil {
		t.Fatalf("expected noop, got %v / %v", msg, err)
	}
	if st.saves != 0 {
		t.Fatal("empty submit must not persist")
	}
}
