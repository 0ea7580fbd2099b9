package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sr198/motion-by-aiselu/internal/protocol"
)

// Mode is the client's mutually exclusive interaction state.
type Mode int

const (
	ModeIdle Mode = iota
	ModeAwaitingSelection
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeAwaitingSelection:
		return "awaiting_image_selection"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	// ErrTurnInFlight is returned while a previous agent turn is still
	// outstanding. The backend session is not designed for concurrent
	// writes, so callers drop the turn rather than interleave.
	ErrTurnInFlight = errors.New("a turn is already in flight")

	// ErrNoSelectionPending is returned when images are submitted outside
	// the selection flow.
	ErrNoSelectionPending = errors.New("no image selection pending")
)

// Transport runs agent turns. Implemented by agent.Client.
type Transport interface {
	RunTurn(ctx context.Context, text string) (raw string, found bool, err error)
}

// Store persists conversation logs. Implemented by the backends in
// internal/store; the deployment chooses a durable or in-memory one.
type Store interface {
	Save(ctx context.Context, s *Session) (string, error)
	Update(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, query string) ([]Summary, error)
	ListAll(ctx context.Context) ([]Summary, error)
}

// Capture is anything whose in-flight voice capture must stop on reset.
type Capture interface {
	Cancel()
}

// Machine is the conversation turn-taking state machine. It owns the live
// session, maps extracted agent messages to interaction modes, and keeps
// persistence writes strictly ordered after the log mutations that trigger
// them.
type Machine struct {
	transport Transport
	store     Store
	logger    zerolog.Logger

	mu        sync.Mutex
	session   *Session
	mode      Mode
	exercises []protocol.Exercise
	selected  []string
	pending   bool
	storeID   string
	gen       uint64 // bumped on reset so stale turn results are dropped
	capture   Capture
}

// NewMachine creates a machine with an empty session. store may be nil for
// an unpersisted conversation.
func NewMachine(transport Transport, store Store, logger zerolog.Logger) *Machine {
	return &Machine{
		transport: transport,
		store:     store,
		logger:    logger,
		session:   NewSession(),
	}
}

// SetCapture registers the voice capture to cancel on reset.
func (m *Machine) SetCapture(c Capture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capture = c
}

// Mode returns the current interaction mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Pending reports whether an agent turn is outstanding.
func (m *Machine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// PendingExercises returns the exercises awaiting illustration selection.
func (m *Machine) PendingExercises() []protocol.Exercise {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Exercise, len(m.exercises))
	copy(out, m.exercises)
	return out
}

// ToggleImage adds or removes an image id from the selection set while
// awaiting a selection. Returns the new selected state of the id.
func (m *Machine) ToggleImage(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sel := range m.selected {
		if sel == id {
			m.selected = append(m.selected[:i], m.selected[i+1:]...)
			return false
		}
	}
	m.selected = append(m.selected, id)
	return true
}

// SelectedImages returns the ordered selection set.
func (m *Machine) SelectedImages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.selected))
	copy(out, m.selected)
	return out
}

// Messages returns a snapshot of the message log.
func (m *Machine) Messages() []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatMessage, len(m.session.Messages))
	copy(out, m.session.Messages)
	return out
}

// Session returns a snapshot copy of the live session.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := *m.session
	snap.Messages = make([]ChatMessage, len(m.session.Messages))
	copy(snap.Messages, m.session.Messages)
	return snap
}

// SubmitText sends one user text turn: the user message is appended and
// persisted, the turn runs against the agent, and the extracted response is
// applied to the session. A transport failure leaves the interaction mode
// and the log (beyond the user message) untouched so the user may retry.
func (m *Machine) SubmitText(ctx context.Context, text string) (*protocol.StructuredMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	m.pending = true
	gen := m.gen
	m.session.AddUser(text)
	m.persistLocked(ctx)
	m.mu.Unlock()

	return m.runTurn(ctx, gen, text, false)
}

// SubmitSelection completes the image-selection flow: the ordered selected
// ids are serialized as a self-declaring payload and sent as the text of the
// next turn. No user-visible message is appended for the submission itself.
func (m *Machine) SubmitSelection(ctx context.Context, ids []string) (*protocol.StructuredMessage, error) {
	m.mu.Lock()
	if m.mode != ModeAwaitingSelection {
		m.mu.Unlock()
		return nil, ErrNoSelectionPending
	}
	if m.pending {
		m.mu.Unlock()
		return nil, ErrTurnInFlight
	}

	payload, err := protocol.NewImageSelection(ids).Encode()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	m.pending = true
	gen := m.gen
	m.mu.Unlock()

	return m.runTurn(ctx, gen, payload, true)
}

// runTurn performs the network exchange outside the lock, then applies the
// extracted message unless the session was reset meanwhile. On a transport
// failure the prior interaction mode is left untouched so the user may
// retry; completeSelection leaves the selection flow only once the turn has
// actually reached the agent.
func (m *Machine) runTurn(ctx context.Context, gen uint64, text string, completeSelection bool) (*protocol.StructuredMessage, error) {
	raw, found, err := m.transport.RunTurn(ctx, text)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.pending = false
	}
	if err != nil {
		return nil, err
	}
	if m.gen != gen {
		m.logger.Warn().Msg("dropping agent response for reset session")
		return nil, nil
	}
	if completeSelection {
		m.mode = ModeIdle
		m.exercises = nil
		m.selected = nil
	}
	if !found {
		return nil, nil
	}

	msg := protocol.Extract(raw)
	m.applyLocked(msg)
	m.persistLocked(ctx)
	return msg, nil
}

// applyLocked is the transition table: extracted message type to log
// appends and next interaction mode. Caller holds the lock.
func (m *Machine) applyLocked(msg *protocol.StructuredMessage) {
	switch msg.Type {
	case protocol.TypeChatMessage:
		m.session.AddAssistant(msg.Content, protocol.TypeChatMessage)
		m.mode = ModeIdle

	case protocol.TypeSoapDraft:
		m.session.AddAssistant("I've generated a SOAP report based on your patient session:", protocol.TypeSoapDraft)
		m.session.AddStructured(msg.Content, msg)
		m.mode = ModeIdle

	case protocol.TypeExerciseSelection:
		m.session.AddStructured("Please select illustrations for the recommended exercises:", msg)
		m.exercises = msg.Exercises
		m.selected = nil
		m.mode = ModeAwaitingSelection

	case protocol.TypeFinalReport:
		m.session.AddAssistant("Here's your final SOAP report with selected images:", protocol.TypeFinalReport)
		m.session.AddStructured(msg.Content, msg)
		m.mode = ModeIdle

	case protocol.TypeClarificationNeeded:
		m.session.AddAssistant(clarificationText(msg), protocol.TypeClarificationNeeded)
		m.mode = ModeIdle

	case protocol.TypeError:
		errText := msg.Error
		if errText == "" {
			errText = "Unknown error"
		}
		m.session.AddAssistant("I encountered an error: "+errText, protocol.TypeError)
		m.mode = ModeIdle
	}
}

// clarificationText flattens clarification questions into one numbered
// assistant message, falling back to the content text.
func clarificationText(msg *protocol.StructuredMessage) string {
	if len(msg.Questions) == 0 {
		return msg.Content
	}
	var b strings.Builder
	b.WriteString("I need some clarification to complete the SOAP report:\n")
	for i, q := range msg.Questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return strings.TrimRight(b.String(), "\n")
}

// persistLocked writes the session through the store, creating its durable
// identity on the first write and updating thereafter. Persistence errors
// are logged, not surfaced; ordering relative to the append that triggered
// the write is what matters. Caller holds the lock.
func (m *Machine) persistLocked(ctx context.Context) {
	if m.store == nil || len(m.session.Messages) == 0 {
		return
	}

	if m.storeID == "" {
		id, err := m.store.Save(ctx, m.session)
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to save conversation")
			return
		}
		m.storeID = id
		return
	}

	if err := m.store.Update(ctx, m.session); err != nil {
		m.logger.Error().Err(err).Msg("failed to update conversation")
	}
}

// Resume replaces the live session with a previously persisted one. Any
// active capture and in-flight turn are discarded first, as in Reset.
func (m *Machine) Resume(s *Session, storeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capture != nil {
		m.capture.Cancel()
	}

	m.gen++
	m.pending = false
	m.session = s
	m.mode = ModeIdle
	m.exercises = nil
	m.selected = nil
	m.storeID = storeID
}

// Reset starts a new conversation: any active capture is stopped first so a
// late auto-stop cannot mutate the fresh session, then the log, mode and
// selection set are cleared.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capture != nil {
		m.capture.Cancel()
	}

	m.gen++
	m.pending = false
	m.session = NewSession()
	m.mode = ModeIdle
	m.exercises = nil
	m.selected = nil
	m.storeID = ""
}
