package voice

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sr198/motion-by-aiselu/internal/metrics"
)

// DefaultSilenceTimeout is the countdown used when none is configured.
const DefaultSilenceTimeout = 5 * time.Second

// SilenceTimeouts are the selectable countdown durations.
var SilenceTimeouts = []time.Duration{
	3 * time.Second,
	5 * time.Second,
	7 * time.Second,
	10 * time.Second,
}

// CompletionKind distinguishes how a voice turn ended.
type CompletionKind int

const (
	// CompleteAuto: the silence countdown expired after speech.
	CompleteAuto CompletionKind = iota
	// CompleteManual: the user stopped capture explicitly.
	CompleteManual
	// CompleteFinal: the transcription source signalled final recognition.
	CompleteFinal
)

func (k CompletionKind) String() string {
	switch k {
	case CompleteAuto:
		return "auto"
	case CompleteManual:
		return "manual"
	case CompleteFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Completion signals that a voice turn is done. The monitor never submits
// the transcript itself; the caller decides whether to transmit.
type Completion struct {
	Text string
	Kind CompletionKind
}

// Auto reports whether the turn completed by silence detection rather than
// an explicit stop.
func (c Completion) Auto() bool { return c.Kind == CompleteAuto }

// monitor states
type monitorState int

const (
	stateIdle monitorState = iota
	stateListening
	stateHasSpeech
)

// Monitor wraps a live transcript stream and emits a completion when the
// user has stopped speaking: each changed, non-empty transcript delta
// restarts a countdown; expiry while speech has been heard auto-completes
// the turn.
type Monitor struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	state  monitorState
	last   string
	active bool
	timer  *time.Timer
	seq    uint64 // invalidates stale countdowns

	completions chan Completion
	errs        chan *CaptureError
}

// NewMonitor creates a monitor with the given silence timeout. Non-positive
// timeouts fall back to the default.
func NewMonitor(timeout time.Duration, logger zerolog.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &Monitor{
		timeout:     timeout,
		logger:      logger,
		completions: make(chan Completion, 4),
		errs:        make(chan *CaptureError, 4),
	}
}

// Completions delivers turn-completion events.
func (m *Monitor) Completions() <-chan Completion { return m.completions }

// Errors delivers capture failures.
func (m *Monitor) Errors() <-chan *CaptureError { return m.errs }

// Active reports whether a capture is in progress.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start begins a new capture: speech state is reset and any pending
// countdown from a previous capture is discarded.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.state = stateListening
	m.last = ""
	m.active = true
}

// Delta feeds a transcript update. A changed, non-empty text marks speech
// and restarts the countdown.
func (m *Monitor) Delta(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || text == "" || text == m.last {
		return
	}
	m.last = text
	m.state = stateHasSpeech
	m.restartTimerLocked()
}

// Stop completes the capture immediately on explicit user action.
func (m *Monitor) Stop() {
	m.complete(CompleteManual, "")
}

// Final completes the capture on the source's final-recognition signal.
// text overrides the accumulated transcript when non-empty.
func (m *Monitor) Final(text string) {
	m.complete(CompleteFinal, text)
}

// Cancel discards the capture without emitting a completion. Safe to call
// when no capture is active.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.active = false
	m.state = stateIdle
	m.last = ""
}

// Watch drives the monitor from a transcription source until the source's
// event channel closes or ctx is done. An unavailable recognizer or a
// capture error force-stops the capture.
func (m *Monitor) Watch(ctx context.Context, src Source) {
	for {
		select {
		case <-ctx.Done():
			m.Cancel()
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventDelta:
				m.Delta(ev.Text)
			case EventFinal:
				m.Final(ev.Text)
			case EventUnavailable:
				m.fail(&CaptureError{Code: ErrRecognizerUnavailable})
			case EventError:
				if ce, ok := ev.Err.(*CaptureError); ok {
					m.fail(ce)
				} else {
					m.fail(&CaptureError{Code: ErrStream, Detail: ev.Err.Error()})
				}
			}
		}
	}
}

func (m *Monitor) complete(kind CompletionKind, text string) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.active = false
	m.state = stateIdle
	if text == "" {
		text = m.last
	}
	m.last = ""
	m.mu.Unlock()

	m.emit(Completion{Text: text, Kind: kind})
}

// fail force-stops capture and surfaces the error.
func (m *Monitor) fail(ce *CaptureError) {
	m.Cancel()
	metrics.VoiceErrors.WithLabelValues(string(ce.Code)).Inc()
	m.logger.Error().Str("code", string(ce.Code)).Str("detail", ce.Detail).Msg("voice capture failed")
	select {
	case m.errs <- ce:
	default:
		m.logger.Warn().Msg("voice error dropped, listener not draining")
	}
}

func (m *Monitor) emit(c Completion) {
	metrics.VoiceCompletions.WithLabelValues(c.Kind.String()).Inc()
	select {
	case m.completions <- c:
	default:
		m.logger.Warn().Str("kind", c.Kind.String()).Msg("completion dropped, listener not draining")
	}
}

func (m *Monitor) restartTimerLocked() {
	m.stopTimerLocked()
	m.seq++
	seq := m.seq
	m.timer = time.AfterFunc(m.timeout, func() { m.expire(seq) })
}

func (m *Monitor) stopTimerLocked() {
	m.seq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// expire fires when the countdown ends. Only the countdown started by the
// most recent delta may complete the turn.
func (m *Monitor) expire(seq uint64) {
	m.mu.Lock()
	if m.seq != seq || !m.active || m.state != stateHasSpeech {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.active = false
	m.state = stateIdle
	text := m.last
	m.last = ""
	m.mu.Unlock()

	m.emit(Completion{Text: text, Kind: CompleteAuto})
}
