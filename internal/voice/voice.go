// Package voice wraps a live transcription source and decides when a voice
// turn is complete based on transcript inactivity.
package voice

import "fmt"

// EventKind classifies transcription source events.
type EventKind int

const (
	// EventDelta carries the current transcript text.
	EventDelta EventKind = iota
	// EventFinal signals end of recognition; Text carries the final
	// transcript.
	EventFinal
	// EventError signals a capture failure; Err carries a *CaptureError.
	EventError
	// EventUnavailable signals the recognizer went away mid-capture.
	EventUnavailable
)

// Event is one message from a transcription source.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Source is a live transcription stream: text deltas followed by a final or
// error signal. Implemented by Stream; tests use channel-backed fakes.
type Source interface {
	Events() <-chan Event
	Close() error
}

// ErrorCode identifies a voice capture failure class.
type ErrorCode string

const (
	ErrRecognizerUnavailable ErrorCode = "recognizer_unavailable"
	ErrAuthorizationDenied   ErrorCode = "authorization_denied"
	ErrAuthorizationRestrict ErrorCode = "authorization_restricted"
	ErrMicrophoneDenied      ErrorCode = "microphone_denied"
	ErrEngineStart           ErrorCode = "engine_start_failed"
	ErrStream                ErrorCode = "stream_error"
)

// CaptureError is a voice failure surfaced as a persistent user-visible
// status, distinct from transport and protocol errors. Capture is
// force-stopped whenever one occurs.
type CaptureError struct {
	Code   ErrorCode
	Detail string
}

func (e *CaptureError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}
