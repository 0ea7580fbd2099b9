package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamConfig controls the websocket transcription connection.
type StreamConfig struct {
	URL        string // wss endpoint of the transcription service
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Channels   int
}

// Stream is a websocket-backed transcription source. Audio chunks go out,
// transcript events come back; the cumulative transcript for the capture is
// assembled from finalized segments plus the current interim segment.
type Stream struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	events    chan Event
	audio     chan []byte
	closeSend chan struct{} // closed by CloseSend; audio itself is never closed
	sendDone  chan struct{} // closed when the write loop exits
	done      chan struct{}

	wg sync.WaitGroup

	closeSendOnce sync.Once
	closeOnce     sync.Once
}

// Dial opens a transcription session. A failed connection is an engine
// start failure; a missing key is an authorization failure.
func Dial(ctx context.Context, cfg StreamConfig, logger zerolog.Logger) (*Stream, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &CaptureError{Code: ErrAuthorizationDenied, Detail: "transcription API key is not configured"}
	}

	wsURL, err := buildListenURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, &CaptureError{Code: ErrEngineStart, Detail: err.Error()}
	}

	s := &Stream{
		conn:      conn,
		logger:    logger,
		events:    make(chan Event, 64),
		audio:     make(chan []byte, 32),
		closeSend: make(chan struct{}),
		sendDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

func buildListenURL(cfg StreamConfig) (string, error) {
	base := cfg.URL
	if base == "" {
		base = "wss://api.deepgram.com/v1/listen"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid transcription URL: %w", err)
	}

	q := u.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", fmt.Sprint(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", fmt.Sprint(cfg.Channels))
	}
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Events implements Source.
func (s *Stream) Events() <-chan Event { return s.events }

// SendAudio queues one audio chunk for the service. Safe to call
// concurrently with CloseSend and Close; it reports an error instead of
// queueing once the send side has been shut down.
func (s *Stream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	select {
	case <-s.closeSend:
		return errors.New("audio stream is already closed")
	default:
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.closeSend:
		return errors.New("audio stream is already closed")
	case <-s.sendDone:
		return errors.New("transcription session closed")
	}
}

// CloseSend signals that no more audio will follow, prompting the service
// to flush its final transcript.
func (s *Stream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		close(s.closeSend)
	})
	return nil
}

// Close implements Source.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseSend()
		_ = s.conn.Close()
	})
	return nil
}

// transcriptFrame is the service's result message.
type transcriptFrame struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	var finalized []string
	var interim string

	cumulative := func() string {
		parts := append([]string(nil), finalized...)
		if interim != "" {
			parts = append(parts, interim)
		}
		return strings.Join(parts, " ")
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case s.events <- Event{Kind: EventError, Err: &CaptureError{Code: ErrStream, Detail: err.Error()}}:
			default:
			}
			return
		}

		var frame transcriptFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug().Err(err).Msg("skipping undecodable transcript frame")
			continue
		}

		switch frame.Type {
		case "Error":
			s.events <- Event{Kind: EventError, Err: &CaptureError{Code: ErrStream, Detail: frame.Description}}
			return
		case "Metadata":
			continue
		}

		var segment string
		if len(frame.Channel.Alternatives) > 0 {
			segment = strings.TrimSpace(frame.Channel.Alternatives[0].Transcript)
		}

		if frame.IsFinal && segment != "" {
			finalized = append(finalized, segment)
			interim = ""
		} else if segment != "" {
			interim = segment
		}

		if frame.SpeechFinal {
			s.events <- Event{Kind: EventFinal, Text: cumulative()}
			finalized = nil
			interim = ""
			continue
		}

		if text := cumulative(); text != "" {
			s.events <- Event{Kind: EventDelta, Text: text}
		}
	}
}

func (s *Stream) writeLoop() {
	defer s.wg.Done()
	defer close(s.sendDone)

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.logger.Debug().Err(err).Msg("audio write failed")
				return
			}
		case <-s.closeSend:
			s.flushAudio()
			return
		}
	}
}

// flushAudio drains chunks queued before CloseSend, then sends the empty
// binary frame that tells the service the audio stream has ended.
func (s *Stream) flushAudio() {
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.logger.Debug().Err(err).Msg("audio write failed")
				return
			}
		default:
			_ = s.conn.WriteMessage(websocket.BinaryMessage, []byte{})
			return
		}
	}
}
