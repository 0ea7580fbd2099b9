package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sr198/motion-by-aiselu/internal/agent"
	"github.com/sr198/motion-by-aiselu/internal/api"
	"github.com/sr198/motion-by-aiselu/internal/config"
	"github.com/sr198/motion-by-aiselu/internal/conversation"
	"github.com/sr198/motion-by-aiselu/internal/export"
	"github.com/sr198/motion-by-aiselu/internal/metrics"
	"github.com/sr198/motion-by-aiselu/internal/protocol"
	"github.com/sr198/motion-by-aiselu/internal/store"
	"github.com/sr198/motion-by-aiselu/internal/voice"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pick the persistence backend: Postgres, then Redis, then SQLite.
	backend, checks, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store initialization failed")
	}
	defer closeStore()

	// Diagnostics listener (health + metrics)
	if cfg.MetricsAddr != "" {
		router := api.NewRouter(logger, checks)
		srv := &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("diagnostics listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("diagnostics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	client := agent.NewClient(cfg.AgentBaseURL, cfg.AgentAppName, cfg.AgentUserID, logger)
	machine := conversation.NewMachine(client, backend, logger)
	exporter := export.NewExporter(cfg.ExportDir, logger)

	app := &app{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		machine:  machine,
		exporter: exporter,
		store:    backend,
		out:      os.Stdout,
	}

	// Stop the REPL on interrupt.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info().Msg("shutting down")
		cancel()
		os.Stdin.Close()
	}()

	app.run(ctx, os.Stdin)
}

// openStore opens the configured backend and returns it with the health
// probes for the diagnostics router and a close function.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (conversation.Store, map[string]api.Pinger, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg, map[string]api.Pinger{"postgres": pg}, pg.Close, nil
	}

	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Msg("connected to Redis")
		return rs, map[string]api.Pinger{"redis": rs}, func() { _ = rs.Close() }, nil
	}

	sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	return sq, map[string]api.Pinger{"sqlite": sq}, sq.Close, nil
}

// app ties the REPL to the state machine and its collaborators.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	client   *agent.Client
	machine  *conversation.Machine
	exporter *export.Exporter
	store    conversation.Store
	out      io.Writer
}

func (a *app) run(ctx context.Context, in io.Reader) {
	fmt.Fprintln(a.out, "Motion by Aiselu: dictate a patient session, get a SOAP report.")
	fmt.Fprintln(a.out, "Type text to send a turn, or /help for commands.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(a.out, "> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := a.command(ctx, line); quit {
				return
			}
			continue
		}

		a.sendText(ctx, line)
	}
}

// command dispatches a slash command; returns true to exit the REPL.
func (a *app) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		a.printHelp()
	case "/voice":
		if len(args) != 1 {
			fmt.Fprintln(a.out, "usage: /voice <audio-file>")
			return false
		}
		a.voiceTurn(ctx, args[0])
	case "/select":
		if len(args) == 0 {
			fmt.Fprintln(a.out, "usage: /select <image-id> [image-id...]")
			return false
		}
		for _, id := range args {
			selected := a.machine.ToggleImage(id)
			state := "deselected"
			if selected {
				state = "selected"
			}
			fmt.Fprintf(a.out, "%s %s\n", state, id)
		}
	case "/submit":
		a.submitSelection(ctx)
	case "/reset":
		a.machine.Reset()
		a.client.Reset()
		fmt.Fprintln(a.out, "started a new session")
	case "/export":
		a.export(args)
	case "/open":
		if len(args) != 1 {
			fmt.Fprintln(a.out, "usage: /open <conversation-id>")
			return false
		}
		a.open(ctx, args[0])
	case "/delete":
		if len(args) != 1 {
			fmt.Fprintln(a.out, "usage: /delete <conversation-id>")
			return false
		}
		if err := a.store.Delete(ctx, args[0]); err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintln(a.out, "deleted")
	case "/list":
		a.list(ctx)
	case "/search":
		if len(args) == 0 {
			fmt.Fprintln(a.out, "usage: /search <query>")
			return false
		}
		a.search(ctx, strings.Join(args, " "))
	case "/quit", "/exit":
		return true
	default:
		fmt.Fprintf(a.out, "unknown command %s; try /help\n", cmd)
	}
	return false
}

func (a *app) printHelp() {
	fmt.Fprint(a.out, `Commands:
  /voice <file>     stream an audio file for transcription and send the result
  /select <id...>   toggle exercise illustration selections
  /submit           submit the selected illustrations
  /reset            start a new session
  /export [json]    export the conversation (plain text by default)
  /open <id>        resume a saved conversation
  /delete <id>      delete a saved conversation
  /list             list saved conversations
  /search <query>   search saved conversations
  /quit             exit
`)
}

func (a *app) sendText(ctx context.Context, text string) {
	before := len(a.machine.Messages())
	msg, err := a.machine.SubmitText(ctx, text)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	a.printResponse(msg, before)
}

func (a *app) submitSelection(ctx context.Context) {
	ids := a.machine.SelectedImages()
	if len(ids) == 0 {
		fmt.Fprintln(a.out, "no illustrations selected")
		return
	}
	before := len(a.machine.Messages())
	msg, err := a.machine.SubmitSelection(ctx, ids)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	a.printResponse(msg, before)
}

// voiceTurn streams an audio file through the transcription service and
// submits the transcript once the capture completes, by silence or by the
// service's final-recognition signal.
func (a *app) voiceTurn(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	defer f.Close()

	stream, err := voice.Dial(ctx, voice.StreamConfig{
		URL:        a.cfg.STTURL,
		APIKey:     a.cfg.STTAPIKey,
		Model:      a.cfg.STTModel,
		Language:   a.cfg.STTLanguage,
		SampleRate: a.cfg.STTSampleRate,
		Channels:   1,
	}, a.logger)
	if err != nil {
		fmt.Fprintf(a.out, "voice error: %v\n", err)
		return
	}
	defer stream.Close()

	monitor := voice.NewMonitor(a.cfg.SilenceTimeout, a.logger)
	a.machine.SetCapture(monitor)
	defer a.machine.SetCapture(nil)

	go monitor.Watch(ctx, stream)
	monitor.Start()

	go func() {
		defer stream.CloseSend()
		buf := make([]byte, 3200)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				if err := stream.SendAudio(buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		monitor.Cancel()
	case c := <-monitor.Completions():
		fmt.Fprintf(a.out, "[%s] %s\n", c.Kind, c.Text)
		if c.Text == "" {
			return
		}
		before := len(a.machine.Messages())
		msg, err := a.machine.SubmitText(ctx, c.Text)
		if err == conversation.ErrTurnInFlight && c.Auto() {
			// An auto-stop racing an outstanding turn is dropped, not queued.
			metrics.DroppedTurns.Inc()
			fmt.Fprintln(a.out, "turn in flight, transcript dropped")
			return
		}
		if err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
			return
		}
		a.printResponse(msg, before)
	case ce := <-monitor.Errors():
		fmt.Fprintf(a.out, "voice error: %v\n", ce)
	}
}

func (a *app) export(args []string) {
	session := a.machine.Session()
	if len(session.Messages) == 0 {
		fmt.Fprintln(a.out, "nothing to export")
		return
	}

	var path string
	var err error
	if len(args) > 0 && args[0] == "json" {
		path, err = a.exporter.ExportJSON(&session)
	} else {
		path, err = a.exporter.ExportText(&session)
	}
	if err != nil {
		fmt.Fprintf(a.out, "export failed: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "exported to %s\n", path)
}

// open resumes a saved conversation. A fresh agent session backs the resumed
// log; the agent's own context does not survive a restart.
func (a *app) open(ctx context.Context, id string) {
	session, err := a.store.Load(ctx, id)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	a.machine.Resume(session, id)
	a.client.Reset()
	fmt.Fprintf(a.out, "resumed %q (%d messages)\n", session.Title(), len(session.Messages))
}

func (a *app) list(ctx context.Context) {
	sums, err := a.store.ListAll(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	a.printSummaries(sums)
}

func (a *app) search(ctx context.Context, query string) {
	sums, err := a.store.Search(ctx, query)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	a.printSummaries(sums)
}

func (a *app) printSummaries(sums []conversation.Summary) {
	if len(sums) == 0 {
		fmt.Fprintln(a.out, "no conversations")
		return
	}
	for _, s := range sums {
		report := ""
		if s.HasReport {
			report = " [report]"
		}
		fmt.Fprintf(a.out, "%s  %s  %s (%d messages)%s\n",
			s.ID, s.UpdatedAt.Format("2006-01-02 15:04"), s.Title, s.MessageCount, report)
	}
}

// printResponse renders the assistant messages appended by the turn that
// just completed, given the log length captured before submitting, plus the
// illustration choices when a selection is pending.
func (a *app) printResponse(msg *protocol.StructuredMessage, before int) {
	if msg == nil {
		return
	}

	msgs := a.machine.Messages()
	if before > len(msgs) {
		before = len(msgs)
	}
	for _, m := range msgs[before:] {
		if m.IsFromUser {
			continue
		}
		fmt.Fprintf(a.out, "assistant: %s\n", m.Content)
		if m.Structured != nil && m.Structured.SOAPReport != nil {
			fmt.Fprint(a.out, renderSOAP(m.Structured.SOAPReport))
		}
	}

	if msg.Type == protocol.TypeExerciseSelection {
		for _, ex := range a.machine.PendingExercises() {
			fmt.Fprintf(a.out, "  %s: %s\n", ex.Name, ex.Description)
			for _, img := range ex.Images {
				fmt.Fprintf(a.out, "    [%s] %s (%s)\n", img.ID, img.Name, img.URL)
			}
		}
		fmt.Fprintln(a.out, "use /select <image-id> then /submit")
	}
}

func renderSOAP(r *protocol.SOAPReport) string {
	var b strings.Builder
	if r.PatientName != "" {
		fmt.Fprintf(&b, "  Patient: %s\n", r.PatientName)
	}
	fmt.Fprintf(&b, "  S: %s\n  O: %s\n  A: %s\n  P: %s\n", r.Subjective, r.Objective, r.Assessment, r.Plan)
	for _, ex := range r.Exercises {
		fmt.Fprintf(&b, "  - %s: %s\n", ex.Name, ex.Description)
	}
	return b.String()
}
