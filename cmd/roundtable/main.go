// Roundtable hosts multi-persona conversations: several configured
// personas share one conversation, answer the user and each other when
// @mentioned, and see long histories through compressed summaries.
//
// Usage:
//
//	roundtable serve                 Start the API server
//	roundtable init [dir]            Write an example config.yaml
//	roundtable ask [-c id] <text>    Submit one turn and print the replies
//	roundtable version               Print version and build information
//	roundtable -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/roundtable/examples"
	"github.com/nugget/roundtable/internal/agent"
	"github.com/nugget/roundtable/internal/api"
	"github.com/nugget/roundtable/internal/buildinfo"
	"github.com/nugget/roundtable/internal/config"
	"github.com/nugget/roundtable/internal/content"
	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/events"
	"github.com/nugget/roundtable/internal/fetch"
	"github.com/nugget/roundtable/internal/llm"
	"github.com/nugget/roundtable/internal/memory"
	"github.com/nugget/roundtable/internal/mqtt"
	"github.com/nugget/roundtable/internal/scheduler"
	"github.com/nugget/roundtable/internal/search"
	"github.com/nugget/roundtable/internal/session"
	"github.com/nugget/roundtable/internal/tools"
	"github.com/nugget/roundtable/internal/upload"
	"github.com/nugget/roundtable/internal/usage"
)

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit and os.Args out of the testable lifecycle.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Flags are parsed by hand because the
// flag package's globals interfere with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Roundtable - multi-persona conversation engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: roundtable [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the API server")
	fmt.Fprintln(w, "  init [dir]         Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-c id] text   Submit one turn and print the replies")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runInit writes the example configuration into dir. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(path, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "kept existing %s\n", path)
	}
	fmt.Fprintln(w, "Set llm.api_key (or ROUNDTABLE_API_KEY) and edit the personas, then run: roundtable serve")
	return nil
}

func writeIfMissing(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}

// loadConfig locates, parses and validates the configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// app holds the wired components shared by serve and ask.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	manager *session.Manager
	usage   *usage.Store
	runs    *scheduler.Store
	daily   *mqtt.DailyTokens
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// build wires the engine. With persist set, summaries, usage and task
// runs go to SQLite under the data directory; otherwise everything is
// in memory.
func build(cfg *config.Config, logger *slog.Logger, client llm.Client, persist bool, onStatus func(string, scheduler.Status)) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}

	personas, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	tracker, err := upload.NewTracker(cfg.Uploads.TrackerSize, cfg.Uploads.TTL)
	if err != nil {
		return nil, fmt.Errorf("upload tracker: %w", err)
	}

	loc := time.Local
	if cfg.Tools.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Tools.Timezone); err != nil {
			return nil, fmt.Errorf("tools.timezone: %w", err)
		}
	}
	registry := tools.NewRegistry(logger)
	registry.Register(tools.CurrentTime(loc, time.Now))
	if cfg.Tools.WebFetch {
		registry.Register(fetch.Tool(fetch.New()))
	}
	if sc := cfg.Tools.Search; sc.Configured() {
		searcher := search.NewManager(sc.Default, logger)
		if sc.SearXNGURL != "" {
			searcher.Register(search.NewSearXNG(sc.SearXNGURL))
		}
		if sc.BraveAPIKey != "" {
			searcher.Register(search.NewBrave(sc.BraveAPIKey))
		}
		registry.Register(search.Tool(searcher))
	}

	a.daily = mqtt.NewDailyTokens(loc)
	var summaries memory.SummaryStore = memory.NewMemoryStore()
	var recorders []usage.Recorder
	if persist {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		if a.usage, err = usage.NewStore(cfg.Path("usage.db"), cfg.Pricing); err != nil {
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		a.closers = append(a.closers, a.usage)
		recorders = append(recorders, a.usage)

		sqlSummaries, err := memory.NewSQLiteStore(cfg.Path("memory.db"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open summary store: %w", err)
		}
		a.closers = append(a.closers, sqlSummaries)
		summaries = sqlSummaries

		if a.runs, err = scheduler.NewStore(cfg.Path("runs.db")); err != nil {
			a.Close()
			return nil, fmt.Errorf("open run store: %w", err)
		}
		a.closers = append(a.closers, a.runs)
	}
	recorders = append(recorders, a.daily)
	tee := usage.NewTee(cfg.Pricing, recorders...)

	loop := agent.NewLoop(client, registry, personas, logger,
		agent.WithDefaultModel(cfg.LLM.DefaultModel),
		agent.WithMaxOutputTokens(cfg.LLM.MaxOutputTokens),
		agent.WithThoughts(cfg.LLM.IncludeThoughts),
		agent.WithTracker(tracker),
		agent.WithUsage(tee),
		agent.WithEventBus(a.bus),
	)
	uploader := upload.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, tracker, logger)
	preparer := content.New(uploader, tracker, logger)

	deps := session.Deps{
		Personas:        personas,
		Loop:            loop,
		Preparer:        preparer,
		Summaries:       summaries,
		Summarizer:      memory.NewLLMSummarizer(client, cfg.LLM.SummaryModel, tee, logger),
		Bus:             a.bus,
		Logger:          logger,
		Scheduler:       cfg.Scheduler,
		Memory:          cfg.Memory.Config,
		DisableMemory:   cfg.Memory.Disabled,
		DefaultPersonas: cfg.DefaultPersonas,
		OnStatus:        onStatus,
	}
	if a.runs != nil {
		deps.Recorder = a.runs
	}
	if a.manager, err = session.NewManager(deps); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// runServe starts the API server, and the MQTT publisher when
// configured, and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting Roundtable",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"personas", len(cfg.Personas),
		"default_model", cfg.LLM.DefaultModel,
		"memory", !cfg.Memory.Disabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats := &statsAdapter{model: cfg.LLM.DefaultModel}
	var publisher *mqtt.Publisher
	var onStatus func(string, scheduler.Status)

	client := llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger)

	// The publisher needs the manager for its stats and ask topic, and
	// the manager needs the publisher's status observer, so the observer
	// is bound first and the manager attached once built.
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		var a *app
		submit := func(ctx context.Context, conversationID, text string) error {
			if a == nil {
				return errors.New("not ready")
			}
			return submitText(ctx, a.manager, conversationID, text)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, nil, stats, logger, mqtt.WithAsk(submit))
		onStatus = publisher.ObserveStatus

		a, err = build(cfg, logger, client, true, onStatus)
		if err != nil {
			return err
		}
		return serve(ctx, a, stats, publisher)
	}

	a, err := build(cfg, logger, client, true, onStatus)
	if err != nil {
		return err
	}
	return serve(ctx, a, stats, nil)
}

func serve(ctx context.Context, a *app, stats *statsAdapter, publisher *mqtt.Publisher) error {
	defer a.Close()
	stats.sessions = a.manager
	logger := a.logger

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.manager, logger,
		api.WithEventBus(a.bus),
		api.WithRuns(a.runs),
		api.WithUsage(a.usage),
	)

	if publisher != nil {
		publisher.SetTokens(a.daily)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		if err := a.manager.Close(shutdownCtx); err != nil {
			logger.Error("session shutdown failed", "error", err)
		}
		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	<-ctx.Done()

	logger.Info("Roundtable stopped")
	return nil
}

// submitText delivers one plain-text user turn to a conversation.
func submitText(ctx context.Context, m *session.Manager, conversationID, text string) error {
	s, err := m.GetOrCreate(conversationID)
	if err != nil {
		return err
	}
	_, err = s.Submit(ctx, text, nil)
	return err
}

// runAsk submits one turn to an in-memory conversation, waits for every
// reply including mention fan-out, and prints them.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	convID := "cli"
	if len(args) >= 2 && args[0] == "-c" {
		convID = args[1]
		args = args[2:]
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return errors.New("usage: roundtable ask [-c conversation] <text>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)
	client := llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger)
	return ask(ctx, stdout, cfg, logger, client, convID, text, outputFmt)
}

func ask(ctx context.Context, w io.Writer, cfg *config.Config, logger *slog.Logger, client llm.Client, convID, text, outputFmt string) error {
	a, err := build(cfg, logger, client, false, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.manager.Close(context.WithoutCancel(ctx))

	s, err := a.manager.GetOrCreate(convID)
	if err != nil {
		return err
	}
	sub, err := s.Submit(ctx, text, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if err := s.Wait(ctx); err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	var replies []conversation.Message
	for _, m := range s.Messages() {
		if m.ID != sub.Message.ID && m.Speaker == conversation.SpeakerModel {
			replies = append(replies, m)
		}
	}
	sort.SliceStable(replies, func(i, j int) bool { return replies[i].Timestamp < replies[j].Timestamp })

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"conversation_id": convID, "message": sub.Message, "replies": replies})
	}
	for _, m := range replies {
		fmt.Fprintf(w, "%s: %s\n", m.Persona, m.Text())
	}
	return nil
}

// statsAdapter bridges build info and the session manager to the MQTT
// publisher's [mqtt.StatsSource].
type statsAdapter struct {
	model    string
	sessions *session.Manager
}

func (a *statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string       { return buildinfo.Version }
func (a *statsAdapter) DefaultModel() string  { return a.model }

func (a *statsAdapter) ActiveSessions() int {
	if a.sessions == nil {
		return 0
	}
	return len(a.sessions.IDs())
}

func (a *statsAdapter) Status() scheduler.Status {
	if a.sessions == nil {
		return scheduler.Status{}
	}
	return a.sessions.Status()
}
