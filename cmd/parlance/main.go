// Command parlance is a terminal client for duplex voice-and-text
// conversations with a remote generative service.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parlance/internal/config"
	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/session"
	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/capture"
	"github.com/MrWong99/parlance/pkg/live"
	"github.com/MrWong99/parlance/pkg/playback"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	startMic := flag.Bool("mic", false, "start with the microphone enabled")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlance: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("parlance starting",
		"version", version,
		"config", *configPath,
		"model", cfg.Live.Model,
		"log_level", cfg.Server.LogLevel,
	)

	apiKey := os.Getenv(cfg.Live.APIKeyEnv)
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "parlance: environment variable %s is not set\n", cfg.Live.APIKeyEnv)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parlance",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio devices ─────────────────────────────────────────────────────────
	micDevice, err := capture.NewMalgoDevice(audio.CaptureRate)
	if err != nil {
		slog.Error("failed to initialise capture device", "err", err)
		return 1
	}
	defer micDevice.Close()

	gate := capture.NewGate(cfg.Capture.GateThreshold, cfg.Capture.GateSilence.Std())
	pipeline := capture.NewPipeline(micDevice, audio.CaptureRate,
		capture.WithFrameSize(cfg.Capture.FrameSize),
		capture.WithGate(gate),
	)

	speaker, err := playback.NewOtoDevice(audio.PlaybackRate)
	if err != nil {
		slog.Error("failed to initialise playback device", "err", err)
		return 1
	}
	scheduler := playback.NewScheduler(speaker, audio.PlaybackRate,
		playback.WithSubBufferDuration(cfg.Playback.SubBuffer.Std()),
		playback.WithLookAhead(cfg.Playback.LookAhead.Std()),
		playback.WithIdlePoll(cfg.Playback.IdlePoll.Std()),
		playback.WithInitialDelay(cfg.Playback.InitialDelay.Std()),
	)
	scheduler.OnUnderrun(func() {
		metrics.PlaybackUnderruns.Add(context.Background(), 1)
	})

	// ── Session ───────────────────────────────────────────────────────────────
	decls := toolDeclarations()
	client := live.NewClient(live.Config{
		URL:                  cfg.Live.URL,
		Credential:           apiKey,
		Setup:                session.BuildSetup(cfg.Live, decls),
		MaxReconnectAttempts: cfg.Live.MaxReconnectAttempts,
		ReconnectBase:        cfg.Live.ReconnectBase.Std(),
		ReconnectMax:         cfg.Live.ReconnectMax.Std(),
	})

	sess, err := session.New(session.Config{
		Transport: client,
		Capture:   pipeline,
		Player:    scheduler,
		Notifier:  terminalNotifier{},
		Metrics:   metrics,
	})
	if err != nil {
		slog.Error("failed to assemble session", "err", err)
		return 1
	}
	registerBuiltinTools(sess)

	// ── Config hot-reload (gate tuning only) ──────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		gate.SetParams(next.Capture.GateThreshold, next.Capture.GateSilence.Std())
		slog.Info("voice gate parameters reloaded",
			"threshold", next.Capture.GateThreshold,
			"silence", next.Capture.GateSilence.Std(),
		)
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	if err := sess.Connect(ctx); err != nil {
		slog.Error("failed to connect", "err", err)
		return 1
	}

	if *startMic {
		if _, err := sess.ToggleMicrophone(); err != nil {
			slog.Warn("could not start microphone", "err", err)
		}
	}

	slog.Info("session ready — type a message, /mic to toggle the microphone, /quit to exit")

	// ── Run loops ─────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr) })
	}
	g.Go(func() error { return eventLoop(gctx, sess) })
	g.Go(func() error { return inputLoop(gctx, sess) })

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")
	if cerr := sess.Close(); cerr != nil {
		slog.Warn("session close error", "err", cerr)
	}
	if serr := speaker.Close(); serr != nil {
		slog.Warn("playback device close error", "err", serr)
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errQuit) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// errQuit signals a user-requested exit through the errgroup.
var errQuit = errors.New("quit requested")

// ── Interaction loops ─────────────────────────────────────────────────────────

// eventLoop prints the session's status events to the terminal.
func eventLoop(ctx context.Context, sess *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sess.Events():
			switch ev.Kind {
			case session.EventText:
				fmt.Print(ev.Text)
			case session.EventTranscription:
				fmt.Printf("\n[you] %s\n", ev.Text)
			case session.EventTurnComplete:
				if ev.Result != nil && ev.Result.Voice.Transcription != "" {
					fmt.Printf("\n[model] %s\n", ev.Result.Voice.Transcription)
				}
				fmt.Println()
			case session.EventInterrupted:
				fmt.Println("\n[interrupted]")
			case session.EventMicrophone:
				if ev.MicOn {
					fmt.Println("[microphone on]")
				} else {
					fmt.Println("[microphone off]")
				}
			case session.EventConnection:
				slog.Debug("connection state changed", "state", ev.State)
			case session.EventToolCall:
				if ev.Call != nil {
					slog.Debug("tool call", "id", ev.Call.ID, "name", ev.Call.Name, "status", ev.Call.Status)
				}
			case session.EventGoAway:
				fmt.Printf("\n[service will disconnect soon: %s]\n", ev.Text)
			case session.EventError:
				slog.Warn("session error", "err", ev.Err)
			}
		}
	}
}

// inputLoop reads user commands and text from stdin.
func inputLoop(ctx context.Context, sess *session.Session) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit", line == "/exit":
				return errQuit
			case line == "/mic":
				if _, err := sess.ToggleMicrophone(); err != nil {
					slog.Warn("microphone toggle failed", "err", err)
				}
			case line == "/stats":
				s := sess.ToolStats()
				fmt.Printf("tool calls: active=%d completed=%d failed=%d cancelled=%d total=%d\n",
					s.Active, s.Completed, s.Failed, s.Cancelled, s.Total)
			case strings.HasPrefix(line, "/"):
				fmt.Println("commands: /mic /stats /quit")
			default:
				if err := sess.SendText(ctx, line); err != nil {
					slog.Warn("failed to send text", "err", err)
				}
			}
		}
	}
}

// serveMetrics exposes the Prometheus /metrics endpoint until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("metrics endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ── Tools ─────────────────────────────────────────────────────────────────────

// toolDeclarations lists the functions advertised to the model in the setup
// envelope. Must stay in sync with registerBuiltinTools.
func toolDeclarations() []live.FunctionDeclaration {
	return []live.FunctionDeclaration{
		{
			Name:        "get_time",
			Description: "Returns the current local date and time.",
		},
	}
}

// registerBuiltinTools wires the built-in tool handlers into the session.
func registerBuiltinTools(sess *session.Session) {
	sess.RegisterTool("get_time", func(_ context.Context, _ map[string]any) (any, error) {
		return time.Now().Format(time.RFC1123), nil
	})
}

// terminalNotifier prints out-of-band notices to stderr.
type terminalNotifier struct{}

func (terminalNotifier) Notify(message, kind string) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", kind, message)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Parlance — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Live.Model)
	printRow("Voice", cfg.Live.Voice)
	printRow("Capture", fmt.Sprintf("%d Hz / %d smp", audio.CaptureRate, cfg.Capture.FrameSize))
	printRow("Playback", fmt.Sprintf("%d Hz", audio.PlaybackRate))
	printRow("Gate", fmt.Sprintf("%.3f / %s", cfg.Capture.GateThreshold, cfg.Capture.GateSilence.Std()))
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics", cfg.Server.MetricsAddr)
	} else {
		printRow("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s : %-20s ║\n", label, value)
}
