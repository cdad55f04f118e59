// Command voiceshield monitors a phone conversation for fraud-call patterns
// and manages the history of monitored calls.
//
// Usage:
//
//	voiceshield [-config path] monitor [-input file]
//	voiceshield [-config path] analyze [-lang tag] text...
//	voiceshield [-config path] history [-limit n] [-offset n] [id]
//	voiceshield [-config path] feedback id scam|safe
//	voiceshield [-config path] mcp
//
// monitor reads "speaker: text" lines from stdin (or -input) as the live
// transcript of the call and prints every risk change.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voiceshield/internal/app"
	"github.com/MrWong99/voiceshield/internal/config"
	"github.com/MrWong99/voiceshield/internal/mcpserver"
	"github.com/MrWong99/voiceshield/internal/session"
	"github.com/MrWong99/voiceshield/pkg/provider/stt/linefeed"
	"github.com/MrWong99/voiceshield/pkg/types"
)

const defaultConfigPath = "voiceshield.yaml"

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("voiceshield", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: voiceshield [-config path] monitor|analyze|history|feedback|mcp [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "voiceshield: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceshield: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var opts []app.Option
	if cmd == "monitor" {
		in, closeIn, err := monitorInput(rest, stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voiceshield: %v\n", err)
			return 2
		}
		defer closeIn()
		opts = append(opts, app.WithSource(linefeed.New(in)))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	switch cmd {
	case "monitor":
		err = monitor(ctx, application, stdout)
	case "analyze":
		err = analyzeText(ctx, application, rest, stdout)
	case "history":
		err = listHistory(ctx, application, rest, stdout)
	case "feedback":
		err = feedback(ctx, application, rest, stdout)
	case "mcp":
		err = serveMCP(ctx, application)
	default:
		fmt.Fprintf(os.Stderr, "voiceshield: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	var usage usageError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintf(os.Stderr, "voiceshield %s: %v\n", cmd, err)
		return 2
	case err != nil && !errors.Is(err, context.Canceled):
		slog.Error(cmd+" failed", "err", err)
		return 1
	}
	return 0
}

// loadConfig treats a missing default file as "use defaults".
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.Load("")
	}
	return cfg, err
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// ── monitor ───────────────────────────────────────────────────────────────────

func monitorInput(args []string, stdin io.Reader) (io.Reader, func(), error) {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	input := fs.String("input", "", "read the transcript from this file instead of stdin")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if *input == "" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(*input)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func monitor(ctx context.Context, a *app.App, out io.Writer) error {
	r := &renderer{out: out}
	final, err := a.Monitor(ctx, r.update)
	if errors.Is(err, session.ErrPermissionDenied) {
		return fmt.Errorf("microphone access denied: %w", err)
	}
	if final.ID != "" {
		printSummary(out, final)
	}
	return err
}

// renderer prints a line whenever the visible state of the call changes.
type renderer struct {
	out  io.Writer
	last string
	days int
}

func (r *renderer) update(s session.Snapshot) {
	if s.Protected && s.ProtectionDaysRemaining != r.days {
		r.days = s.ProtectionDaysRemaining
		fmt.Fprintf(r.out, "protection on: %d days remaining (until %s)\n", r.days, s.ProtectionExpires.Local().Format(time.DateTime))
	}
	line := fmt.Sprintf("[%s] %s %d/100", s.State, s.Risk.Label, s.Risk.Score)
	if s.Risk.Explanation != "" {
		line += "  " + s.Risk.Explanation
	}
	switch {
	case s.ListeningInterrupted:
		line += "  (listening interrupted)"
	case s.Degraded:
		line += "  (reduced confidence: analyzer link " + strings.ToLower(s.Channel.String()) + ")"
	}
	if line == r.last {
		return
	}
	r.last = line
	fmt.Fprintln(r.out, line)
}

func printSummary(out io.Writer, s types.CallSession) {
	fmt.Fprintf(out, "\ncall %s\n", s.ID)
	if s.EndTime != nil {
		fmt.Fprintf(out, "  duration : %s\n", s.EndTime.Sub(s.StartTime).Round(time.Second))
	}
	fmt.Fprintf(out, "  turns    : %d\n", len(s.Transcript))
	if r := s.FinalRisk; r != nil {
		fmt.Fprintf(out, "  risk     : %s (%d/100)\n", r.Label, r.Score)
		if len(r.Triggers) > 0 {
			fmt.Fprintf(out, "  triggers : %s\n", joinTriggers(r.Triggers))
		}
		if r.Explanation != "" {
			fmt.Fprintf(out, "  reason   : %s\n", r.Explanation)
		}
	}
	fmt.Fprintf(out, "\nwas this a scam? run: voiceshield feedback %s scam|safe\n", s.ID)
}

// ── analyze ───────────────────────────────────────────────────────────────────

func analyzeText(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	lang := fs.String("lang", "en", "BCP-47 language tag of the text")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return usageError{"text is required"}
	}
	res, source := a.Analyzer().Analyze(ctx, text, *lang)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		types.RiskResult
		Source string `json:"source"`
	}{res, source})
}

// ── history ───────────────────────────────────────────────────────────────────

func listHistory(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum number of calls to list")
	offset := fs.Int("offset", 0, "number of newest calls to skip")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}

	if id := fs.Arg(0); id != "" {
		s, err := a.History().Get(ctx, id)
		if err != nil {
			return err
		}
		printSummary(out, s)
		for _, t := range s.Transcript {
			fmt.Fprintf(out, "  %s  %-6s %s\n", t.Timestamp.Format(time.TimeOnly), t.Speaker, t.Text)
		}
		return nil
	}

	sessions, err := a.History().List(ctx, *limit, *offset)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no calls recorded")
		return nil
	}
	for _, s := range sessions {
		label, score := types.LabelSafe, 0
		if s.FinalRisk != nil {
			label, score = s.FinalRisk.Label, s.FinalRisk.Score
		}
		fb := "-"
		if s.UserFeedback != nil {
			fb = map[bool]string{true: "scam", false: "safe"}[*s.UserFeedback]
		}
		fmt.Fprintf(out, "%s  %s  %-6s %3d  %3d turns  feedback:%s\n",
			s.ID, s.StartTime.Local().Format(time.DateTime), label, score, len(s.Transcript), fb)
	}
	return nil
}

// ── feedback ──────────────────────────────────────────────────────────────────

func feedback(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) != 2 {
		return usageError{"usage: feedback <id> scam|safe"}
	}
	var isScam bool
	switch strings.ToLower(args[1]) {
	case "scam", "yes", "true":
		isScam = true
	case "safe", "no", "false":
	default:
		return usageError{fmt.Sprintf("verdict %q: want scam or safe", args[1])}
	}
	if err := a.Feedback(ctx, args[0], isScam); err != nil {
		return err
	}
	fmt.Fprintf(out, "recorded feedback for %s\n", args[0])
	return nil
}

// ── mcp ───────────────────────────────────────────────────────────────────────

func serveMCP(ctx context.Context, a *app.App) error {
	srv, err := mcpserver.New(mcpserver.Deps{
		Analyzer: a.Analyzer(),
		History:  a.History(),
		Version:  version,
	})
	if err != nil {
		return err
	}
	slog.Info("mcp server ready on stdio")
	return mcpserver.Serve(ctx, srv)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func joinTriggers(ts []types.Trigger) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}
