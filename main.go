package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/n0madic/go-responses/internal/config"
	"github.com/n0madic/go-responses/internal/conversation"
	"github.com/n0madic/go-responses/internal/limits"
	"github.com/n0madic/go-responses/internal/statestore"
	"github.com/n0madic/go-responses/internal/stream"
	"github.com/n0madic/go-responses/internal/tools"
	"github.com/n0madic/go-responses/internal/types"
)

const usage = "Commands: send, stream, tools, health, state"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: go-responses <command> [flags]")
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	switch os.Args[1] {
	case "send":
		os.Exit(cmdSend(os.Args[2:]))
	case "stream":
		os.Exit(cmdStream(os.Args[2:]))
	case "tools":
		os.Exit(cmdTools(os.Args[2:]))
	case "health":
		os.Exit(cmdHealth(os.Args[2:]))
	case "state":
		os.Exit(cmdState(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	configPath string
	verbose    bool
	model      string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.BoolVar(&f.verbose, "verbose", false, "Enable verbose logging")
	fs.StringVar(&f.model, "model", "", "Model override")
}

// setup loads the configuration and builds a client. The returned cleanup
// closes the client and the state store.
func (f *commonFlags) setup(ctx context.Context) (*conversation.Client, func(), error) {
	cfg := config.DefaultFromEnv()
	if f.configPath != "" {
		if err := cfg.LoadFile(f.configPath); err != nil {
			return nil, nil, err
		}
	}
	if f.verbose {
		cfg.Verbose = true
	}
	if f.model != "" {
		cfg.Model = f.model
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	deps := conversation.Dependencies{Logger: logger, Limits: &limits.Tracker{}}
	var closeStore func() error
	if cfg.RedisURL != "" {
		store, err := statestore.DialRedis(ctx, cfg.RedisURL, cfg.RedisPrefix, cfg.StateTTL)
		if err != nil {
			return nil, nil, err
		}
		deps.Store = store
		closeStore = store.Close
	}

	client := conversation.New(cfg, deps)
	if client.MockMode() {
		logger.Info("no API key configured; using mock responses")
	}
	cleanup := func() {
		client.Close() //nolint:errcheck
		if closeStore != nil {
			if err := closeStore(); err != nil {
				logger.Warn("failed to close state store", "error", err)
			}
		}
	}
	return client, cleanup, nil
}

func cmdSend(args []string) int {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	input := fs.String("input", "", "Message text")
	jsonMode := fs.Bool("json", false, "Request a JSON object response")
	instructions := fs.String("instructions", "", "System instructions")
	previous := fs.String("previous", "", "Continue from this response id")
	temperature := fs.Float64("temperature", -1, "Sampling temperature (0-2)")
	maxTokens := fs.Int("max-output-tokens", 0, "Output token limit")
	user := fs.String("user", "", "User id for a stored conversation")
	contextName := fs.String("context", "", "Conversation name for a stored conversation")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, cleanup, err := common.setup(ctx)
	if err != nil {
		slog.Error("setup failed", "error", err)
		return 1
	}
	defer cleanup()

	opts := conversation.Options{
		Instructions:       *instructions,
		PreviousResponseID: *previous,
		MaxOutputTokens:    *maxTokens,
	}
	if *temperature >= 0 {
		opts.Temperature = types.Float64Ptr(*temperature)
	}
	msg := types.Message{Input: types.TextInput(*input)}

	var resp *types.ResponseObject
	switch {
	case *jsonMode:
		var out any
		resp, err = client.SendJSON(ctx, msg, opts, &out)
		if err == nil {
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
		}
	case *user != "" || *contextName != "":
		resp, err = client.Converse(ctx, conversation.ConversationRef{UserID: *user, Context: *contextName}, msg, opts)
		if err == nil {
			fmt.Println(resp.OutputText())
		}
	default:
		resp, err = client.Send(ctx, msg, opts)
		if err == nil {
			fmt.Println(resp.OutputText())
		}
	}
	if err != nil {
		slog.Error("send failed", "error", err)
		return 1
	}
	printResponseFooter(resp)
	return 0
}

func cmdStream(args []string) int {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	input := fs.String("input", "", "Message text")
	instructions := fs.String("instructions", "", "System instructions")
	previous := fs.String("previous", "", "Continue from this response id")
	fs.Parse(args)

	client, cleanup, err := common.setup(context.Background())
	if err != nil {
		slog.Error("setup failed", "error", err)
		return 1
	}
	defer cleanup()

	ctrl, err := client.CreateStreamController(context.Background(),
		types.Message{Input: types.TextInput(*input)},
		conversation.Options{Instructions: *instructions, PreviousResponseID: *previous},
		stream.Handlers{
			OnText: func(_, delta string) { fmt.Print(delta) },
			OnToolCall: func(call types.ToolCall) {
				fmt.Printf("\n[tool call] %s(%s)\n", call.Function.Name, call.Function.Arguments)
			},
		})
	if err != nil {
		slog.Error("stream failed", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cancelling stream.")
			ctrl.Cancel()
		case <-ctrl.Done():
		}
	}()

	outcome, err := ctrl.Wait(context.Background())
	fmt.Println()
	switch outcome {
	case stream.OutcomeCompleted:
		printResponseFooter(ctrl.Response())
		return 0
	case stream.OutcomeCancelled:
		return 130
	default:
		slog.Error("stream ended", "outcome", outcome.String(), "error", err)
		return 1
	}
}

// weatherArgs are the arguments of the demo weather tool.
type weatherArgs struct {
	City  string `json:"city" jsonschema:"description=City name"`
	Units string `json:"units,omitempty" jsonschema:"enum=celsius,enum=fahrenheit"`
}

func cmdTools(args []string) int {
	fs := flag.NewFlagSet("tools", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	input := fs.String("input", "What's the weather in Paris?", "Message text")
	force := fs.Bool("force", true, "Force the weather tool on the first turn")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, cleanup, err := common.setup(ctx)
	if err != nil {
		slog.Error("setup failed", "error", err)
		return 1
	}
	defer cleanup()

	def, err := tools.FunctionToolFor[weatherArgs]("get_weather", "Get the current weather for a city")
	if err != nil {
		slog.Error("define tool", "error", err)
		return 1
	}
	var opts conversation.Options
	if *force {
		choice := tools.ForceFunctionCall(def.Name)
		opts.ToolChoice = &choice
	}

	handler := conversation.ToolHandlerFunc(func(ctx context.Context, call types.ToolCall) (any, error) {
		args, err := tools.DecodeToolArguments[weatherArgs](call)
		if err != nil {
			return nil, err
		}
		units := args.Units
		if units == "" {
			units = "celsius"
		}
		fmt.Printf("[tool call] %s(%s)\n", call.Function.Name, call.Function.Arguments)
		return map[string]any{"city": args.City, "temperature": 21, "units": units, "conditions": "clear"}, nil
	})

	resp, err := client.RunToolLoop(ctx, types.Message{Input: types.TextInput(*input)}, []types.ToolDefinition{def}, handler, opts)
	if err != nil {
		slog.Error("tool loop failed", "error", err)
		return 1
	}
	fmt.Println(resp.OutputText())
	printResponseFooter(resp)
	return 0
}

func cmdHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	jsonOut := fs.Bool("json", false, "Print the report as JSON")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, cleanup, err := common.setup(ctx)
	if err != nil {
		slog.Error("setup failed", "error", err)
		return 1
	}
	defer cleanup()

	report := client.CheckHealth(ctx)
	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("Status: %s\n", report.Status)
		fmt.Printf("Model: %s\n", report.Model)
		fmt.Printf("Response time: %dms\n", report.ResponseTimeMs)
		if report.Error != "" {
			fmt.Printf("Error: %s\n", report.Error)
		}
		fmt.Println()
		printRateLimits(report.RateLimit)
	}
	if report.Status == conversation.HealthUnhealthy {
		return 1
	}
	return 0
}

func cmdState(args []string) int {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	user := fs.String("user", "", "User id")
	contextName := fs.String("context", "", "Conversation name")
	del := fs.Bool("delete", false, "Delete the conversation state")
	fs.Parse(args)

	ctx := context.Background()
	client, cleanup, err := common.setup(ctx)
	if err != nil {
		slog.Error("setup failed", "error", err)
		return 1
	}
	defer cleanup()

	key := conversation.StateKey(*user, *contextName)
	if *del {
		if err := client.DeleteConversationState(ctx, key); err != nil {
			slog.Error("delete failed", "error", err)
			return 1
		}
		fmt.Printf("Deleted %s\n", key)
		return 0
	}

	state, err := client.FindOrCreateConversationState(ctx, *user, *contextName, nil)
	if err != nil {
		slog.Error("state lookup failed", "error", err)
		return 1
	}
	data, _ := json.MarshalIndent(state, "", "  ")
	fmt.Println(string(data))
	return 0
}

func printResponseFooter(resp *types.ResponseObject) {
	if resp == nil {
		return
	}
	line := fmt.Sprintf("[%s %s]", resp.ID, resp.Status)
	if resp.Usage != nil {
		line = fmt.Sprintf("[%s %s, %d in / %d out tokens]", resp.ID, resp.Status, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	fmt.Fprintln(os.Stderr, line)
}

func printRateLimits(stored *limits.StoredSnapshot) {
	fmt.Println("Rate Limits")

	if stored == nil {
		fmt.Println("  No rate limit headers seen yet.")
		return
	}
	fmt.Printf("Last updated: %s\n", formatLocalDateTime(stored.CapturedAt))
	fmt.Println()

	type windowInfo struct {
		desc   string
		window *limits.RateLimitWindow
	}
	var windows []windowInfo
	if stored.Snapshot.Requests != nil {
		windows = append(windows, windowInfo{"Requests", stored.Snapshot.Requests})
	}
	if stored.Snapshot.Tokens != nil {
		windows = append(windows, windowInfo{"Tokens", stored.Snapshot.Tokens})
	}

	for i, wi := range windows {
		if i > 0 {
			fmt.Println()
		}
		pct := clampPercent(wi.window.UsedPercent)
		color := usageColor(pct)
		reset := "\033[0m"

		fmt.Printf("%s (%d of %d left)\n", wi.desc, wi.window.Remaining, wi.window.Limit)
		fmt.Printf("%s%s%s %s%5.1f%% used%s\n", color, renderProgressBar(pct), reset, color, pct, reset)
		if resetAt := limits.ComputeResetAt(stored.CapturedAt, wi.window); resetAt != nil {
			fmt.Printf("    Resets in: %s at %s\n", formatResetDuration(*wi.window.ResetsIn), formatLocalDateTime(*resetAt))
		}
	}
}

const barSegments = 30

func renderProgressBar(pct float64) string {
	ratio := pct / 100.0
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio*float64(barSegments) + 0.5)
	if filled > barSegments {
		filled = barSegments
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", barSegments-filled) + "]"
}

func usageColor(pct float64) string {
	if pct >= 90 {
		return "\033[91m"
	} else if pct >= 75 {
		return "\033[93m"
	} else if pct >= 50 {
		return "\033[94m"
	}
	return "\033[92m"
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatLocalDateTime(t time.Time) string {
	local := t.Local()
	return fmt.Sprintf("%s %s", local.Format("Jan 02, 2006 15:04"), local.Format("MST"))
}

func formatResetDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return "under 1s"
	}
	return d.Round(time.Second).String()
}
