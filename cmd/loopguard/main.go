package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ravi-parthasarathy/loopguard/pkg/config"
	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
	"github.com/ravi-parthasarathy/loopguard/pkg/proxy"
	"github.com/ravi-parthasarathy/loopguard/pkg/session"

	// Register all LLM providers via their init() functions.
	_ "github.com/ravi-parthasarathy/loopguard/pkg/llm/providers"
)

const defaultModel = "anthropic:claude-sonnet-4-6"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globalOpts holds the persistent flags and the config they resolve to.
type globalOpts struct {
	configPath string
	logLevel   string

	file *config.File
}

func rootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:   "loopguard",
		Short: "Loop detection for LLM output streams and tool calls",
		Long: `loopguard cuts off LLM responses that fall into repeating text and
stops agents that call the same tool with the same arguments over and over.

Settings resolve per request: session overrides, then per-model defaults,
then the server section of the config file, then built-in defaults.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: search loopguard.yaml, ~/.config/loopguard, /etc/loopguard)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (overrides config)")

	root.AddCommand(scanCmd(opts))
	root.AddCommand(toolcheckCmd(opts))
	root.AddCommand(chatCmd(opts))
	root.AddCommand(statesCmd())
	root.AddCommand(configCmd(opts))
	return root
}

// setup loads the config file and installs the default logger.
func (o *globalOpts) setup(stderr io.Writer) error {
	f, path, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	name := f.LogLevel
	if o.logLevel != "" {
		name = o.logLevel
	}
	level, err := config.ParseLogLevel(name)
	if err != nil {
		return err
	}
	slog.SetDefault(config.NewLogger(stderr, level))
	if path != "" {
		slog.Debug("config loaded", "path", path)
	}
	o.file = f
	return nil
}

// loadConfig reads the explicit config file, or the first one found on the
// search path. With no explicit path and nothing found, defaults are used.
func loadConfig(explicit string) (*config.File, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}
	f, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// ─── chat ─────────────────────────────────────────────────────────────────────

func chatCmd(opts *globalOpts) *cobra.Command {
	var (
		model     string
		system    string
		sessionID string
		maxTokens int
	)
	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Stream one prompt through the proxy against a real backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sessions := session.NewStore(opts.file.SessionIdleTTL)
			go sessions.Run(ctx, time.Minute)

			events := make(chan proxy.Event, 16)
			p := proxy.New(
				config.NewResolver(opts.file),
				sessions,
				proxy.WithBackend(proxy.FileBackend(opts.file)),
				proxy.WithCancelGrace(opts.file.CancelGrace),
				proxy.WithEvents(events),
			)
			req := llm.GenerateRequest{
				Model:     model,
				System:    system,
				MaxTokens: maxTokens,
				Messages:  []llm.Message{llm.TextMessage(llm.RoleUser, strings.Join(args, " "))},
			}
			ch, err := p.Stream(ctx, sessionID, req)
			if err != nil {
				return err
			}
			err = printStream(cmd.OutOrStdout(), ch)
			reportEvents(cmd.ErrOrStderr(), events)
			return err
		},
	}
	cmd.Flags().StringVar(&model, "model", defaultModel, "LLM model (provider:model-id)")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (default: a new random ID)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "per-response token budget (0 = provider default)")
	return cmd
}

// printStream writes deltas as they arrive and returns the first stream error.
func printStream(w io.Writer, ch <-chan llm.StreamEvent) error {
	var errs []error
	for ev := range ch {
		switch ev.Type {
		case llm.StreamEventDelta:
			fmt.Fprint(w, ev.Text)
		case llm.StreamEventToolUse:
			if ev.ToolUse != nil {
				fmt.Fprintf(w, "\n[tool_use %s %s]", ev.ToolUse.Name, ev.ToolUse.Input)
			}
		case llm.StreamEventError:
			errs = append(errs, ev.Err)
		}
	}
	fmt.Fprintln(w)
	return errors.Join(errs...)
}

func reportEvents(w io.Writer, events chan proxy.Event) {
	for {
		select {
		case ev := <-events:
			fmt.Fprintf(w, "[%s] session=%s %s\n", ev.Type, ev.SessionID, ev.Content)
		default:
			return
		}
	}
}

// ─── config ───────────────────────────────────────────────────────────────────

func configCmd(opts *globalOpts) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved settings for a model as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := config.NewResolver(opts.file).Resolve(model, config.Overrides{})
			data, err := yaml.Marshal(config.Explicit(s))
			if err != nil {
				return fmt.Errorf("marshal settings: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# resolved for %s\n%s", model, data)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", defaultModel, "model ID to resolve settings for")
	return cmd
}
