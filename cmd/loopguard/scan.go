package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/ravi-parthasarathy/loopguard/pkg/config"
	"github.com/ravi-parthasarathy/loopguard/pkg/loopdetect"
	"github.com/ravi-parthasarathy/loopguard/pkg/toolloop"
)

// ─── scan ─────────────────────────────────────────────────────────────────────

func scanCmd(opts *globalOpts) *cobra.Command {
	var (
		model      string
		chunk      int
		threshold  int
		maxPattern int
		bufferSize int
	)
	cmd := &cobra.Command{
		Use:   "scan <file|->",
		Short: "Stream a text file through the content loop detector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			var o config.Overrides
			flags := cmd.Flags()
			if flags.Changed("chunk") {
				o.ContentChunkSize = &chunk
			}
			if flags.Changed("threshold") {
				o.ContentLoopThreshold = &threshold
			}
			if flags.Changed("max-pattern") {
				o.MaxPatternLength = &maxPattern
			}
			if flags.Changed("buffer") {
				o.BufferSize = &bufferSize
			}
			if err := o.Validate(); err != nil {
				return err
			}

			cfg := config.NewResolver(opts.file).Resolve(model, o).Loop
			cfg.Enabled = true
			det := loopdetect.NewContentDetector(cfg, "scan")

			ev, off := det.ProcessText(string(text))
			out := cmd.OutOrStdout()
			if ev == nil {
				fmt.Fprintln(out, "no loop detected")
				return nil
			}
			fmt.Fprintf(out, "loop detected after byte %d: pattern '%s' (%d runes) repeated %d times\n",
				off, ev.Pattern, ev.PatternLength, ev.RepeatCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", defaultModel, "model whose configured settings to use")
	cmd.Flags().IntVar(&chunk, "chunk", 50, "runes per simulated stream chunk")
	cmd.Flags().IntVar(&threshold, "threshold", 10, "repetitions that count as a loop")
	cmd.Flags().IntVar(&maxPattern, "max-pattern", 500, "longest repeating unit to look for, in runes")
	cmd.Flags().IntVar(&bufferSize, "buffer", 2048, "stream buffer size in runes")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

// ─── toolcheck ────────────────────────────────────────────────────────────────

func toolcheckCmd(opts *globalOpts) *cobra.Command {
	var (
		model      string
		mode       string
		maxRepeats int
		ttl        int
	)
	cmd := &cobra.Command{
		Use:   "toolcheck <calls.jsonl|->",
		Short: "Replay recorded tool calls through the tool-loop detector",
		Long: `Each input line is a JSON object {"name": ..., "arguments": ..., "at": ...}.
"arguments" may be an object or a JSON-encoded string; "at" is an RFC 3339
timestamp and defaults to one second after the previous call.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var o config.Overrides
			flags := cmd.Flags()
			if flags.Changed("mode") {
				m, err := toolloop.ParseMode(mode)
				if err != nil {
					return err
				}
				o.ToolLoopMode = &m
			}
			if flags.Changed("max-repeats") {
				o.ToolLoopMaxRepeats = &maxRepeats
			}
			if flags.Changed("ttl") {
				o.ToolLoopTTLSeconds = &ttl
			}
			if err := o.Validate(); err != nil {
				return err
			}
			cfg := config.NewResolver(opts.file).Resolve(model, o).ToolLoop
			cfg.Enabled = true

			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			calls, err := parseCalls(data)
			if err != nil {
				return err
			}

			det := toolloop.NewDetector(cfg)
			st := toolloop.NewState("toolcheck")
			out := cmd.OutOrStdout()
			for i, c := range calls {
				dec := det.Check(st, c.name, c.args, c.at)
				fmt.Fprintf(out, "%d\t%s\t%s\tcount=%d\tphase=%s\n", i+1, c.name, dec.Action, dec.Count, dec.Phase)
				if dec.Message != "" {
					fmt.Fprintf(out, "\t%s\n", dec.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", defaultModel, "model whose configured settings to use")
	cmd.Flags().StringVar(&mode, "mode", "break", "tool loop mode: break or chance_then_break")
	cmd.Flags().IntVar(&maxRepeats, "max-repeats", 4, "identical calls that count as a loop")
	cmd.Flags().IntVar(&ttl, "ttl", 120, "seconds a call stays in the history")
	return cmd
}

type recordedCall struct {
	name string
	args string
	at   time.Time
}

func parseCalls(data []byte) ([]recordedCall, error) {
	var (
		calls []recordedCall
		last  = time.Now()
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if !gjson.ValidBytes(raw) {
			return nil, fmt.Errorf("line %d: invalid JSON", line)
		}
		name := gjson.GetBytes(raw, "name")
		if name.String() == "" {
			return nil, fmt.Errorf("line %d: missing tool name", line)
		}
		c := recordedCall{name: name.String(), at: last.Add(time.Second)}
		switch a := gjson.GetBytes(raw, "arguments"); a.Type {
		case gjson.String:
			c.args = a.String()
		case gjson.Null:
		default:
			c.args = a.Raw
		}
		if at := gjson.GetBytes(raw, "at"); at.Exists() {
			t, err := time.Parse(time.RFC3339Nano, at.String())
			if err != nil {
				return nil, fmt.Errorf("line %d: at: %w", line, err)
			}
			c.at = t
		}
		last = c.at
		calls = append(calls, c)
	}
	return calls, sc.Err()
}
