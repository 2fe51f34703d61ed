package main

import (
	"fmt"
	"strings"

	"github.com/awalterschulze/gographviz"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/loopguard/pkg/toolloop"
)

func statesCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "states",
		Short: "Print the tool-loop state machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			switch strings.ToLower(format) {
			case "dot":
				dot, err := renderStatesDOT(toolloop.Transitions())
				if err != nil {
					return err
				}
				fmt.Fprint(out, dot)
			case "text", "":
				fmt.Fprint(out, renderStatesText(toolloop.Transitions()))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

func renderStatesText(ts []toolloop.Transition) string {
	var sb strings.Builder
	var mode toolloop.Mode = -1
	for _, t := range ts {
		if t.Mode != mode {
			mode = t.Mode
			fmt.Fprintf(&sb, "\nmode %s:\n", mode)
		}
		fmt.Fprintf(&sb, "  %-13s -> %-13s %s\n", t.From, t.To, t.When)
	}
	return strings.TrimPrefix(sb.String(), "\n")
}

var modeColors = map[toolloop.Mode]string{
	toolloop.ModeBreak:           "firebrick",
	toolloop.ModeChanceThenBreak: "steelblue",
}

// renderStatesDOT builds a directed graph with one node per phase and one
// edge per transition, colored by mode.
func renderStatesDOT(ts []toolloop.Transition) (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName("toolloop"); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	phases := []toolloop.Phase{toolloop.PhaseNormal, toolloop.PhaseChanceGiven, toolloop.PhaseBroken}
	for _, p := range phases {
		attrs := map[string]string{"shape": "box"}
		if p == toolloop.PhaseBroken {
			attrs["shape"] = "doubleoctagon"
		}
		if err := g.AddNode("toolloop", p.String(), attrs); err != nil {
			return "", err
		}
	}
	for _, t := range ts {
		attrs := map[string]string{
			"label": fmt.Sprintf("%q", t.Mode.String()+": "+t.When),
			"color": modeColors[t.Mode],
		}
		if err := g.AddEdge(t.From.String(), t.To.String(), true, attrs); err != nil {
			return "", err
		}
	}
	return g.String(), nil
}
