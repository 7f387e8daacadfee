package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/frr"
	"github.com/signalsfoundry/constellation-emulator/model"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print the resulting topology",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, b, err := buildModel(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s; %d nodes, %d candidate pairs\n",
				cfg, len(c.Nodes()), len(b.Candidates()))
			return nil
		},
	}
}

// planOutput is the JSON document printed by the plan command.
type planOutput struct {
	Time      time.Time                      `json:"time"`
	Elapsed   string                         `json:"elapsed"`
	Links     []core.Link                    `json:"links"`
	Positions map[model.NodeID]core.Position `json:"positions"`
}

func newPlanCmd() *cobra.Command {
	var at time.Duration
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the snapshot at one simulated instant as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if at < 0 {
				return fmt.Errorf("--at must not be negative, got %s", at)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, b, err := buildModel(cfg)
			if err != nil {
				return err
			}
			snap := b.Build(at)
			out := planOutput{
				Time:      snap.Time(),
				Elapsed:   at.String(),
				Links:     snap.Links(),
				Positions: make(map[model.NodeID]core.Position, len(c.Nodes())),
			}
			if out.Links == nil {
				out.Links = []core.Link{}
			}
			for _, n := range c.Nodes() {
				if pos, ok := snap.Position(n.ID); ok {
					out.Positions[n.ID] = pos
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().DurationVar(&at, "at", 0, "elapsed simulated time since the epoch")
	return cmd
}

func newRenderFRRCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "render-frr",
		Short: "Write per-node FRR configuration for every candidate link",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, b, err := buildModel(cfg)
			if err != nil {
				return err
			}
			plan, err := buildPlan(cfg, c, b)
			if err != nil {
				return err
			}
			loopbacks, err := cfg.LoopbackPrefix()
			if err != nil {
				return err
			}
			n, err := frr.NewRenderer(plan, loopbacks).WriteAll(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote FRR configuration for %d nodes to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "frr", "output directory")
	return cmd
}
