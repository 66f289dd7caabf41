package main

import (
	"fmt"
	"io"

	"github.com/logrusorgru/aurora"
	"github.com/spf13/cobra"

	"github.com/cartridge/mantis/internal/checkpoint"
	"github.com/cartridge/mantis/internal/config"
)

func newInspectCmd(cfg *config.Config) *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "inspect [checkpoint]",
		Short: "Summarise a saved checkpoint",
		Long: `Inspect prints the hyperparameters, progress counters and weight shapes of a
checkpoint. Without an argument the latest checkpoint in --checkpoint-dir is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var from string
			if len(args) == 1 {
				from = args[0]
			}
			store := checkpoint.NewStore(cfg.CheckpointDir, cfg.CheckpointPrefix)
			cp, err := loadResumePoint(store, from)
			if err != nil {
				return err
			}
			printCheckpoint(cmd.OutOrStdout(), aurora.NewAurora(!noColor), cp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable coloured output")
	return cmd
}

func printCheckpoint(w io.Writer, au aurora.Aurora, cp checkpoint.Checkpoint) {
	p := cp.Params
	field := func(name string, value interface{}) {
		fmt.Fprintf(w, "  %-24s %v\n", au.Cyan(name), value)
	}

	fmt.Fprintln(w, au.Bold("Progress"))
	field("run", p.RunID)
	field("saved", p.SavedAt.Format("2006-01-02 15:04:05 MST"))
	field("episode", au.Green(fmt.Sprintf("%d / %d", p.CurrentEpoch, p.Episodes)))
	field("steps", p.StepCounter)
	field("epsilon", au.Yellow(fmt.Sprintf("%.4f", p.Epsilon)))
	field("highest reward", p.HighestReward)

	fmt.Fprintln(w, au.Bold("Hyperparameters"))
	field("learning rate", p.LearningRate)
	field("discount factor", p.DiscountFactor)
	field("minibatch size", p.MinibatchSize)
	field("learn start", p.LearnStart)
	field("memory size", p.MemorySize)
	field("update target network", p.UpdateTargetNetwork)
	field("max episode steps", p.MaxEpisodeSteps)
	field("exploration decay", p.ExplorationDecay)
	field("min exploration rate", p.MinExplorationRate)
	field("action selection", p.ActionSelection)

	fmt.Fprintln(w, au.Bold("Network"))
	field("inputs", fmt.Sprintf("%d laser + %d target", p.LaserInputs, p.TargetInputs))
	field("hidden layers", p.HiddenLayers)
	field("actions", p.OutputSize)
	for i, m := range cp.Weights {
		r, c := m.Dims()
		field(fmt.Sprintf("layer %d", i), fmt.Sprintf("%dx%d", r, c))
	}
}
