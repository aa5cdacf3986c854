package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/bvarner/pi-short-circuit/internal/app"
)

type overrides struct {
	name      string
	threshold float64
	short     time.Duration
	rate      float64
	yes       bool
}

var runFlags overrides

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one short circuit test on the stand",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if err := runFlags.apply(cmd, a); err != nil {
			return err
		}
		_, err := a.Run(cmd.Context(), app.RunOptions{Yes: runFlags.yes})
		return err
	},
}

// apply copies explicitly set flags over the loaded configuration.
func (o overrides) apply(cmd *cobra.Command, a *app.App) error {
	flags := cmd.Flags()
	if flags.Changed("name") {
		a.Config.Run.Name = o.name
	}
	if flags.Changed("threshold") {
		a.Config.Trigger.Threshold = o.threshold
	}
	if flags.Changed("short") {
		a.Config.Sequence.Short = o.short
	}
	if flags.Changed("rate") {
		a.Config.Acquisition.Rate = o.rate
	}
	return a.Config.Validate()
}

func addOverrideFlags(cmd *cobra.Command, o *overrides) {
	cmd.Flags().StringVar(&o.name, "name", "", "Test name, used for output file names")
	cmd.Flags().Float64Var(&o.threshold, "threshold", 0, "Pyro firing threshold in amps")
	cmd.Flags().DurationVar(&o.short, "short", 0, "Short circuit duration")
	cmd.Flags().Float64Var(&o.rate, "rate", 0, "Sample rate in Hz")
	cmd.Flags().BoolVarP(&o.yes, "yes", "y", false, "Skip the operator confirmation")
}

func init() {
	addOverrideFlags(runCmd, &runFlags)
}
