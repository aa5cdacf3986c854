package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/bvarner/pi-short-circuit/internal/app"
)

var (
	simulateFlags overrides
	simulateOpts  app.SimulateOptions
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the full sequence against a modelled battery",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.OpenCircuit <= 0 {
			return errors.New("--voltage must be greater than 0")
		}
		if simulateOpts.Internal < 0 || simulateOpts.Load < 0 {
			return errors.New("--internal and --load cannot be negative")
		}

		a := getApp()
		if err := simulateFlags.apply(cmd, a); err != nil {
			return err
		}
		opts := simulateOpts
		opts.Yes = simulateFlags.yes
		_, err := a.Simulate(cmd.Context(), opts)
		return err
	},
}

func init() {
	addOverrideFlags(simulateCmd, &simulateFlags)
	simulateCmd.Flags().Float64Var(&simulateOpts.OpenCircuit, "voltage", 12.6, "Open circuit battery voltage")
	simulateCmd.Flags().Float64Var(&simulateOpts.Internal, "internal", 0.05, "Battery internal resistance in ohms")
	simulateCmd.Flags().Float64Var(&simulateOpts.Load, "load", 0.2, "Short circuit path resistance in ohms")
	simulateCmd.Flags().BoolVar(&simulateOpts.Welded, "welded", false, "Keep current flowing after the contactor opens")
	simulateCmd.Flags().BoolVar(&simulateOpts.Reversed, "reversed", false, "Model a shunt wired backwards")
}
