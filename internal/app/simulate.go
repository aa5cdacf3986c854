package app

import (
	"context"

	sct "github.com/bvarner/pi-short-circuit"
)

// SimulateOptions describe the modelled battery and fault.
type SimulateOptions struct {
	Yes bool

	OpenCircuit float64
	Internal    float64
	Load        float64
	Welded      bool
	Reversed    bool
}

// SimulatedStand builds in-memory hardware following the model.
func SimulatedStand(settings sct.Settings, opts SimulateOptions) Hardware {
	model := sct.StandModel{
		Settings:     settings,
		OpenCircuit:  opts.OpenCircuit,
		Internal:     opts.Internal,
		ShortCircuit: opts.Load,
		Welded:       opts.Welded,
		Reversed:     opts.Reversed,
	}
	return Hardware{
		Task: &sct.SimTask{Waveform: model.Waveform(), Scaling: settings.Scaling},
		Lines: sct.ActuatorLines{
			Contactor: &sct.SimLine{Name: "contactor"},
			Switch:    &sct.SimLine{Name: "switch"},
			Pyro:      &sct.SimLine{Name: "pyro"},
			Indicator: &sct.SimLine{Name: "indicator"},
		},
	}
}

// Simulate runs the full sequence against a modelled stand in real time.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (Outcome, error) {
	hw := SimulatedStand(a.Config.Settings(), opts)
	return a.Run(ctx, RunOptions{Yes: opts.Yes, Hardware: hw})
}
