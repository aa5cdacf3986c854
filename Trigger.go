package pi_short_circuit

import (
	"fmt"
	"math"
)

// PyroFirer fires the pyrotechnic disconnect.
type PyroFirer interface {
	FirePyro() error
}

// Decision is the one-shot fire/no-fire outcome of a run.
type Decision struct {
	AverageCurrent float64 `json:"average_current"`
	Fired          bool    `json:"fired"`
	Window         int     `json:"window"`
	Threshold      float64 `json:"threshold"`
}

func (d Decision) String() string {
	if d.Fired {
		return fmt.Sprintf("pyro fired at current of %.3f A", d.AverageCurrent)
	}
	return fmt.Sprintf("pyro NOT fired at current of %.3f A", d.AverageCurrent)
}

// Evaluate averages the last window currents and fires the pyro when the
// magnitude of the average exceeds threshold. Current polarity depends on the
// shunt wiring, so only magnitude counts.
//
// If the pyro fails to fire the returned Decision still has Fired set, so the
// attempt is reported alongside the error.
func Evaluate(samples []Sample, window int, threshold float64, pyro PyroFirer) (Decision, error) {
	d := Decision{Window: window, Threshold: threshold}
	if window <= 0 || len(samples) < window {
		return d, &InsufficientDataError{Have: len(samples), Need: window}
	}

	var sum float64
	for _, s := range samples[len(samples)-window:] {
		sum += s.Current
	}
	d.AverageCurrent = sum / float64(window)

	if math.Abs(d.AverageCurrent) > threshold {
		d.Fired = true
		if err := pyro.FirePyro(); err != nil {
			return d, fmt.Errorf("fire pyro: %w", err)
		}
	}
	return d, nil
}
