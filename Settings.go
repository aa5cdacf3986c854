package pi_short_circuit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Settings is everything fixed for one run.
type Settings struct {
	Name string

	Rate      float64
	BatchSize int
	Backlog   int
	Scaling   Scaling

	Window    int
	Threshold float64

	Countdown         int
	PreLog            time.Duration
	DelayBeforeSwitch time.Duration
	Short             time.Duration
	PyroEvaluation    time.Duration
	PostLog           time.Duration
}

// DefaultSettings are the stand's usual timings.
func DefaultSettings() Settings {
	return Settings{
		Name:              "short_test",
		Rate:              10000,
		BatchSize:         1000,
		Backlog:           64,
		Scaling:           DefaultScaling,
		Window:            100,
		Threshold:         20,
		Countdown:         5,
		PreLog:            1 * time.Second,
		DelayBeforeSwitch: 500 * time.Millisecond,
		Short:             250 * time.Millisecond,
		PyroEvaluation:    500 * time.Millisecond,
		PostLog:           1 * time.Second,
	}
}

// OnsetOffset is the time from acquisition start to the switch pulse, in seconds.
func (s Settings) OnsetOffset() float64 {
	return (s.PreLog + s.DelayBeforeSwitch).Seconds()
}

// SamplesBeforeEvaluation is the number of samples the task produces between
// acquisition start and the trigger evaluation.
func (s Settings) SamplesBeforeEvaluation() int {
	d := s.PreLog + s.DelayBeforeSwitch + SwitchPulse + s.Short + s.PyroEvaluation
	return int(math.Floor(d.Seconds()*s.Rate + 1e-6))
}

func (s Settings) StreamOptions(e *Emitter) StreamOptions {
	return StreamOptions{
		Rate:      s.Rate,
		BatchSize: s.BatchSize,
		Backlog:   s.Backlog,
		Window:    s.Window,
		Scaling:   s.Scaling,
		Emitter:   e,
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("run name is required"))
	}
	if s.Rate <= 0 {
		errs = append(errs, errors.New("sample rate must be positive"))
	}
	if s.Window <= 0 {
		errs = append(errs, errors.New("evaluation window must be positive"))
	}
	if s.Threshold < 0 {
		errs = append(errs, errors.New("pyro threshold cannot be negative"))
	}
	if s.Scaling.ShuntResistance <= 0 {
		errs = append(errs, errors.New("shunt resistance must be positive"))
	}
	if s.PreLog < 0 || s.DelayBeforeSwitch < 0 || s.Short < 0 || s.PyroEvaluation < 0 || s.PostLog < 0 {
		errs = append(errs, errors.New("phase durations cannot be negative"))
	}
	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	// Samples reach the evaluation window one whole batch at a time, so the
	// batches completed before TRIGGER_EVALUATE have to fill it.
	if s.Rate > 0 && s.Window > 0 && s.BatchSize > 0 {
		if ready := s.SamplesBeforeEvaluation() / s.BatchSize * s.BatchSize; ready < s.Window {
			errs = append(errs, fmt.Errorf("evaluation window of %d samples not filled before evaluation: only %d arrive in batches of %d", s.Window, ready, s.BatchSize))
		}
	}
	return errors.Join(errs...)
}
