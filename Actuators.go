package pi_short_circuit

import (
	"time"

	"github.com/rs/zerolog"
)

// Pulse lengths are fixed by the stand wiring and are not tunable per run.
const (
	SwitchPulse = 100 * time.Millisecond
	PyroPulse   = 200 * time.Millisecond
)

// ActuatorLines are the four digital outputs on the stand.
type ActuatorLines struct {
	Contactor Line
	Switch    Line
	Pyro      Line
	Indicator Line
}

// ActuatorState is the last commanded level of every line.
type ActuatorState struct {
	Contactor bool
	Switch    bool
	Pyro      bool
	Indicator bool
	Released  bool
}

type actuatorLine struct {
	name     string
	line     Line
	on       bool
	released bool
}

/* How we drive the contactor, SCR, pyro and indicator. Only the sequencer calls these. */
type Actuators struct {
	lines  [4]*actuatorLine
	clock  Clock
	logger zerolog.Logger
}

const (
	contactorLine = iota
	switchLine
	pyroLine
	indicatorLine
)

// NewActuators takes ownership of the lines and drives them all low.
func NewActuators(lines ActuatorLines, clock Clock, logger zerolog.Logger) (*Actuators, error) {
	if clock == nil {
		clock = WallClock{}
	}
	a := &Actuators{
		lines: [4]*actuatorLine{
			{name: "contactor", line: lines.Contactor},
			{name: "switch", line: lines.Switch},
			{name: "pyro", line: lines.Pyro},
			{name: "indicator", line: lines.Indicator},
		},
		clock:  clock,
		logger: logger.With().Str("component", "actuators").Logger(),
	}

	var failures []LineError
	for _, l := range a.lines {
		if err := l.line.Write(false); err != nil {
			failures = append(failures, LineError{Line: l.name, Err: err})
		}
	}
	if len(failures) > 0 {
		return a, &ActuatorIOError{Failures: failures}
	}
	return a, nil
}

func (a *Actuators) set(idx int, on bool) error {
	l := a.lines[idx]
	if l.released {
		return ErrReleased
	}
	if err := l.line.Write(on); err != nil {
		return &ActuatorIOError{Failures: []LineError{{Line: l.name, Err: err}}}
	}
	l.on = on
	a.logger.Debug().Str("line", l.name).Bool("on", on).Msg("line set")
	return nil
}

func (a *Actuators) pulse(idx int, hold time.Duration) error {
	if err := a.set(idx, true); err != nil {
		return err
	}
	serr := a.clock.Sleep(hold)
	if err := a.set(idx, false); err != nil {
		return err
	}
	return serr
}

func (a *Actuators) SetContactor(closed bool) error {
	return a.set(contactorLine, closed)
}

// PulseSwitch holds the SCR gate high for SwitchPulse.
func (a *Actuators) PulseSwitch() error {
	return a.pulse(switchLine, SwitchPulse)
}

// FirePyro holds the pyro igniter high for PyroPulse.
func (a *Actuators) FirePyro() error {
	return a.pulse(pyroLine, PyroPulse)
}

func (a *Actuators) SetIndicator(on bool) error {
	return a.set(indicatorLine, on)
}

// DisableAll drives every line low and releases it. Every line is attempted
// regardless of earlier failures; lines already released are skipped.
func (a *Actuators) DisableAll() error {
	var failures []LineError
	for _, l := range a.lines {
		if l.released {
			continue
		}
		werr := l.line.Write(false)
		if werr == nil {
			l.on = false
		}
		cerr := l.line.Close()
		l.released = true

		if werr != nil {
			failures = append(failures, LineError{Line: l.name, Err: werr})
		}
		if cerr != nil {
			failures = append(failures, LineError{Line: l.name, Err: cerr})
		}
	}
	if len(failures) > 0 {
		a.logger.Error().Int("failures", len(failures)).Msg("actuator release incomplete")
		return &ActuatorIOError{Failures: failures}
	}
	return nil
}

// State reports Released only once every line has been released.
func (a *Actuators) State() ActuatorState {
	released := true
	for _, l := range a.lines {
		released = released && l.released
	}
	return ActuatorState{
		Contactor: a.lines[contactorLine].on,
		Switch:    a.lines[switchLine].on,
		Pyro:      a.lines[pyroLine].on,
		Indicator: a.lines[indicatorLine].on,
		Released:  released,
	}
}
