package pi_short_circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCountdown
	PhaseIndicatorOn
	PhaseAcquiring
	PhasePreLogWait
	PhaseContactorClose
	PhaseInterDelayWait
	PhaseSwitchPulse
	PhaseShortWait
	PhaseContactorOpen
	PhasePyroEvalWait
	PhaseTriggerEvaluate
	PhasePostLogWait
	PhaseAcquisitionStop
	PhaseIndicatorOff
	PhaseActuatorsDisabled
	PhaseDone
	PhaseFailed
	PhaseAborted
)

var phaseNames = [...]string{
	"IDLE", "COUNTDOWN", "INDICATOR_ON", "ACQUIRING", "PRE_LOG_WAIT", "CONTACTOR_CLOSE",
	"INTER_DELAY_WAIT", "SWITCH_PULSE", "SHORT_WAIT", "CONTACTOR_OPEN", "PYRO_EVAL_WAIT",
	"TRIGGER_EVALUATE", "POST_LOG_WAIT", "ACQUISITION_STOP", "INDICATOR_OFF",
	"ACTUATORS_DISABLED", "DONE", "FAILED", "ABORTED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseAborted
}

// Step is one row of the timed sequence. Steps with a Wait only block the timeline.
type Step struct {
	Phase Phase
	Wait  time.Duration
}

// Plan is the timed portion of a run, from indicator on to actuators disabled.
func Plan(s Settings) []Step {
	return []Step{
		{Phase: PhaseIndicatorOn},
		{Phase: PhaseAcquiring},
		{Phase: PhasePreLogWait, Wait: s.PreLog},
		{Phase: PhaseContactorClose},
		{Phase: PhaseInterDelayWait, Wait: s.DelayBeforeSwitch},
		{Phase: PhaseSwitchPulse},
		{Phase: PhaseShortWait, Wait: s.Short},
		{Phase: PhaseContactorOpen},
		{Phase: PhasePyroEvalWait, Wait: s.PyroEvaluation},
		{Phase: PhaseTriggerEvaluate},
		{Phase: PhasePostLogWait, Wait: s.PostLog},
		{Phase: PhaseAcquisitionStop},
		{Phase: PhaseIndicatorOff},
		{Phase: PhaseActuatorsDisabled},
	}
}

// PhaseEvent is emitted on every transition.
type PhaseEvent struct {
	Run       string
	Phase     Phase
	Timestamp int64
	Wait      float64 `json:",omitempty"`
	Error     string  `json:",omitempty"`
}

// PhaseRecord is a transition as seen on the sequence clock.
type PhaseRecord struct {
	Phase Phase
	At    time.Time
}

// Result of a completed run.
type Result struct {
	Run      string
	Started  time.Time
	Decision Decision
	Dataset  Dataset
	Phases   []PhaseRecord
}

// SequenceOptions are the collaborators of a Sequence. Zero values are usable.
type SequenceOptions struct {
	Clock    Clock
	Operator Operator
	Emitter  *Emitter
	Logger   zerolog.Logger

	// Recorders run alongside acquisition, started in order and stopped in reverse.
	Recorders []Recordable
}

// Sequence walks one test run. It runs exactly once.
type Sequence struct {
	settings  Settings
	actuators *Actuators
	stream    *Stream

	clock     Clock
	operator  Operator
	emitter   *Emitter
	logger    zerolog.Logger
	recorders []Recordable

	mu     sync.Mutex
	phase  Phase
	phases []PhaseRecord

	decision      Decision
	evaluated     bool
	recording     bool
	streamStopped bool
	disabled      bool
}

func NewSequence(settings Settings, actuators *Actuators, stream *Stream, opts SequenceOptions) *Sequence {
	if opts.Clock == nil {
		opts.Clock = WallClock{}
	}
	if opts.Operator == nil {
		opts.Operator = AutoOperator{Logger: opts.Logger}
	}
	return &Sequence{
		settings:  settings,
		actuators: actuators,
		stream:    stream,
		clock:     opts.Clock,
		operator:  opts.Operator,
		emitter:   opts.Emitter,
		recorders: opts.Recorders,
		logger:    opts.Logger.With().Str("component", "sequence").Str("run", settings.Name).Logger(),
		phase:     PhaseIdle,
	}
}

// Phase is the current state of the run.
func (q *Sequence) Phase() Phase {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.phase
}

// Status is safe to call from any goroutine.
func (q *Sequence) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{Run: q.settings.Name, Phase: q.phase, Samples: q.stream.Len()}
	if q.evaluated {
		d := q.decision
		st.Decision = &d
	}
	return st
}

// History is every transition so far.
func (q *Sequence) History() []PhaseRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PhaseRecord, len(q.phases))
	copy(out, q.phases)
	return out
}

func (q *Sequence) enter(p Phase, wait time.Duration) {
	q.transition(p, wait, "")
}

func (q *Sequence) transition(p Phase, wait time.Duration, failure string) {
	now := q.clock.Now()
	q.mu.Lock()
	q.phase = p
	q.phases = append(q.phases, PhaseRecord{Phase: p, At: now})
	q.mu.Unlock()

	ev := q.logger.Info().Stringer("phase", p)
	if wait > 0 {
		ev = ev.Dur("wait", wait)
	}
	ev.Msg("phase")
	q.emitter.Emit("Phase", PhaseEvent{Run: q.settings.Name, Phase: p, Timestamp: now.UnixNano(), Wait: wait.Seconds(), Error: failure})
}

// Run performs the countdown and the timed sequence. Once acquisition has
// begun, the stream is stopped and every actuator released on every exit path.
func (q *Sequence) Run(ctx context.Context) (res Result, err error) {
	q.mu.Lock()
	if q.phase != PhaseIdle {
		q.mu.Unlock()
		return Result{}, ErrSequenceUsed
	}
	q.phase = PhaseCountdown
	q.mu.Unlock()

	res.Run = q.settings.Name
	res.Started = q.clock.Now()

	// Settings that cannot produce a decision never touch the stand.
	if err := q.settings.Validate(); err != nil {
		err = q.abort(fmt.Errorf("invalid settings: %w", err))
		res.Phases = q.History()
		return res, err
	}

	q.enter(PhaseCountdown, 0)
	if err := q.countdown(ctx); err != nil {
		err = q.abort(err)
		res.Phases = q.History()
		return res, err
	}

	steps := Plan(q.settings)

	// Indicator comes on before acquisition; failing there is still a setup abort.
	q.enter(steps[0].Phase, 0)
	if err := q.actuators.SetIndicator(true); err != nil {
		err = q.abort(err)
		res.Phases = q.History()
		return res, err
	}

	current := PhaseAcquiring
	defer func() {
		if r := recover(); r != nil {
			q.fail(current, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		if err != nil {
			err = q.fail(current, err)
		}
		res.Phases = q.History()
	}()

	for _, step := range steps[1:] {
		current = step.Phase
		q.enter(step.Phase, step.Wait)

		if step.Wait > 0 {
			if err := q.clock.Sleep(step.Wait); err != nil {
				return res, err
			}
		} else if err := q.act(step.Phase, &res); err != nil {
			return res, err
		}

		if err := q.stream.Err(); err != nil {
			return res, err
		}
	}

	q.enter(PhaseDone, 0)
	return res, nil
}

func (q *Sequence) countdown(ctx context.Context) error {
	ok, err := q.operator.Confirm(ctx, fmt.Sprintf("Run short circuit test %q?", q.settings.Name))
	if err != nil {
		q.operator.CountdownEnd(true)
		return err
	}
	if !ok {
		q.operator.CountdownEnd(true)
		return ErrSequenceAborted
	}

	for n := q.settings.Countdown; n > 0; n-- {
		if err := ctx.Err(); err != nil {
			q.operator.CountdownEnd(true)
			return err
		}
		q.operator.Countdown(n)
		if err := q.clock.Sleep(time.Second); err != nil {
			q.operator.CountdownEnd(true)
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		q.operator.CountdownEnd(true)
		return err
	}
	q.operator.CountdownEnd(false)
	return nil
}

func (q *Sequence) act(p Phase, res *Result) error {
	switch p {
	case PhaseAcquiring:
		if err := q.stream.Start(); err != nil {
			return err
		}
		q.logger.Info().Float64("rate", q.settings.Rate).Msg("measurement started")
		q.recording = true
		for _, r := range q.recorders {
			r.StartRecording()
		}
	case PhaseContactorClose:
		return q.actuators.SetContactor(true)
	case PhaseSwitchPulse:
		return q.actuators.PulseSwitch()
	case PhaseContactorOpen:
		return q.actuators.SetContactor(false)
	case PhaseTriggerEvaluate:
		return q.evaluate(res)
	case PhaseAcquisitionStop:
		q.stopRecorders()
		q.streamStopped = true
		if err := q.stream.Stop(); err != nil {
			return err
		}
		if err := q.stream.Err(); err != nil {
			return err
		}
		ds, err := Finalize(q.stream.Snapshot(), q.settings.Rate, q.settings.OnsetOffset())
		if err != nil {
			return err
		}
		ds.Run = q.settings.Name
		ds.Started = res.Started
		ds.Decision = q.decision
		res.Dataset = ds
		q.logger.Info().Int("samples", len(ds.Samples)).Float64("max_current", ds.MaxCurrent).Msg("measurement stopped")
	case PhaseIndicatorOff:
		return q.actuators.SetIndicator(false)
	case PhaseActuatorsDisabled:
		q.disabled = true
		return q.actuators.DisableAll()
	}
	return nil
}

func (q *Sequence) evaluate(res *Result) error {
	q.mu.Lock()
	already := q.evaluated
	q.evaluated = true
	q.mu.Unlock()
	if already {
		return errors.New("trigger already evaluated")
	}

	d, err := Evaluate(q.stream.Recent(), q.settings.Window, q.settings.Threshold, q.actuators)
	q.mu.Lock()
	q.decision = d
	q.mu.Unlock()
	res.Decision = d
	if err != nil {
		return err
	}

	q.logger.Info().Float64("average_current", d.AverageCurrent).Float64("threshold", d.Threshold).Bool("fired", d.Fired).Msg(d.String())
	q.emitter.Emit("Decision", d)
	return nil
}

func (q *Sequence) stopRecorders() {
	if !q.recording {
		return
	}
	q.recording = false
	for i := len(q.recorders) - 1; i >= 0; i-- {
		q.recorders[i].StopRecording()
	}
}

// abort ends a run that never reached acquisition. Outputs are released anyway.
func (q *Sequence) abort(cause error) error {
	q.disabled = true
	teardown := q.actuators.DisableAll()
	q.enter(PhaseAborted, 0)

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		cause = &SequenceAbortedError{Reason: cause.Error()}
	}
	q.logger.Warn().Err(cause).AnErr("teardown", teardown).Msg("sequence aborted before acquisition")
	if teardown != nil {
		return errors.Join(cause, teardown)
	}
	return cause
}

// fail runs whatever teardown the normal path had not reached yet.
func (q *Sequence) fail(p Phase, cause error) error {
	var errs []error
	q.stopRecorders()
	if !q.streamStopped {
		q.streamStopped = true
		if err := q.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop acquisition: %w", err))
		}
	}
	if !q.disabled {
		q.disabled = true
		if err := q.actuators.DisableAll(); err != nil {
			errs = append(errs, fmt.Errorf("disable actuators: %w", err))
		}
	}

	rerr := &RunError{Phase: p, Err: cause, Teardown: errors.Join(errs...)}
	q.transition(PhaseFailed, 0, rerr.Error())

	l := q.logger.Error().Err(cause).Stringer("phase", p)
	if rerr.Teardown != nil {
		l = l.AnErr("teardown", rerr.Teardown)
	} else {
		l = l.Str("teardown", "ok")
	}
	l.Msg("run failed")
	return rerr
}
