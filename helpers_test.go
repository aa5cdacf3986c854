package pi_short_circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeClock advances only when slept on. onSleep runs before the time moves.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	onSleep func(d time.Duration) error
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		if err := hook(d); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// countingLine records Close calls on top of a SimLine.
type countingLine struct {
	*SimLine
	closes   int
	writeErr error
	closeErr error
}

func newCountingLine(name string) *countingLine {
	return &countingLine{SimLine: &SimLine{Name: name}}
}

func (l *countingLine) Write(on bool) error {
	if l.writeErr != nil {
		return l.writeErr
	}
	return l.SimLine.Write(on)
}

func (l *countingLine) Close() error {
	l.closes++
	if err := l.SimLine.Close(); err != nil {
		return err
	}
	return l.closeErr
}

func (l *countingLine) last() (bool, bool) {
	l.Lock()
	defer l.Unlock()
	if len(l.Writes) == 0 {
		return false, false
	}
	return l.Writes[len(l.Writes)-1], true
}

func (l *countingLine) wrote(on bool) bool {
	l.Lock()
	defer l.Unlock()
	for _, w := range l.Writes {
		if w == on {
			return true
		}
	}
	return false
}

type standLines struct {
	contactor, sw, pyro, indicator *countingLine
}

func newStandLines() standLines {
	return standLines{
		contactor: newCountingLine("contactor"),
		sw:        newCountingLine("switch"),
		pyro:      newCountingLine("pyro"),
		indicator: newCountingLine("indicator"),
	}
}

func (s standLines) lines() ActuatorLines {
	return ActuatorLines{Contactor: s.contactor, Switch: s.sw, Pyro: s.pyro, Indicator: s.indicator}
}

func (s standLines) all() []*countingLine {
	return []*countingLine{s.contactor, s.sw, s.pyro, s.indicator}
}

// scriptedOperator answers the confirmation and records the countdown.
type scriptedOperator struct {
	answer bool
	err    error

	mu        sync.Mutex
	remaining []int
	ended     []bool
}

func (o *scriptedOperator) Confirm(ctx context.Context, prompt string) (bool, error) {
	return o.answer, o.err
}

func (o *scriptedOperator) Countdown(remaining int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remaining = append(o.remaining, remaining)
}

func (o *scriptedOperator) CountdownEnd(aborted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, aborted)
}

// failingTask wraps a SimTask and fails selected calls.
type failingTask struct {
	*SimTask
	startErr error
	readErr  error
}

func (f *failingTask) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	return f.SimTask.Start()
}

func (f *failingTask) Read(count int) ([][]float64, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.SimTask.Read(count)
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(cond func() bool) error {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return errors.New("condition not met")
}

type firerFunc func() error

func (f firerFunc) FirePyro() error { return f() }
