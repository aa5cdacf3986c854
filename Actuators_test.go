package pi_short_circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewActuatorsDrivesLinesLow(t *testing.T) {
	stand := newStandLines()
	if _, err := NewActuators(stand.lines(), newFakeClock(), zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	for _, l := range stand.all() {
		if last, ok := l.last(); !ok || last {
			t.Errorf("%s not driven low", l.Name)
		}
	}
}

func TestActuatorPulses(t *testing.T) {
	stand := newStandLines()
	clock := newFakeClock()
	a, err := NewActuators(stand.lines(), clock, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if err := a.PulseSwitch(); err != nil {
		t.Fatal(err)
	}
	if err := a.FirePyro(); err != nil {
		t.Fatal(err)
	}

	if got := stand.sw.Writes; len(got) != 3 || !got[1] || got[2] {
		t.Errorf("switch writes = %v", got)
	}
	if got := stand.pyro.Writes; len(got) != 3 || !got[1] || got[2] {
		t.Errorf("pyro writes = %v", got)
	}
	if len(clock.slept) != 2 || clock.slept[0] != SwitchPulse || clock.slept[1] != PyroPulse {
		t.Errorf("pulse holds = %v", clock.slept)
	}
	if st := a.State(); st.Switch || st.Pyro {
		t.Errorf("state after pulses = %+v", st)
	}
}

func TestPulseEndsLowWhenHoldFails(t *testing.T) {
	stand := newStandLines()
	clock := newFakeClock()
	boom := errors.New("interrupted")
	clock.onSleep = func(d time.Duration) error { return boom }

	a, err := NewActuators(stand.lines(), clock, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.FirePyro(); !errors.Is(err, boom) {
		t.Fatalf("FirePyro = %v", err)
	}
	if last, _ := stand.pyro.last(); last {
		t.Error("pyro left high")
	}
}

func TestDisableAllContinuesPastFailures(t *testing.T) {
	stand := newStandLines()
	a, err := NewActuators(stand.lines(), newFakeClock(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetContactor(true); err != nil {
		t.Fatal(err)
	}

	stuck := errors.New("gpio write failed")
	stand.sw.writeErr = stuck
	stand.indicator.closeErr = errors.New("halt failed")

	err = a.DisableAll()
	var ioErr *ActuatorIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("DisableAll = %v, want ActuatorIOError", err)
	}
	if len(ioErr.Failures) != 2 || ioErr.Failures[0].Line != "switch" || ioErr.Failures[1].Line != "indicator" {
		t.Errorf("failures = %+v", ioErr.Failures)
	}
	if !errors.Is(err, stuck) {
		t.Error("line error not wrapped")
	}

	for _, l := range stand.all() {
		if l.closes != 1 {
			t.Errorf("%s closed %d times", l.Name, l.closes)
		}
	}
	if last, _ := stand.contactor.last(); last {
		t.Error("contactor left closed")
	}

	if err := a.DisableAll(); err != nil {
		t.Errorf("second DisableAll = %v", err)
	}
	for _, l := range stand.all() {
		if l.closes != 1 {
			t.Errorf("%s closed again", l.Name)
		}
	}
	if !a.State().Released {
		t.Error("state not released")
	}
}

func TestActuatorsRefuseAfterRelease(t *testing.T) {
	stand := newStandLines()
	a, err := NewActuators(stand.lines(), newFakeClock(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.DisableAll(); err != nil {
		t.Fatal(err)
	}
	if err := a.SetContactor(true); !errors.Is(err, ErrReleased) {
		t.Errorf("SetContactor = %v, want ErrReleased", err)
	}
	if err := a.FirePyro(); !errors.Is(err, ErrReleased) {
		t.Errorf("FirePyro = %v, want ErrReleased", err)
	}
	if stand.pyro.wrote(true) {
		t.Error("pyro driven after release")
	}
}

func TestStateReleasedNeedsEveryLine(t *testing.T) {
	stand := newStandLines()
	a, err := NewActuators(stand.lines(), newFakeClock(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if a.State().Released {
		t.Fatal("fresh actuators reported released")
	}
	for i, l := range a.lines {
		l.released = true
		if released := a.State().Released; released != (i == len(a.lines)-1) {
			t.Errorf("%d of %d lines released: Released = %v", i+1, len(a.lines), released)
		}
	}

	for _, l := range a.lines {
		l.released = false
	}
	a.lines[indicatorLine].released = true
	if a.State().Released {
		t.Error("indicator alone reported released")
	}
}
