package pi_short_circuit

import (
	"strings"
	"testing"
	"time"
)

func TestEmitterFormatsEvents(t *testing.T) {
	e := NewEmitter()
	ch := make(chan string, 4)
	e.AddListener(ch)

	e.Emit("Phase", PhaseEvent{Run: "bench", Phase: PhaseShortWait, Timestamp: 42})
	got := <-ch
	want := "event: Phase\ndata: {\"Run\":\"bench\",\"Phase\":\"SHORT_WAIT\",\"Timestamp\":42}\n\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	e.RemoveListener(ch)
	e.Emit("Phase", PhaseEvent{})
	if len(ch) != 0 {
		t.Error("removed listener still receives")
	}
}

func TestEmitterThrottle(t *testing.T) {
	e := NewEmitter()
	ch := make(chan string, 16)
	e.AddListener(ch)
	e.Throttle("Reading", time.Hour)

	for i := 0; i < 5; i++ {
		e.Emit("Reading", Reading{Samples: i})
		e.Emit("Phase", PhaseEvent{})
	}
	var readings, phases int
	for len(ch) > 0 {
		if strings.HasPrefix(<-ch, "event: Reading") {
			readings++
		} else {
			phases++
		}
	}
	if readings != 1 || phases != 5 {
		t.Errorf("readings=%d phases=%d", readings, phases)
	}
}

func TestEmitterSkipsSlowListeners(t *testing.T) {
	e := NewEmitter()
	full := make(chan string)
	e.AddListener(full)
	done := make(chan struct{})
	go func() {
		e.Emit("Phase", PhaseEvent{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a listener")
	}
}

func TestNilEmitter(t *testing.T) {
	var e *Emitter
	e.AddListener(make(chan string))
	e.Throttle("Reading", time.Second)
	e.Emit("Reading", Reading{})
}
