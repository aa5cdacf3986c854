package pi_short_circuit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Emitter fans events out as server-sent-event strings. A nil Emitter discards everything.
type Emitter struct {
	sync.Mutex
	listeners []chan<- string
	limits    map[string]*rate.Limiter
}

func NewEmitter() *Emitter {
	return &Emitter{limits: make(map[string]*rate.Limiter)}
}

func (e *Emitter) AddListener(ch chan<- string) {
	if e == nil {
		return
	}
	e.Lock()
	defer e.Unlock()
	e.listeners = append(e.listeners, ch)
}

func (e *Emitter) RemoveListener(ch chan<- string) {
	if e == nil {
		return
	}
	e.Lock()
	defer e.Unlock()
	for i := range e.listeners {
		if e.listeners[i] == ch {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
}

// Throttle limits an event to one emission per interval. Extra emissions are dropped.
func (e *Emitter) Throttle(event string, every time.Duration) {
	if e == nil {
		return
	}
	e.Lock()
	defer e.Unlock()
	e.limits[event] = rate.NewLimiter(rate.Every(every), 1)
}

func (e *Emitter) Emit(event string, v interface{}) {
	if e == nil {
		return
	}
	e.Lock()
	defer e.Unlock()

	if l, ok := e.limits[event]; ok && !l.Allow() {
		return
	}

	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s := fmt.Sprintf("event: %s\ndata: %s\n\n", event, string(b))
	for _, handler := range e.listeners {
		// Slow listeners miss events rather than stall the caller.
		select {
		case handler <- s:
		default:
		}
	}
}
