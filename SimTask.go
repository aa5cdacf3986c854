package pi_short_circuit

import (
	"errors"
	"sync"
	"time"
)

// Waveform gives battery volts and shunt amps at t seconds after acquisition start.
type Waveform func(t float64) (volts, amps float64)

// SimTask is a rate-locked analog task fed by a Waveform. With Manual set no
// samples arrive until Deliver is called.
type SimTask struct {
	Waveform Waveform
	Scaling  Scaling
	Manual   bool

	mu        sync.Mutex
	channels  []string
	rate      float64
	batchSize int
	handler   func()
	fifo      [2][]float64
	produced  int
	since     int
	running   bool
	quit      chan struct{}
	done      chan struct{}

	// Starts and Stops count lifecycle calls.
	Starts int
	Stops  int
}

func (s *SimTask) ConfigureChannels(channels ...string) error {
	if len(channels) != 2 {
		return errors.New("simulated stand has exactly two channels")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = channels
	return nil
}

func (s *SimTask) ConfigureClock(rate float64, continuous bool) error {
	if !continuous || rate <= 0 {
		return errors.New("simulated stand needs a positive continuous rate")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
	return nil
}

func (s *SimTask) RegisterBatchCallback(batchSize int, handler func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSize = batchSize
	s.handler = handler
	return nil
}

func (s *SimTask) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("simulated task already running")
	}
	if s.rate == 0 || s.batchSize == 0 {
		return errors.New("simulated task not configured")
	}
	if s.Scaling == (Scaling{}) {
		s.Scaling = DefaultScaling
	}
	s.running = true
	s.Starts++
	if !s.Manual {
		s.quit = make(chan struct{})
		s.done = make(chan struct{})
		go s.clock(time.Now())
	}
	return nil
}

func (s *SimTask) clock(start time.Time) {
	defer close(s.done)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-s.quit:
			return
		case now := <-tick.C:
			s.mu.Lock()
			due := int(now.Sub(start).Seconds()*s.rate) - s.produced
			s.mu.Unlock()
			if due > 0 {
				s.Deliver(due)
			}
		}
	}
}

// Deliver produces n more samples, firing the batch callback at every batch boundary.
func (s *SimTask) Deliver(n int) {
	for i := 0; i < n; i++ {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		t := float64(s.produced) / s.rate
		volts, amps := 0.0, 0.0
		if s.Waveform != nil {
			volts, amps = s.Waveform(t)
		}
		s.fifo[0] = append(s.fifo[0], volts/s.Scaling.VoltageScale)
		s.fifo[1] = append(s.fifo[1], amps*s.Scaling.ShuntResistance)
		s.produced++
		s.since++
		fire := s.since == s.batchSize
		if fire {
			s.since = 0
		}
		handler := s.handler
		s.mu.Unlock()

		if fire && handler != nil {
			handler()
		}
	}
}

// Produced is the number of samples generated so far.
func (s *SimTask) Produced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.produced
}

func (s *SimTask) Read(count int) ([][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := len(s.fifo[0])
	if count == ReadAllAvailable || count > avail {
		count = avail
	}
	out := [][]float64{
		append([]float64(nil), s.fifo[0][:count]...),
		append([]float64(nil), s.fifo[1][:count]...),
	}
	s.fifo[0] = s.fifo[0][count:]
	s.fifo[1] = s.fifo[1][count:]
	return out, nil
}

func (s *SimTask) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.Stops++
	quit, done := s.quit, s.done
	s.mu.Unlock()

	if quit != nil {
		close(quit)
		<-done
	}
	return nil
}

// SimLine is an in-memory digital output.
type SimLine struct {
	sync.Mutex
	Name   string
	High   bool
	Writes []bool
	Closed bool
}

func (l *SimLine) Write(on bool) error {
	l.Lock()
	defer l.Unlock()
	if l.Closed {
		return errors.New(l.Name + ": line closed")
	}
	l.High = on
	l.Writes = append(l.Writes, on)
	return nil
}

func (l *SimLine) Close() error {
	l.Lock()
	defer l.Unlock()
	l.High = false
	l.Closed = true
	return nil
}

// StandModel is a simple battery short: an open circuit voltage behind an
// internal resistance, shorted through the switch between onset and contactor open.
type StandModel struct {
	Settings     Settings
	OpenCircuit  float64
	Internal     float64
	ShortCircuit float64
	// Current keeps flowing after the contactor opens, as with welded contacts.
	Welded bool
	// Shunt wired backwards.
	Reversed bool
}

// Waveform of the modelled test.
func (m StandModel) Waveform() Waveform {
	onset := m.Settings.OnsetOffset()
	end := onset + (SwitchPulse + m.Settings.Short).Seconds()
	total := m.Internal + m.ShortCircuit
	return func(t float64) (float64, float64) {
		amps := 0.0
		if t >= onset && (t < end || m.Welded) && total > 0 {
			amps = m.OpenCircuit / total
		}
		volts := m.OpenCircuit - amps*m.Internal
		if m.Reversed {
			amps = -amps
		}
		return volts, amps
	}
}
