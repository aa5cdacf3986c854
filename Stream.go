package pi_short_circuit

import (
	"errors"
	"sync"

	"github.com/zfjagann/golang-ring"
)

// Analog channel order expected from the task: battery voltage, shunt voltage.
var StreamChannels = []string{"voltage0", "voltage1"}

// StreamOptions configure a Stream.
type StreamOptions struct {
	Rate      float64
	BatchSize int
	// Maximum number of read batches waiting to be converted.
	Backlog int
	// Capacity of the trailing evaluation window.
	Window  int
	Scaling Scaling
	Emitter *Emitter
}

func (o *StreamOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.Backlog <= 0 {
		o.Backlog = 64
	}
	if o.Window <= 0 {
		o.Window = 100
	}
	if o.Scaling == (Scaling{}) {
		o.Scaling = DefaultScaling
	}
}

/* Continuous acquisition of battery voltage and current. */
type Stream struct {
	task AnalogTask
	opts StreamOptions

	// Serialises task reads between the batch callback and the final drain.
	readMu  sync.Mutex
	batches chan [][]float64
	done    chan struct{}
	started bool
	stopped bool

	mu      sync.Mutex
	samples []Sample
	recent  ring.Ring
	overrun *AcquisitionOverrunError
	readErr error
}

// Reading is the rolling status emitted while acquiring.
type Reading struct {
	Samples int
	Voltage float64
	Current float64
}

func NewStream(task AnalogTask, opts StreamOptions) *Stream {
	opts.defaults()
	s := &Stream{
		task: task,
		opts: opts,
	}
	s.recent.SetCapacity(opts.Window)
	return s
}

// Start configures the task and begins continuous sampling.
func (s *Stream) Start() error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.started {
		return &AcquisitionStartError{Err: errors.New("stream already active")}
	}
	if s.opts.Rate <= 0 {
		return &AcquisitionStartError{Err: errors.New("sample rate must be positive")}
	}

	if err := s.task.ConfigureChannels(StreamChannels...); err != nil {
		return &AcquisitionStartError{Err: err}
	}
	if err := s.task.ConfigureClock(s.opts.Rate, true); err != nil {
		return &AcquisitionStartError{Err: err}
	}
	if err := s.task.RegisterBatchCallback(s.opts.BatchSize, s.batchReady); err != nil {
		return &AcquisitionStartError{Err: err}
	}

	s.batches = make(chan [][]float64, s.opts.Backlog)
	s.done = make(chan struct{})
	go s.ingest()

	if err := s.task.Start(); err != nil {
		close(s.batches)
		<-s.done
		return &AcquisitionStartError{Err: err}
	}
	s.started = true
	return nil
}

// batchReady runs on the driver's goroutine. It never blocks on the consumer.
func (s *Stream) batchReady() {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if !s.started || s.stopped {
		return
	}

	raw, err := s.task.Read(s.opts.BatchSize)
	if err != nil {
		s.mu.Lock()
		if s.readErr == nil {
			s.readErr = err
		}
		s.mu.Unlock()
		return
	}

	select {
	case s.batches <- raw:
	default:
		s.mu.Lock()
		if s.overrun == nil {
			s.overrun = &AcquisitionOverrunError{Backlog: s.opts.Backlog}
		}
		if len(raw) > 0 {
			s.overrun.Dropped += len(raw[0])
		}
		s.mu.Unlock()
	}
}

func (s *Stream) ingest() {
	defer close(s.done)
	for raw := range s.batches {
		s.mu.Lock()
		converted := s.opts.Scaling.Convert(raw, len(s.samples), s.opts.Rate)
		s.samples = append(s.samples, converted...)
		for _, p := range converted {
			s.recent.Enqueue(p)
		}
		n := len(s.samples)
		s.mu.Unlock()

		if len(converted) > 0 {
			last := converted[len(converted)-1]
			s.opts.Emitter.Emit("Reading", Reading{n, last.Voltage, last.Current})
		}
	}
}

// Stop drains everything the task still holds, halts it and freezes the stream.
// A latched overrun is reported by Err, not by Stop.
func (s *Stream) Stop() error {
	s.readMu.Lock()
	if !s.started || s.stopped {
		s.readMu.Unlock()
		return nil
	}
	s.stopped = true

	var errs []error
	raw, err := s.task.Read(ReadAllAvailable)
	if err != nil {
		errs = append(errs, err)
	} else {
		// The consumer is still running, so this cannot deadlock.
		s.batches <- raw
	}
	s.readMu.Unlock()

	if err := s.task.Stop(); err != nil {
		errs = append(errs, err)
	}
	close(s.batches)
	<-s.done

	return errors.Join(errs...)
}

// Err reports a latched overrun or read failure.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrun != nil {
		o := *s.overrun
		return &o
	}
	return s.readErr
}

// Len is the number of samples appended so far.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Rate is the configured sample rate in Hz.
func (s *Stream) Rate() float64 {
	return s.opts.Rate
}

// Snapshot copies every sample appended so far.
func (s *Stream) Snapshot() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Recent returns the trailing evaluation window, oldest first. It holds fewer
// than Window samples until that many have been acquired.
func (s *Stream) Recent() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recent.ContentSize() == 0 {
		return nil
	}
	values := s.recent.Values()
	out := make([]Sample, len(values))
	for i, v := range values {
		out[i] = v.(Sample)
	}
	return out
}
