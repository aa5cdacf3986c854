package pi_short_circuit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

// ErrHardwareOverflow is returned by Read once the kernel-side FIFO has wrapped.
var ErrHardwareOverflow = errors.New("iio fifo overflow, samples lost")

/* IIOTask reads a Linux IIO buffered ADC driven by a sampling-frequency trigger. */
type IIOTask struct {
	// sysfs directory of the iio:device
	Device string
	// character device, /dev/iio:deviceN
	DevNode string
	// sysfs trigger directory (hrtimer or sysfs trigger)
	Trigger string
	// Frames held before the oldest are discarded.
	MaxFIFO int

	logger zerolog.Logger

	mu        sync.Mutex
	channels  []string
	scales    []float64
	layout    frameLayout
	rate      float64
	batchSize int
	handler   func()
	fifo      [][]float64
	overflow  bool
	running   bool
	dev       *os.File
	done      chan struct{}
}

// NewIIOTask locates the iio:device under dir, or uses dir if it is one.
func NewIIOTask(dir string, trigger string, logger zerolog.Logger) (*IIOTask, error) {
	t := &IIOTask{
		Trigger: trigger,
		logger:  logger.With().Str("component", "iio").Logger(),
	}

	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	if strings.HasPrefix(filepath.Base(dir), "iio:device") {
		t.Device = dir
	} else {
		files, err := ioutil.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if strings.HasPrefix(f.Name(), "iio:device") {
				t.Device = filepath.Join(dir, f.Name())
				break
			}
		}
	}
	if t.Device == "" {
		return nil, fmt.Errorf("no iio:device under %s", dir)
	}
	t.DevNode = "/dev/" + filepath.Base(t.Device)

	if _, err := os.Stat(trigger); err != nil {
		return nil, fmt.Errorf("trigger %s: %w", trigger, err)
	}

	// Leave the buffer disabled until Start.
	if err := deviceEcho(filepath.Join(t.Device, "buffer/enable"), []byte("0")); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *IIOTask) ConfigureChannels(channels ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("iio task already running")
	}

	scan := filepath.Join(t.Device, "scan_elements")
	// No timestamps, the clock is rate locked.
	deviceEcho(filepath.Join(scan, "in_timestamp_en"), []byte("0"))

	type indexed struct {
		name  string
		index int
		scale float64
		typ   scanType
	}
	var enabled []indexed
	for _, ch := range channels {
		if err := deviceEcho(filepath.Join(scan, "in_"+ch+"_en"), []byte("1")); err != nil {
			return fmt.Errorf("enable %s: %w", ch, err)
		}
		idx, err := readInt(filepath.Join(scan, "in_"+ch+"_index"))
		if err != nil {
			return fmt.Errorf("index %s: %w", ch, err)
		}
		scale, err := readFloat(filepath.Join(t.Device, "in_"+ch+"_scale"))
		if err != nil {
			// Channels commonly share one scale.
			if scale, err = readFloat(filepath.Join(t.Device, "in_voltage_scale")); err != nil {
				return fmt.Errorf("scale %s: %w", ch, err)
			}
		}
		typ := defaultScanType
		if raw, err := os.ReadFile(filepath.Join(scan, "in_"+ch+"_type")); err == nil {
			if typ, err = parseScanType(string(raw)); err != nil {
				return fmt.Errorf("type %s: %w", ch, err)
			}
		}
		enabled = append(enabled, indexed{ch, idx, scale, typ})
	}

	// Frames arrive in scan index order; callers expect their own order.
	order := make([]indexed, len(enabled))
	copy(order, enabled)
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j].index < order[j-1].index; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	for i, e := range enabled {
		if order[i].name != e.name {
			return fmt.Errorf("channel %s must be listed in scan index order", e.name)
		}
	}

	t.channels = channels
	t.scales = make([]float64, len(enabled))
	types := make([]scanType, len(enabled))
	for i, e := range enabled {
		// sysfs scales are millivolts per count.
		t.scales[i] = e.scale / 1000
		types[i] = e.typ
	}
	t.layout = newFrameLayout(types)
	t.fifo = make([][]float64, len(channels))
	return nil
}

func (t *IIOTask) ConfigureClock(rate float64, continuous bool) error {
	if !continuous {
		return errors.New("iio task only supports continuous sampling")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := deviceEcho(filepath.Join(t.Trigger, "sampling_frequency"), []byte(strconv.FormatFloat(rate, 'f', -1, 64))); err != nil {
		return fmt.Errorf("set sampling frequency: %w", err)
	}
	t.rate = rate
	if t.MaxFIFO <= 0 {
		// Ten seconds of data.
		t.MaxFIFO = int(rate * 10)
	}
	return nil
}

func (t *IIOTask) RegisterBatchCallback(batchSize int, handler func()) error {
	if batchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batchSize = batchSize
	t.handler = handler
	return nil
}

func (t *IIOTask) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("iio task already running")
	}
	if len(t.channels) == 0 || t.rate == 0 {
		return errors.New("iio task not configured")
	}

	triggerName, err := ioutil.ReadFile(filepath.Join(t.Trigger, "name"))
	if err != nil {
		return err
	}
	if err := deviceEcho(filepath.Join(t.Device, "trigger/current_trigger"), triggerName); err != nil {
		return err
	}
	deviceEcho(filepath.Join(t.Device, "buffer/length"), []byte(strconv.Itoa(t.MaxFIFO)))
	if err := deviceEcho(filepath.Join(t.Device, "buffer/enable"), []byte("1")); err != nil {
		return err
	}

	// The node stays busy for a moment after the buffer is re-enabled.
	var dev *os.File
	op := func() error {
		f, err := os.Open(t.DevNode)
		if err != nil {
			return err
		}
		dev = f
		return nil
	}
	err = backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		deviceEcho(filepath.Join(t.Device, "buffer/enable"), []byte("0"))
		return fmt.Errorf("open %s: %w", t.DevNode, err)
	}

	t.dev = dev
	t.running = true
	t.overflow = false
	t.done = make(chan struct{})
	go t.readloop(dev, t.layout, t.done)
	return nil
}

func (t *IIOTask) readloop(dev io.Reader, layout frameLayout, done chan struct{}) {
	defer close(done)
	r := bufio.NewReader(dev)
	frame := make([]byte, layout.size)
	since := 0
	for {
		if _, err := io.ReadFull(r, frame); err != nil {
			t.mu.Lock()
			running := t.running
			t.mu.Unlock()
			if running {
				t.logger.Error().Err(err).Msg("read iio frame")
			}
			return
		}

		t.mu.Lock()
		for ch, typ := range layout.types {
			t.fifo[ch] = append(t.fifo[ch], typ.decode(frame[layout.offsets[ch]:])*t.scales[ch])
		}
		if len(t.fifo[0]) > t.MaxFIFO {
			for ch := range t.fifo {
				t.fifo[ch] = t.fifo[ch][1:]
			}
			t.overflow = true
		}
		since++
		handler := t.handler
		fire := since == t.batchSize
		if fire {
			since = 0
		}
		t.mu.Unlock()

		if fire && handler != nil {
			handler()
		}
	}
}

func (t *IIOTask) Read(count int) ([][]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overflow {
		return nil, ErrHardwareOverflow
	}
	if len(t.fifo) == 0 {
		return nil, errors.New("iio task not configured")
	}

	avail := len(t.fifo[0])
	if count == ReadAllAvailable || count > avail {
		count = avail
	}
	out := make([][]float64, len(t.fifo))
	for ch := range t.fifo {
		out[ch] = append([]float64(nil), t.fifo[ch][:count]...)
		t.fifo[ch] = t.fifo[ch][count:]
	}
	return out, nil
}

func (t *IIOTask) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	dev, done := t.dev, t.done
	t.dev = nil
	t.mu.Unlock()

	err := deviceEcho(filepath.Join(t.Device, "buffer/enable"), []byte("0"))
	if cerr := dev.Close(); err == nil {
		err = cerr
	}
	<-done
	return err
}

func deviceEcho(filename string, data []byte) error {
	f, err := os.OpenFile(filename, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err1 := f.Close(); err == nil {
		err = err1
	}
	return err
}

func readInt(filename string) (int, error) {
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(buf)))
}

func readFloat(filename string) (float64, error) {
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(buf)), 64)
}

// scanType is a sysfs scan element type such as "le:s12/16>>4": endianness,
// sign, significant bits, storage bits and right shift.
type scanType struct {
	bigEndian bool
	signed    bool
	bits      int
	storage   int
	shift     int
}

// Used when a driver does not publish in_<ch>_type.
var defaultScanType = scanType{signed: true, bits: 32, storage: 32}

func parseScanType(s string) (scanType, error) {
	var st scanType
	s = strings.TrimSpace(s)

	endian, rest, ok := strings.Cut(s, ":")
	switch {
	case !ok:
		return st, fmt.Errorf("malformed scan type %q", s)
	case endian == "be":
		st.bigEndian = true
	case endian != "le":
		return st, fmt.Errorf("unknown endianness in %q", s)
	}

	if rest == "" {
		return st, fmt.Errorf("malformed scan type %q", s)
	}
	switch rest[0] {
	case 's', 'S':
		st.signed = true
	case 'u', 'U':
	default:
		return st, fmt.Errorf("unknown sign in %q", s)
	}
	rest = rest[1:]

	rest, shift, hasShift := strings.Cut(rest, ">>")
	bits, storage, ok := strings.Cut(rest, "/")
	if !ok {
		return st, fmt.Errorf("malformed scan type %q", s)
	}
	storage, repeat, hasRepeat := strings.Cut(storage, "X")
	if hasRepeat && repeat != "1" {
		return st, fmt.Errorf("repeated scan elements not supported: %q", s)
	}

	var err error
	if st.bits, err = strconv.Atoi(bits); err != nil {
		return st, fmt.Errorf("bits in %q: %w", s, err)
	}
	if st.storage, err = strconv.Atoi(storage); err != nil {
		return st, fmt.Errorf("storage in %q: %w", s, err)
	}
	if hasShift {
		if st.shift, err = strconv.Atoi(shift); err != nil {
			return st, fmt.Errorf("shift in %q: %w", s, err)
		}
	}

	switch st.storage {
	case 8, 16, 32, 64:
	default:
		return st, fmt.Errorf("unsupported storage of %d bits in %q", st.storage, s)
	}
	if st.bits <= 0 || st.bits+st.shift > st.storage {
		return st, fmt.Errorf("bits do not fit storage in %q", s)
	}
	return st, nil
}

// decode reads one element from the start of b.
func (st scanType) decode(b []byte) float64 {
	n := st.storage / 8
	var v uint64
	for i := 0; i < n; i++ {
		if st.bigEndian {
			v = v<<8 | uint64(b[i])
		} else {
			v |= uint64(b[i]) << (8 * i)
		}
	}
	v >>= uint(st.shift)
	if st.bits < 64 {
		v &= 1<<uint(st.bits) - 1
		if st.signed && v&(1<<uint(st.bits-1)) != 0 {
			return float64(int64(v) - int64(1)<<uint(st.bits))
		}
		return float64(v)
	}
	if st.signed {
		return float64(int64(v))
	}
	return float64(v)
}

// frameLayout places each element at a multiple of its own storage size; the
// frame is padded to a multiple of the largest element.
type frameLayout struct {
	types   []scanType
	offsets []int
	size    int
}

func newFrameLayout(types []scanType) frameLayout {
	l := frameLayout{types: types, offsets: make([]int, len(types))}
	largest := 1
	for i, st := range types {
		n := st.storage / 8
		if l.size%n != 0 {
			l.size += n - l.size%n
		}
		l.offsets[i] = l.size
		l.size += n
		if n > largest {
			largest = n
		}
	}
	if l.size%largest != 0 {
		l.size += largest - l.size%largest
	}
	return l
}
