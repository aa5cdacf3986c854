package pi_short_circuit

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeIIO lays out the sysfs files of a two channel ADC and an hrtimer trigger.
func fakeIIO(t *testing.T, frames int) (root, trigger, devnode string) {
	t.Helper()
	root = t.TempDir()
	trigger = filepath.Join(root, "trigger0")

	files := map[string]string{
		"iio:device0/buffer/enable":                   "0",
		"iio:device0/buffer/length":                   "0",
		"iio:device0/trigger/current_trigger":         "",
		"iio:device0/scan_elements/in_timestamp_en":   "0",
		"iio:device0/scan_elements/in_voltage0_en":    "0",
		"iio:device0/scan_elements/in_voltage0_index": "0",
		"iio:device0/scan_elements/in_voltage1_en":    "0",
		"iio:device0/scan_elements/in_voltage1_index": "1",
		"iio:device0/in_voltage_scale":                "0.5",
		"trigger0/name":                               "hrtimer0",
		"trigger0/sampling_frequency":                 "0",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	buf := make([]byte, 0, frames*8)
	for i := 0; i < frames; i++ {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(i*100)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(-i)))
	}
	devnode = filepath.Join(root, "dev")
	if err := os.WriteFile(devnode, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return root, trigger, devnode
}

func readTrimmed(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(b))
}

func TestIIOTaskStreamsFrames(t *testing.T) {
	root, trigger, devnode := fakeIIO(t, 25)
	task, err := NewIIOTask(root, trigger, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	task.DevNode = devnode

	if err := task.ConfigureChannels(StreamChannels...); err != nil {
		t.Fatal(err)
	}
	if err := task.ConfigureClock(1000, true); err != nil {
		t.Fatal(err)
	}
	if got := readTrimmed(t, filepath.Join(trigger, "sampling_frequency")); got != "1000" {
		t.Errorf("sampling_frequency = %q", got)
	}

	var mu sync.Mutex
	var got [][]float64
	batches := 0
	err = task.RegisterBatchCallback(10, func() {
		raw, err := task.Read(10)
		if err != nil {
			t.Error(err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		batches++
		got = append(got, raw...)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	if err := waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return batches == 2
	}); err != nil {
		t.Fatal("batch callback not fired twice")
	}
	// The reader exits at the end of the node.
	<-task.done
	if err := task.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := readTrimmed(t, filepath.Join(root, "iio:device0/buffer/enable")); got != "0" {
		t.Errorf("buffer left enabled: %q", got)
	}

	rest, err := task.Read(ReadAllAvailable)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest[0]) != 5 {
		t.Errorf("%d frames left after the last batch, want 5", len(rest[0]))
	}

	mu.Lock()
	defer mu.Unlock()
	// got alternates channel 0 and channel 1 slices per batch.
	if len(got) != 4 || len(got[0]) != 10 {
		t.Fatalf("batches = %d", len(got))
	}
	if v := got[2][3]; math.Abs(v-13*100*0.0005) > 1e-12 {
		t.Errorf("frame 13 channel 0 = %v", v)
	}
	if v := got[3][3]; math.Abs(v+13*0.0005) > 1e-12 {
		t.Errorf("frame 13 channel 1 = %v", v)
	}
}

func TestIIOTaskOverflow(t *testing.T) {
	root, trigger, devnode := fakeIIO(t, 25)
	task, err := NewIIOTask(root, trigger, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	task.DevNode = devnode
	task.MaxFIFO = 5

	if err := task.ConfigureChannels(StreamChannels...); err != nil {
		t.Fatal(err)
	}
	if err := task.ConfigureClock(1000, true); err != nil {
		t.Fatal(err)
	}
	if err := task.RegisterBatchCallback(100, func() {}); err != nil {
		t.Fatal(err)
	}
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	<-task.done
	if err := task.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := task.Read(ReadAllAvailable); !errors.Is(err, ErrHardwareOverflow) {
		t.Fatalf("Read = %v, want overflow", err)
	}
}

func TestIIOTaskChannelOrder(t *testing.T) {
	root, trigger, _ := fakeIIO(t, 0)
	task, err := NewIIOTask(root, trigger, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := task.ConfigureChannels("voltage1", "voltage0"); err == nil {
		t.Error("out of order channels accepted")
	}
	if err := task.ConfigureClock(1000, false); err == nil {
		t.Error("finite acquisition accepted")
	}
}

func TestNewIIOTaskMissingDevice(t *testing.T) {
	if _, err := NewIIOTask(t.TempDir(), "/nonexistent", zerolog.Nop()); err == nil {
		t.Error("expected an error without an iio:device")
	}
}

func TestParseScanType(t *testing.T) {
	tests := []struct {
		in   string
		want scanType
		bad  bool
	}{
		{in: "le:s32/32>>0", want: scanType{signed: true, bits: 32, storage: 32}},
		{in: "le:s12/16>>4\n", want: scanType{signed: true, bits: 12, storage: 16, shift: 4}},
		{in: "be:u16/16>>0", want: scanType{bigEndian: true, bits: 16, storage: 16}},
		{in: "le:u24/32X1>>8", want: scanType{bits: 24, storage: 32, shift: 8}},
		{in: "le:s8/8", want: scanType{signed: true, bits: 8, storage: 8}},
		{in: "le:s16/16X2>>0", bad: true},
		{in: "le:s12/24>>0", bad: true},
		{in: "le:s16/16>>4", bad: true},
		{in: "xe:s16/16>>0", bad: true},
		{in: "le:q16/16>>0", bad: true},
		{in: "le:s16>>0", bad: true},
		{in: "", bad: true},
	}
	for _, tt := range tests {
		got, err := parseScanType(tt.in)
		if tt.bad {
			if err == nil {
				t.Errorf("parseScanType(%q) accepted", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseScanType(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseScanType(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestScanTypeDecode(t *testing.T) {
	tests := []struct {
		typ  string
		raw  []byte
		want float64
	}{
		{"le:s32/32>>0", binary.LittleEndian.AppendUint32(nil, uint32(0xfffffff6)), -10},
		{"le:s12/16>>4", binary.LittleEndian.AppendUint16(nil, uint16(0xffb)<<4|0xf), -5},
		{"le:s12/16>>4", binary.LittleEndian.AppendUint16(nil, uint16(0x7ff)<<4), 2047},
		{"le:u12/16>>4", binary.LittleEndian.AppendUint16(nil, uint16(0xffb)<<4), 4091},
		{"be:s16/16>>0", []byte{0xff, 0xfe}, -2},
		{"be:u24/32>>8", []byte{0x00, 0x01, 0x02, 0xff}, 0x0102},
		{"le:s64/64>>0", binary.LittleEndian.AppendUint64(nil, ^uint64(0)), -1},
	}
	for _, tt := range tests {
		st, err := parseScanType(tt.typ)
		if err != nil {
			t.Fatal(err)
		}
		if got := st.decode(tt.raw); got != tt.want {
			t.Errorf("%s % x = %v, want %v", tt.typ, tt.raw, got, tt.want)
		}
	}
}

func TestFrameLayoutAlignment(t *testing.T) {
	s12, _ := parseScanType("le:s12/16>>4")
	s32, _ := parseScanType("le:s32/32>>0")
	u8, _ := parseScanType("le:u8/8>>0")

	l := newFrameLayout([]scanType{s12, s32})
	if l.offsets[0] != 0 || l.offsets[1] != 4 || l.size != 8 {
		t.Errorf("s12,s32 layout = %v size %d", l.offsets, l.size)
	}
	l = newFrameLayout([]scanType{s32, u8})
	if l.offsets[1] != 4 || l.size != 8 {
		t.Errorf("s32,u8 layout = %v size %d", l.offsets, l.size)
	}
	l = newFrameLayout([]scanType{s12, s12})
	if l.offsets[1] != 2 || l.size != 4 {
		t.Errorf("s12,s12 layout = %v size %d", l.offsets, l.size)
	}
}

func TestIIOTaskDecodesDeclaredScanTypes(t *testing.T) {
	root, trigger, devnode := fakeIIO(t, 0)
	scan := filepath.Join(root, "iio:device0/scan_elements")
	if err := os.WriteFile(filepath.Join(scan, "in_voltage0_type"), []byte("le:s12/16>>4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(scan, "in_voltage1_type"), []byte("le:s32/32>>0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// 12 bit channel 0 padded to its slot, then 32 bit channel 1 at offset 4.
	var buf []byte
	for i := 0; i < 3; i++ {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(-5+i)&0xfff)<<4)
		buf = append(buf, 0, 0)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(7*(i+1))))
	}
	if err := os.WriteFile(devnode, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	task, err := NewIIOTask(root, trigger, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	task.DevNode = devnode
	if err := task.ConfigureChannels(StreamChannels...); err != nil {
		t.Fatal(err)
	}
	if err := task.ConfigureClock(1000, true); err != nil {
		t.Fatal(err)
	}
	if err := task.RegisterBatchCallback(100, func() {}); err != nil {
		t.Fatal(err)
	}
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	<-task.done
	if err := task.Stop(); err != nil {
		t.Fatal(err)
	}

	got, err := task.Read(ReadAllAvailable)
	if err != nil {
		t.Fatal(err)
	}
	if len(got[0]) != 3 {
		t.Fatalf("%d frames, want 3", len(got[0]))
	}
	for i := 0; i < 3; i++ {
		if want := float64(-5+i) * 0.0005; math.Abs(got[0][i]-want) > 1e-12 {
			t.Errorf("frame %d channel 0 = %v, want %v", i, got[0][i], want)
		}
		if want := float64(7*(i+1)) * 0.0005; math.Abs(got[1][i]-want) > 1e-12 {
			t.Errorf("frame %d channel 1 = %v, want %v", i, got[1][i], want)
		}
	}
}

func TestIIOTaskRejectsUnknownScanType(t *testing.T) {
	root, trigger, _ := fakeIIO(t, 0)
	path := filepath.Join(root, "iio:device0/scan_elements/in_voltage1_type")
	if err := os.WriteFile(path, []byte("le:s16/16X4>>0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	task, err := NewIIOTask(root, trigger, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := task.ConfigureChannels(StreamChannels...); err == nil || !strings.Contains(err.Error(), "voltage1") {
		t.Errorf("ConfigureChannels = %v, want a voltage1 type error", err)
	}
}
