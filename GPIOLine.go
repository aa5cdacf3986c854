package pi_short_circuit

import (
	"fmt"
	"sync"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

var hostInit struct {
	sync.Once
	err error
}

// GPIOLine is a Line on a periph GPIO pin.
type GPIOLine struct {
	Pin gpio.PinIO
}

// OpenLine resolves a pin by name ("GPIO17") and configures it as a low output.
func OpenLine(name string) (*GPIOLine, error) {
	hostInit.Do(func() {
		_, hostInit.err = host.Init()
	})
	if hostInit.err != nil {
		return nil, hostInit.err
	}

	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no gpio named %q", name)
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}
	return &GPIOLine{Pin: p}, nil
}

func (l *GPIOLine) Write(on bool) error {
	if on {
		return l.Pin.Out(gpio.High)
	}
	return l.Pin.Out(gpio.Low)
}

// Close leaves the pin low and stops any ongoing operation on it.
func (l *GPIOLine) Close() error {
	if err := l.Pin.Out(gpio.Low); err != nil {
		return err
	}
	return l.Pin.Halt()
}

// IsHigh reads back the pin level.
func (l *GPIOLine) IsHigh() bool {
	return l.Pin.Read() == gpio.High
}
