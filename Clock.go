package pi_short_circuit

import "time"

// Clock is the sequencing timeline.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration) error
}

// WallClock sleeps for real.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) Sleep(d time.Duration) error {
	time.Sleep(d)
	return nil
}
