package pi_short_circuit

import "time"

// Dataset is a finished run with its timeline aligned to short onset.
type Dataset struct {
	Run        string
	Started    time.Time
	Rate       float64
	Onset      float64
	Samples    []Sample
	MaxCurrent float64
	Decision   Decision
}

// Finalize rebuilds the time axis from the sample count and rate, shifts it so
// that t=0 is the switch pulse, and computes the peak current.
func Finalize(samples []Sample, rate float64, onset float64) (Dataset, error) {
	if len(samples) == 0 {
		return Dataset{}, &EmptyDatasetError{}
	}

	axis := TimeAxis(len(samples), rate)
	aligned := make([]Sample, len(samples))
	max := samples[0].Current
	for i, s := range samples {
		s.Offset = axis[i] - onset
		aligned[i] = s
		if s.Current > max {
			max = s.Current
		}
	}

	return Dataset{
		Rate:       rate,
		Onset:      onset,
		Samples:    aligned,
		MaxCurrent: max,
	}, nil
}
