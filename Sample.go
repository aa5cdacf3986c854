package pi_short_circuit

// Sample is a single time tagged reading in engineering units.
type Sample struct {
	Offset  float64 `json:"t"`
	Voltage float64 `json:"v"`
	Current float64 `json:"a"`
}

// Scaling converts raw channel volts into battery volts and shunt amps.
type Scaling struct {
	// Voltage divider ratio.
	VoltageScale float64
	// Shunt resistance in ohms.
	ShuntResistance float64
}

// DefaultScaling matches the 10:1 divider and 1 mOhm shunt on the stand.
var DefaultScaling = Scaling{
	VoltageScale:    10,
	ShuntResistance: 0.001,
}

// Convert turns raw [voltage, current] channel readings into Samples, starting
// at index first of the acquisition.
func (s Scaling) Convert(raw [][]float64, first int, rate float64) []Sample {
	if len(raw) < 2 {
		return nil
	}
	n := len(raw[0])
	if len(raw[1]) < n {
		n = len(raw[1])
	}

	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		out[i] = Sample{
			Offset:  float64(first+i) / rate,
			Voltage: raw[0][i] * s.VoltageScale,
			Current: raw[1][i] / s.ShuntResistance,
		}
	}
	return out
}

// TimeAxis returns n timestamps spaced 1/rate apart starting at zero.
func TimeAxis(n int, rate float64) []float64 {
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = float64(i) / rate
	}
	return axis
}
