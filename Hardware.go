package pi_short_circuit

// ReadAllAvailable asks an AnalogTask for everything currently buffered.
const ReadAllAvailable = -1

// AnalogTask is a continuous, rate-locked, multi-channel analog input.
//
// The registered handler is invoked from the driver's own goroutine each time
// batchSize samples per channel are waiting to be read.
type AnalogTask interface {
	ConfigureChannels(channels ...string) error
	ConfigureClock(rate float64, continuous bool) error
	RegisterBatchCallback(batchSize int, handler func()) error

	// Read returns raw channel values as [channel][sample].
	Read(count int) ([][]float64, error)

	Start() error
	Stop() error
}

// Line is a single digital output.
type Line interface {
	Write(on bool) error
	Close() error
}
