package conditioner

import (
	"sync"

	"github.com/itohio/goqcm/pkg/ringbuf"
)

const (
	// DefaultBufferSize is the averaging window length in samples.
	DefaultBufferSize = 10
	// DefaultNominalFrequency is the nominal quartz crystal frequency (Hz).
	DefaultNominalFrequency = 6_000_000
	// Alias is the device's half timer clock (Hz).
	Alias = 8_000_000
	// AliasedNominalFrequency is the only crystal whose count is reported as
	// the timer complement and needs alias correction.
	AliasedNominalFrequency = 10_000_000
	// TemperatureScale converts device temperature counts to degrees.
	TemperatureScale = 10
)

// Value is the result of conditioning one raw sample.
type Value struct {
	Temperature float64 // degrees
	Frequency   float64 // Hz, alias-corrected when applicable
}

// Conditioner filters raw samples of a single device. The frequency passes a
// moving average followed by a median over successive averages; the median
// removes the glitches produced by pulse counting over a fixed gate time.
// Temperature passes a moving average only.
//
// Conditioner is safe for concurrent use; calls are serialized.
type Conditioner struct {
	mu sync.Mutex

	freqAvg    *ringbuf.Buffer[int64]   // raw frequency counts
	freqMedian *ringbuf.Buffer[float64] // successive frequency averages
	tempAvg    *ringbuf.Buffer[int64]   // raw temperature counts

	nominalFrequency int

	// scratch space reused between samples
	intScratch   []int64
	floatScratch []float64
}

// New creates a Conditioner with the given averaging window size.
// The median window is half of it, at least 1.
func New(bufferSize int) *Conditioner {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	medianSize := max(bufferSize/2, 1)

	return &Conditioner{
		freqAvg:          ringbuf.New[int64](bufferSize),
		freqMedian:       ringbuf.New[float64](medianSize),
		tempAvg:          ringbuf.New[int64](bufferSize),
		nominalFrequency: DefaultNominalFrequency,
		intScratch:       make([]int64, 0, bufferSize),
		floatScratch:     make([]float64, 0, medianSize),
	}
}

// SetNominalFrequency sets the crystal nominal frequency used from the next sample on.
func (c *Conditioner) SetNominalFrequency(frequency int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nominalFrequency = frequency
}

// NominalFrequency returns the configured crystal nominal frequency.
func (c *Conditioner) NominalFrequency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nominalFrequency
}

// ComputeValue parses a monitoring payload (without MonitorPrefix) and
// conditions it. A payload that fails to parse leaves the filter state untouched.
func (c *Conditioner) ComputeValue(payload string) (Value, error) {
	raw, err := ParseRaw(payload)
	if err != nil {
		return Value{}, err
	}
	return c.Process(raw), nil
}

// Process conditions an already parsed sample.
func (c *Conditioner) Process(raw RawSample) Value {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.freqAvg.Insert(raw.Frequency)
	c.intScratch = c.freqAvg.AppendValues(c.intScratch[:0])
	averageFrequency := meanInt(c.intScratch)

	c.freqMedian.Insert(averageFrequency)
	c.floatScratch = c.freqMedian.AppendValues(c.floatScratch[:0])
	frequency := Median(c.floatScratch)

	if c.nominalFrequency == AliasedNominalFrequency {
		frequency = 2*Alias - frequency
	}

	c.tempAvg.Insert(raw.Temperature)
	c.intScratch = c.tempAvg.AppendValues(c.intScratch[:0])
	temperature := meanInt(c.intScratch) / TemperatureScale

	return Value{
		Temperature: temperature,
		Frequency:   frequency,
	}
}

// Reset clears the filter history. The nominal frequency is kept.
func (c *Conditioner) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freqAvg.Reset()
	c.freqMedian.Reset()
	c.tempAvg.Reset()
}

// Len returns how many raw samples are currently retained in the averaging window.
func (c *Conditioner) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqAvg.Len()
}
