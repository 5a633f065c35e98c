package conditioner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MonitorPrefix tags custom messages carrying one raw sample.
	MonitorPrefix = "RAWMONITOR"
	// fieldSeparator splits frequency and temperature counts.
	fieldSeparator = "_"
)

// ErrParse is returned for a malformed monitoring payload.
var ErrParse = errors.New("malformed monitoring payload")

// RawSample is one undecoded device reading.
type RawSample struct {
	Frequency   int64 // pulse count over the gate interval, int32 range
	Temperature int64 // tenths of a degree, int32 range
}

// ParseRaw parses a monitoring payload with the MonitorPrefix already removed.
// Both fields are 32-bit signed integers.
// Format: frequency_temperature
// Example: 1234_567
func ParseRaw(payload string) (RawSample, error) {
	parts := strings.Split(payload, fieldSeparator)
	if len(parts) != 2 {
		return RawSample{}, fmt.Errorf("%w: expected 2 %q-separated values, got %d", ErrParse, fieldSeparator, len(parts))
	}

	frequency, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return RawSample{}, fmt.Errorf("%w: invalid frequency %q", ErrParse, parts[0])
	}

	temperature, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return RawSample{}, fmt.Errorf("%w: invalid temperature %q", ErrParse, parts[1])
	}

	return RawSample{
		Frequency:   frequency,
		Temperature: temperature,
	}, nil
}

// ParseMessage parses a full custom message such as "RAWMONITOR1234_567".
// ok is false when the message does not carry the MonitorPrefix.
func ParseMessage(message string) (sample RawSample, ok bool, err error) {
	payload, found := strings.CutPrefix(message, MonitorPrefix)
	if !found {
		return RawSample{}, false, nil
	}
	sample, err = ParseRaw(payload)
	return sample, true, err
}
