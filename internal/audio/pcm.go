package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// BytesToSamples converts little-endian PCM16 bytes into samples.
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("pcm data length must be even, got %d bytes", len(data))
	}

	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}

	return samples, nil
}

// SamplesToBytes converts PCM16 samples into little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(sample))
	}

	return data
}

// SamplesDuration returns the wall-clock duration of a sample count at the
// given rate.
func SamplesDuration(sampleCount, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(sampleRate)
}
