package audio

import (
	"testing"
	"time"
)

func TestPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 500}

	data := SamplesToBytes(samples)
	if len(data) != len(samples)*BytesPerSample {
		t.Fatalf("Expected %d bytes, got %d", len(samples)*BytesPerSample, len(data))
	}

	decoded, err := BytesToSamples(data)
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}

	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestBytesToSamplesRejectsOddLength(t *testing.T) {
	if _, err := BytesToSamples([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length data, got nil")
	}
}

func TestSamplesDuration(t *testing.T) {
	if d := SamplesDuration(16000, 16000); d != time.Second {
		t.Errorf("Expected 1s, got %v", d)
	}

	if d := SamplesDuration(8000, 16000); d != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", d)
	}

	if d := SamplesDuration(100, 0); d != 0 {
		t.Errorf("Expected 0 for zero sample rate, got %v", d)
	}
}
