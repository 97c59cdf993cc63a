package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// referenceEnergy is the RMS amplitude treated as certain speech. Values at
// or above it map to probability 1.0.
const referenceEnergy = 10000.0

// Processor detects voice activity in fixed-size PCM windows using smoothed
// RMS energy against a configurable threshold.
type Processor struct {
	threshold  float32
	windowSize int // samples per window
	sampleRate int

	// Detection state
	lastResult float32
	smoothing  float32

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the outcome of processing one audio window.
type Result struct {
	Probability float32 `json:"probability"` // Voice probability (0.0 - 1.0)
	HasVoice    bool    `json:"has_voice"`   // Whether voice was detected
	Confidence  float32 `json:"confidence"`  // Confidence in the decision
	WindowIndex int     `json:"window_index"`
}

// ProcessorStats represents processor statistics for monitoring.
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance.
func NewProcessor(threshold float32, windowSize, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
		smoothing:  0.3,
	}, nil
}

// WindowSize returns the number of samples the processor expects per window.
func (p *Processor) WindowSize() int {
	return p.windowSize
}

// Process evaluates one window of audio samples and returns the voice
// activity decision. The window must be exactly WindowSize samples.
func (p *Processor) Process(samples []int16) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(samples) != p.windowSize {
		return nil, fmt.Errorf("expected %d samples, got %d", p.windowSize, len(samples))
	}

	probability := windowEnergy(samples)

	// Exponential smoothing to suppress single-window flicker.
	if p.totalWindows > 0 {
		probability = p.smoothing*probability + (1-p.smoothing)*p.lastResult
	}
	p.lastResult = probability

	hasVoice := probability >= p.threshold

	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()

	// Confidence grows with distance from the threshold, capped at 1.0.
	confidence := float32(math.Abs(float64(probability - p.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}
	confidence *= 2

	return &Result{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence,
		WindowIndex: int(p.totalWindows - 1),
	}, nil
}

// Reset clears the detection state and statistics.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastResult = 0
	p.totalWindows = 0
	p.voiceWindows = 0
}

// GetStats returns current processor statistics.
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// windowEnergy maps the RMS amplitude of a window to a 0..1 probability.
func windowEnergy(samples []int16) float32 {
	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	normalized := energy / referenceEnergy
	if normalized > 1.0 {
		normalized = 1.0
	}

	return float32(normalized)
}
