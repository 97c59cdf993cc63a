package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/whisper-stream-service/internal/vad"
)

// ChunkState represents the current state of the chunking process
type ChunkState int

const (
	StateIdle ChunkState = iota
	StateCollecting
)

func (s ChunkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Chunk represents a contiguous run of audio ready for transcription.
// Start and End are seconds from the first sample the chunker ever saw, so
// chunk offsets for a session are strictly increasing.
type Chunk struct {
	Index      int           `json:"index"`
	Start      float64       `json:"start"`
	End        float64       `json:"end"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	Samples    []int16       `json:"-"`
}

// ChunkingConfig contains configuration for the chunking process
type ChunkingConfig struct {
	MinDuration        time.Duration
	MaxDuration        time.Duration
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	SampleRate         int
}

// Chunker accumulates PCM frames and cuts transcription chunks at silence
// boundaries, or unconditionally at MaxDuration. Not safe for concurrent use
// by multiple writers; a session feeds it from a single worker goroutine.
type Chunker struct {
	config   ChunkingConfig
	detector *vad.Processor

	state   ChunkState
	pending []int16

	// Position of pending[0] in samples from the start of the stream.
	startSample int64

	// VAD bookkeeping within pending.
	analyzedSamples  int   // samples of pending already run through VAD
	speechSamples    int   // voiced samples accumulated in pending
	silenceRun       int   // trailing unvoiced samples in pending
	nextIndex        int

	// Statistics
	chunksCreated uint64
	totalDuration time.Duration

	mu sync.RWMutex
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	State          string        `json:"state"`
	ChunksCreated  uint64        `json:"chunks_created"`
	TotalDuration  time.Duration `json:"total_duration"`
	PendingSamples int           `json:"pending_samples"`
}

// NewChunker creates a new audio chunker. The detector selects chunk
// boundaries; it must be configured for the same sample rate.
func NewChunker(config ChunkingConfig, detector *vad.Processor) *Chunker {
	return &Chunker{
		config:   config,
		detector: detector,
		state:    StateIdle,
	}
}

// ProcessFrame appends one frame of samples and returns any chunks that
// became complete. Multiple chunks may be returned for a large frame.
func (c *Chunker) ProcessFrame(samples []int16) ([]*Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, samples...)
	if c.state == StateIdle && len(c.pending) > 0 {
		c.state = StateCollecting
	}

	var chunks []*Chunk
	for {
		if err := c.analyzePending(); err != nil {
			return chunks, err
		}

		chunk := c.maybeCut()
		if chunk == nil {
			break
		}
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// Flush force-finalizes the pending audio, if any. Called on session close
// and on deadline expiry so the tail of the stream is still transcribed.
func (c *Chunker) Flush() *Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	return c.cut(len(c.pending))
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ChunkerStats{
		State:          c.state.String(),
		ChunksCreated:  c.chunksCreated,
		TotalDuration:  c.totalDuration,
		PendingSamples: len(c.pending),
	}
}

// analyzePending runs VAD over any complete windows that have not been
// evaluated yet, updating the speech and silence counters.
func (c *Chunker) analyzePending() error {
	windowSize := c.detector.WindowSize()

	for c.analyzedSamples+windowSize <= len(c.pending) {
		window := c.pending[c.analyzedSamples : c.analyzedSamples+windowSize]

		result, err := c.detector.Process(window)
		if err != nil {
			return fmt.Errorf("vad processing failed: %w", err)
		}

		if result.HasVoice {
			c.speechSamples += windowSize
			c.silenceRun = 0
		} else {
			c.silenceRun += windowSize
		}

		c.analyzedSamples += windowSize
	}

	return nil
}

// maybeCut finalizes the pending audio when a cut condition holds, returning
// nil otherwise.
func (c *Chunker) maybeCut() *Chunk {
	pendingDur := SamplesDuration(len(c.pending), c.config.SampleRate)

	// Hard bound: never hold more than MaxDuration of audio.
	if pendingDur >= c.config.MaxDuration {
		return c.cut(len(c.pending))
	}

	// Natural boundary: enough speech collected and the speaker went quiet.
	speechDur := SamplesDuration(c.speechSamples, c.config.SampleRate)
	silenceDur := SamplesDuration(c.silenceRun, c.config.SampleRate)
	if pendingDur >= c.config.MinDuration &&
		speechDur >= c.config.MinSpeechDuration &&
		silenceDur >= c.config.MinSilenceDuration {
		return c.cut(c.analyzedSamples)
	}

	return nil
}

// cut removes the first n samples of pending as a finished chunk.
func (c *Chunker) cut(n int) *Chunk {
	if n <= 0 || n > len(c.pending) {
		n = len(c.pending)
	}

	samples := make([]int16, n)
	copy(samples, c.pending[:n])

	start := float64(c.startSample) / float64(c.config.SampleRate)
	end := float64(c.startSample+int64(n)) / float64(c.config.SampleRate)
	duration := SamplesDuration(n, c.config.SampleRate)

	chunk := &Chunk{
		Index:      c.nextIndex,
		Start:      start,
		End:        end,
		Duration:   duration,
		SampleRate: c.config.SampleRate,
		Samples:    samples,
	}

	// Advance the stream position and reset per-chunk bookkeeping.
	remainder := len(c.pending) - n
	copy(c.pending, c.pending[n:])
	c.pending = c.pending[:remainder]
	c.startSample += int64(n)
	c.analyzedSamples = 0
	c.speechSamples = 0
	c.silenceRun = 0
	c.nextIndex++

	if remainder == 0 {
		c.state = StateIdle
	}

	c.chunksCreated++
	c.totalDuration += duration

	return chunk
}
