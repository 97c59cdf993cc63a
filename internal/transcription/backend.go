package transcription

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable indicates the inference engine could not produce a
// result. It is fatal for the submitting session only; the service itself
// stays available.
var ErrBackendUnavailable = errors.New("transcription backend unavailable")

// Request carries one audio chunk to the backend. AudioData is a complete
// WAV file. Start and End are seconds from the session's first sample and
// are echoed into the resulting segments.
type Request struct {
	SessionID   string
	ChunkIndex  int
	Start       float64
	End         float64
	SampleRate  int
	AudioData   []byte
	Model       string
	Language    string
	Temperature float32
}

// Segment is one timed span of recognized text, offsets in seconds relative
// to the submitted chunk.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Response is the backend's answer for one chunk. Segments are ordered by
// non-decreasing start time.
type Response struct {
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Segments    []Segment `json:"segments,omitempty"`
	Model       string    `json:"model,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Backend is the opaque transcription capability consumed by sessions.
// Implementations must be safe for concurrent use across sessions; per
// session ordering is the caller's responsibility (each session submits from
// a single worker goroutine).
type Backend interface {
	// Transcribe submits one chunk and blocks until segments are available,
	// the context is cancelled, or the backend gives up. Unrecoverable
	// failures wrap ErrBackendUnavailable.
	Transcribe(ctx context.Context, request *Request) (*Response, error)

	// Close releases the backend's resources, waiting for in-flight
	// requests to drain.
	Close() error
}
