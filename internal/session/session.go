package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/whisper-stream-service/internal/audio"
	"github.com/skypro1111/whisper-stream-service/internal/metrics"
	"github.com/skypro1111/whisper-stream-service/internal/protocol"
	"github.com/skypro1111/whisper-stream-service/internal/transcription"
)

// flushGrace bounds how long a closing session may wait for the backend to
// transcribe its final flushed chunk. Expiry never blocks longer than this.
const flushGrace = 5 * time.Second

// ErrSessionClosed is returned for operations on a session that is already
// closing or closed.
var ErrSessionClosed = errors.New("session closed")

// State is the lifecycle state of a Session.
type State int32

const (
	StateAdmitted State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// CloseReason records why a session left the streaming state.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonClientStop
	ReasonDeadlineExceeded
	ReasonMalformedFrame
	ReasonBackendUnavailable
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClientStop:
		return "client_stop"
	case ReasonDeadlineExceeded:
		return "deadline_exceeded"
	case ReasonMalformedFrame:
		return "malformed_frame"
	case ReasonBackendUnavailable:
		return "backend_unavailable"
	case ReasonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// graceful reports whether the pending audio should still be flushed to the
// backend on close.
func (r CloseReason) graceful() bool {
	switch r {
	case ReasonClientStop, ReasonDeadlineExceeded, ReasonShutdown:
		return true
	default:
		return false
	}
}

// Session is one client's bounded-lifetime streaming transcription context.
// Frames enter through HandleFrame, a single worker goroutine drives the
// chunker and the backend, and ordered transcript segments leave through
// Segments. All frame-path state is owned by the worker; cross-goroutine
// coordination happens only through the frame queue and the context.
type Session struct {
	ID        string
	StartTime time.Time
	Deadline  time.Time

	maxFrameBytes int
	model         string
	language      string
	temperature   float32

	chunker *audio.Chunker
	backend transcription.Backend
	logger  *slog.Logger
	metrics *metrics.Metrics

	frames   chan *protocol.Frame
	segments chan protocol.TranscriptSegment

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Lifecycle state, guarded by mu. closeOnce makes the terminal
	// transition idempotent.
	mu            sync.RWMutex
	state         State
	closeReason   CloseReason
	closeErr      error
	closeOnce     sync.Once
	frameSeq      uint64
	framesDropped uint64

	// onRelease is invoked exactly once after the worker drains, removing
	// the session from the registry.
	onRelease func()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Age returns the session's wall-clock age.
func (s *Session) Age() time.Duration {
	return time.Since(s.StartTime)
}

// Done is closed when the session begins closing. The transport watchdog
// uses it to unblock the connection read.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Segments returns the ordered transcript output channel. It is closed once
// all in-flight work for the session has drained.
func (s *Session) Segments() <-chan protocol.TranscriptSegment {
	return s.segments
}

// CloseInfo returns the close reason and any causing error. Meaningful once
// Done is closed.
func (s *Session) CloseInfo() (CloseReason, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeReason, s.closeErr
}

// HandleFrame validates and enqueues one inbound binary payload. A deadline
// hit moves the session to closing (the expiry path), a malformed payload
// fails the session, and a full queue drops the frame.
func (s *Session) HandleFrame(data []byte) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if time.Now().After(s.Deadline) {
		s.mu.Unlock()
		s.Close(ReasonDeadlineExceeded, nil)
		return ErrSessionClosed
	}

	if err := protocol.ValidateFrame(data, s.maxFrameBytes); err != nil {
		s.mu.Unlock()
		s.metrics.RecordMalformedFrame()
		s.Close(ReasonMalformedFrame, err)
		return err
	}

	if s.state == StateAdmitted {
		s.state = StateStreaming
	}

	s.frameSeq++
	frame := &protocol.Frame{
		Data:       data,
		Seq:        s.frameSeq,
		ReceivedAt: time.Now(),
	}
	s.mu.Unlock()

	s.metrics.RecordFrameReceived()

	// Bounded-buffer-with-drop: a backend slower than the inbound frame
	// rate costs audio, never memory and never another session's progress.
	select {
	case s.frames <- frame:
	default:
		s.mu.Lock()
		s.framesDropped++
		dropped := s.framesDropped
		s.mu.Unlock()

		s.metrics.RecordFrameDropped()
		s.logger.Warn("Frame queue full, dropping frame",
			slog.String("session_id", s.ID),
			slog.Uint64("seq", frame.Seq),
			slog.Uint64("dropped_total", dropped),
		)
	}

	return nil
}

// HandleControl processes one inbound text message. A stop request closes
// the session gracefully; anything else is malformed and fails it.
func (s *Session) HandleControl(data []byte) error {
	msg, err := protocol.ParseControl(data)
	if err != nil {
		s.metrics.RecordMalformedFrame()
		s.Close(ReasonMalformedFrame, err)
		return err
	}

	switch msg.Type {
	case protocol.TypeStop:
		s.Close(ReasonClientStop, nil)
	}

	return nil
}

// Close moves the session to closing with the given reason. Safe to call
// from any goroutine; repeated calls have no further effect.
func (s *Session) Close(reason CloseReason, cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.closeReason = reason
		s.closeErr = cause
		s.mu.Unlock()

		s.logger.Info("Session closing",
			slog.String("session_id", s.ID),
			slog.String("reason", reason.String()),
			slog.Duration("age", s.Age()),
		)

		s.cancel()
	})
}

// Expire forces the deadline-exceeded close path.
func (s *Session) Expire() {
	s.Close(ReasonDeadlineExceeded, nil)
}

// Wait blocks until the session's worker has drained.
func (s *Session) Wait() {
	s.wg.Wait()
}

// run is the session worker: it owns the chunker, submits chunks to the
// backend in arrival order, and emits segments in production order.
func (s *Session) run() {
	defer s.wg.Done()
	defer s.finish()

	for {
		select {
		case <-s.ctx.Done():
			s.drainAndFlush()
			return

		case frame := <-s.frames:
			if err := s.processFrame(s.ctx, frame); err != nil {
				if s.ctx.Err() != nil {
					s.drainAndFlush()
					return
				}
				s.Close(ReasonBackendUnavailable, err)
				// Loop back to the ctx.Done branch.
			}
		}
	}
}

// processFrame feeds one frame through the chunker and transcribes any
// completed chunks.
func (s *Session) processFrame(ctx context.Context, frame *protocol.Frame) error {
	samples, err := audio.BytesToSamples(frame.Data)
	if err != nil {
		// Frame length was validated on ingress.
		return fmt.Errorf("frame decode failed: %w", err)
	}

	chunks, err := s.chunker.ProcessFrame(samples)
	if err != nil {
		return fmt.Errorf("chunking failed: %w", err)
	}

	for _, chunk := range chunks {
		if err := s.transcribeChunk(ctx, chunk); err != nil {
			return err
		}
	}

	return nil
}

// drainAndFlush finishes a closing session: on a graceful close the queued
// frames and the pending chunk are still transcribed, bounded by flushGrace.
func (s *Session) drainAndFlush() {
	reason, _ := s.CloseInfo()
	if !reason.graceful() {
		return
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), flushGrace)
	defer cancel()

	// Feed frames that arrived before the close without blocking for more.
	var chunks []*audio.Chunk
	for {
		select {
		case frame := <-s.frames:
			samples, err := audio.BytesToSamples(frame.Data)
			if err != nil {
				continue
			}
			out, err := s.chunker.ProcessFrame(samples)
			if err != nil {
				continue
			}
			chunks = append(chunks, out...)
		default:
			if tail := s.chunker.Flush(); tail != nil {
				chunks = append(chunks, tail)
			}

			for _, chunk := range chunks {
				if err := s.transcribeChunk(graceCtx, chunk); err != nil {
					s.logger.Warn("Final flush transcription failed",
						slog.String("session_id", s.ID),
						slog.String("error", err.Error()),
					)
					return
				}
			}
			return
		}
	}
}

// transcribeChunk submits one chunk and emits the resulting segments.
func (s *Session) transcribeChunk(ctx context.Context, chunk *audio.Chunk) error {
	s.metrics.RecordChunkGenerated(chunk.Duration.Seconds())

	wavData, err := audio.EncodeWAV(chunk.Samples, chunk.SampleRate)
	if err != nil {
		return fmt.Errorf("wav encoding failed: %w", err)
	}

	request := &transcription.Request{
		SessionID:   s.ID,
		ChunkIndex:  chunk.Index,
		Start:       chunk.Start,
		End:         chunk.End,
		SampleRate:  chunk.SampleRate,
		AudioData:   wavData,
		Model:       s.model,
		Language:    s.language,
		Temperature: s.temperature,
	}

	s.metrics.RecordTranscriptionRequest()
	startTime := time.Now()

	response, err := s.backend.Transcribe(ctx, request)
	elapsed := time.Since(startTime)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		return err
	}

	s.metrics.RecordTranscriptionSuccess(elapsed.Seconds())

	for _, segment := range buildSegments(chunk, response) {
		s.emit(ctx, segment)
	}

	return nil
}

// buildSegments converts a backend response into wire segments with offsets
// rebased from chunk-relative to session-relative seconds.
func buildSegments(chunk *audio.Chunk, response *transcription.Response) []protocol.TranscriptSegment {
	if len(response.Segments) > 0 {
		segments := make([]protocol.TranscriptSegment, 0, len(response.Segments))
		for _, seg := range response.Segments {
			if seg.Text == "" {
				continue
			}
			segments = append(segments, protocol.TranscriptSegment{
				Type:    protocol.TypeSegment,
				Start:   chunk.Start + seg.Start,
				End:     chunk.Start + seg.End,
				Text:    seg.Text,
				IsFinal: true,
			})
		}
		return segments
	}

	if response.Text == "" {
		return nil
	}

	return []protocol.TranscriptSegment{{
		Type:    protocol.TypeSegment,
		Start:   chunk.Start,
		End:     chunk.End,
		Text:    response.Text,
		IsFinal: true,
	}}
}

// emit delivers one segment to the outbound channel. During normal streaming
// this applies backpressure to the worker; once the session is closing the
// send is best-effort so the flush can never stall the close.
func (s *Session) emit(ctx context.Context, segment protocol.TranscriptSegment) {
	select {
	case s.segments <- segment:
		s.metrics.RecordSegmentDelivered()
	case <-ctx.Done():
		select {
		case s.segments <- segment:
			s.metrics.RecordSegmentDelivered()
		default:
			s.logger.Warn("Dropping segment on close, delivery channel full",
				slog.String("session_id", s.ID),
			)
		}
	}
}

// finish completes the terminal transition and releases the registry slot.
func (s *Session) finish() {
	// A disconnect without an explicit reason counts as a client stop.
	s.Close(ReasonClientStop, nil)

	s.mu.Lock()
	s.state = StateClosed
	reason := s.closeReason
	s.mu.Unlock()

	close(s.segments)

	s.metrics.RecordSessionDestroyed(s.Age().Seconds())
	s.logger.Info("Session closed",
		slog.String("session_id", s.ID),
		slog.String("reason", reason.String()),
		slog.Duration("duration", s.Age()),
	)

	if s.onRelease != nil {
		s.onRelease()
	}
}
