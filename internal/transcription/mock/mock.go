// Package mock provides a test double for the transcription.Backend
// interface. Use Backend to feed scripted responses and inspect submitted
// requests without a live Whisper server.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/skypro1111/whisper-stream-service/internal/transcription"
)

// Backend is a scripted implementation of transcription.Backend.
type Backend struct {
	mu sync.Mutex

	// TranscribeErr, if non-nil, is returned from every Transcribe call.
	TranscribeErr error

	// FailAfter, when > 0, makes Transcribe fail with
	// transcription.ErrBackendUnavailable once that many calls succeeded.
	FailAfter int

	// Respond, if non-nil, builds the response for a request. When nil a
	// default response echoing the chunk offsets is produced.
	Respond func(request *transcription.Request) *transcription.Response

	// Delay blocks each call until the context ends when set, simulating a
	// slow backend. The context error is returned.
	Block bool

	// Requests records every submitted request in call order.
	Requests []*transcription.Request

	closed bool
}

// Transcribe records the request and returns the scripted response.
func (b *Backend) Transcribe(ctx context.Context, request *transcription.Request) (*transcription.Response, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: backend closed", transcription.ErrBackendUnavailable)
	}
	b.Requests = append(b.Requests, request)
	calls := len(b.Requests)
	block := b.Block
	scriptedErr := b.TranscribeErr
	failAfter := b.FailAfter
	respond := b.Respond
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if scriptedErr != nil {
		return nil, scriptedErr
	}

	if failAfter > 0 && calls > failAfter {
		return nil, fmt.Errorf("%w: scripted failure", transcription.ErrBackendUnavailable)
	}

	if respond != nil {
		return respond(request), nil
	}

	text := fmt.Sprintf("chunk %d", request.ChunkIndex)
	return &transcription.Response{
		Text:     text,
		Language: request.Language,
		Model:    request.Model,
		Segments: []transcription.Segment{
			{Start: 0, End: request.End - request.Start, Text: text},
		},
	}, nil
}

// Close marks the backend closed; later Transcribe calls fail.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// RequestCount returns the number of recorded requests. Thread-safe.
func (b *Backend) RequestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Requests)
}

// SessionIDs returns the distinct session ids seen, in first-seen order.
func (b *Backend) SessionIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for _, req := range b.Requests {
		if !seen[req.SessionID] {
			seen[req.SessionID] = true
			ids = append(ids, req.SessionID)
		}
	}
	return ids
}

// Transcript joins the texts of all default responses for a session, useful
// for order assertions.
func (b *Backend) Transcript(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var parts []string
	for _, req := range b.Requests {
		if req.SessionID == sessionID {
			parts = append(parts, fmt.Sprintf("chunk %d", req.ChunkIndex))
		}
	}
	return strings.Join(parts, " ")
}

// Ensure Backend implements transcription.Backend at compile time.
var _ transcription.Backend = (*Backend)(nil)
