package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type values used in the "type" field of JSON messages.
const (
	// Inbound control messages
	TypeStop = "stop"

	// Outbound messages
	TypeReady   = "ready"
	TypeSegment = "segment"
	TypeError   = "error"
)

// Error codes carried by outbound error messages.
const (
	CodeCapacityExceeded   = "capacity_exceeded"
	CodeMalformedFrame     = "malformed_frame"
	CodeBackendUnavailable = "backend_unavailable"
)

// ErrMalformedFrame is the base error for any inbound message that violates
// the frame or control message format. It is fatal for the owning session
// and never affects other sessions.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame represents one validated unit of inbound audio: a PCM16LE mono
// payload as carried by a single binary WebSocket message.
type Frame struct {
	Data       []byte
	Seq        uint64
	ReceivedAt time.Time
}

// Samples returns the number of PCM samples in the frame.
func (f *Frame) Samples() int {
	return len(f.Data) / 2
}

// ValidateFrame checks an inbound binary payload against the frame format:
// non-empty, even byte length (16-bit samples), and within the configured
// size bound. All violations wrap ErrMalformedFrame.
func ValidateFrame(data []byte, maxFrameBytes int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	if len(data)%2 != 0 {
		return fmt.Errorf("%w: payload length %d is not sample-aligned", ErrMalformedFrame, len(data))
	}

	if len(data) > maxFrameBytes {
		return fmt.Errorf("%w: payload length %d exceeds limit %d", ErrMalformedFrame, len(data), maxFrameBytes)
	}

	return nil
}

// ControlMessage represents an inbound JSON text message.
type ControlMessage struct {
	Type string `json:"type"`
}

// ParseControl parses an inbound text message. Unknown or unparsable control
// messages wrap ErrMalformedFrame, matching the binary frame policy.
func ParseControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid control message: %v", ErrMalformedFrame, err)
	}

	switch msg.Type {
	case TypeStop:
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown control type %q", ErrMalformedFrame, msg.Type)
	}
}

// ReadyMessage is sent once after a connection is admitted.
type ReadyMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Model      string `json:"model"`
	SampleRate int    `json:"sample_rate"`
}

// NewReadyMessage builds the admission acknowledgement for a session.
func NewReadyMessage(sessionID, model string, sampleRate int) ReadyMessage {
	return ReadyMessage{
		Type:       TypeReady,
		SessionID:  sessionID,
		Model:      model,
		SampleRate: sampleRate,
	}
}

// TranscriptSegment is one ordered unit of transcription output. Start and
// End are seconds from the first audio sample of the session. Segments are
// never mutated after emission.
type TranscriptSegment struct {
	Type    string  `json:"type"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	IsFinal bool    `json:"is_final"`
}

// ErrorMessage is sent before an abnormal close when the transport is still
// open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorMessage builds an outbound error envelope.
func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{
		Type:    TypeError,
		Code:    code,
		Message: message,
	}
}
