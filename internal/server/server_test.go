package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/whisper-stream-service/internal/audio"
	"github.com/skypro1111/whisper-stream-service/internal/config"
	"github.com/skypro1111/whisper-stream-service/internal/metrics"
	"github.com/skypro1111/whisper-stream-service/internal/session"
	"github.com/skypro1111/whisper-stream-service/internal/transcription/mock"
)

const testSampleRate = 16000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer brings up a full server on an ephemeral port, backed by
// the scripted transcription backend.
func startTestServer(t *testing.T, backend *mock.Backend, mutate func(*session.Config)) *WSServer {
	t.Helper()

	sessionConfig := session.Config{
		MaxClients:        4,
		MaxConnectionTime: 10 * time.Second,
		SampleRate:        testSampleRate,
		MaxFrameBytes:     1 << 16,
		Chunking: audio.ChunkingConfig{
			MinDuration:        50 * time.Millisecond,
			MaxDuration:        100 * time.Millisecond,
			MinSpeechDuration:  10 * time.Millisecond,
			MinSilenceDuration: 20 * time.Millisecond,
			SampleRate:         testSampleRate,
		},
		VADThreshold:  0.5,
		VADWindowSize: 160,
		Model:         "small",
		Language:      "en",
	}
	if mutate != nil {
		mutate(&sessionConfig)
	}

	cfg := config.Default()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.MaxClients = sessionConfig.MaxClients

	appMetrics := metrics.NewMetrics()
	mgr := session.NewManager(testLogger(), appMetrics, backend, sessionConfig)

	srv := NewWSServer(cfg, testLogger(), mgr, appMetrics)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		mgr.Stop()
		srv.Wait()
	})

	return srv
}

func dial(t *testing.T, srv *WSServer) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// makeFrame builds one binary frame of n samples of a loud square wave.
func makeFrame(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 25000
		} else {
			samples[i] = -25000
		}
	}
	return audio.SamplesToBytes(samples)
}

// readReady consumes and checks the admission acknowledgement.
func readReady(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ready map[string]interface{}
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("Failed to read ready message: %v", err)
	}
	if ready["type"] != "ready" {
		t.Fatalf("Expected ready message, got: %v", ready)
	}
	return ready
}

// readUntilClose drains messages until the server closes the connection,
// returning the decoded messages and the close error.
func readUntilClose(t *testing.T, conn *websocket.Conn) ([]map[string]interface{}, *websocket.CloseError) {
	t.Helper()

	var messages []map[string]interface{}
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return messages, closeErr
			}
			t.Fatalf("Unexpected read error: %v", err)
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to decode message %q: %v", data, err)
		}
		messages = append(messages, msg)
	}
}

func TestPlainHTTPGetsNoResponse(t *testing.T) {
	srv := startTestServer(t, &mock.Backend{}, nil)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/")
	if err == nil {
		resp.Body.Close()
		t.Fatalf("Expected connection error for plain HTTP, got status %d", resp.StatusCode)
	}
}

func TestSessionLifecycleOverWebSocket(t *testing.T) {
	backend := &mock.Backend{}
	srv := startTestServer(t, backend, nil)

	conn := dial(t, srv)
	ready := readReady(t, conn)

	if ready["model"] != "small" {
		t.Errorf("Expected model 'small' in ready message, got %v", ready["model"])
	}
	if ready["session_id"] == "" || ready["session_id"] == nil {
		t.Error("Ready message missing session_id")
	}

	// Each frame spans one full chunk.
	frame := makeFrame(testSampleRate / 10)
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("Failed to write frame %d: %v", i, err)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("Failed to write stop message: %v", err)
	}

	messages, closeErr := readUntilClose(t, conn)

	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("Expected close code 1000, got %d (%s)", closeErr.Code, closeErr.Text)
	}

	if len(messages) != 3 {
		t.Fatalf("Expected 3 segments, got %d: %v", len(messages), messages)
	}

	var lastStart float64 = -1
	for i, msg := range messages {
		if msg["type"] != "segment" {
			t.Errorf("Message %d is not a segment: %v", i, msg)
		}
		start := msg["start"].(float64)
		if start < lastStart {
			t.Errorf("Segment %d starts at %.2f before previous %.2f", i, start, lastStart)
		}
		lastStart = start
	}
}

func TestCapacityExceededClosesWithTryAgainLater(t *testing.T) {
	srv := startTestServer(t, &mock.Backend{}, func(c *session.Config) {
		c.MaxClients = 1
	})

	first := dial(t, srv)
	readReady(t, first)

	second := dial(t, srv)
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected close error on over-capacity connection, got: %v", err)
	}

	if closeErr.Code != websocket.CloseTryAgainLater {
		t.Errorf("Expected close code 1013, got %d (%s)", closeErr.Code, closeErr.Text)
	}

	// The admitted session is unaffected and still closes normally.
	if err := first.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("Failed to write stop message: %v", err)
	}

	_, firstClose := readUntilClose(t, first)
	if firstClose.Code != websocket.CloseNormalClosure {
		t.Errorf("Expected close code 1000 for admitted session, got %d", firstClose.Code)
	}
}

func TestMalformedFrameClosesWithUnsupportedData(t *testing.T) {
	srv := startTestServer(t, &mock.Backend{}, nil)

	conn := dial(t, srv)
	readReady(t, conn)

	// Odd byte count cannot be 16-bit PCM.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	messages, closeErr := readUntilClose(t, conn)

	if closeErr.Code != websocket.CloseUnsupportedData {
		t.Errorf("Expected close code 1003, got %d (%s)", closeErr.Code, closeErr.Text)
	}

	if len(messages) != 1 {
		t.Fatalf("Expected a single error envelope, got %d messages: %v", len(messages), messages)
	}

	if messages[0]["type"] != "error" || messages[0]["code"] != "malformed_frame" {
		t.Errorf("Unexpected error envelope: %v", messages[0])
	}
}

func TestBackendFailureClosesWithInternalError(t *testing.T) {
	backend := &mock.Backend{TranscribeErr: errors.New("whisper down")}
	srv := startTestServer(t, backend, nil)

	conn := dial(t, srv)
	readReady(t, conn)

	if err := conn.WriteMessage(websocket.BinaryMessage, makeFrame(testSampleRate/10)); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	messages, closeErr := readUntilClose(t, conn)

	if closeErr.Code != websocket.CloseInternalServerErr {
		t.Errorf("Expected close code 1011, got %d (%s)", closeErr.Code, closeErr.Text)
	}

	found := false
	for _, msg := range messages {
		if msg["type"] == "error" && msg["code"] == "backend_unavailable" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected backend_unavailable error envelope, got: %v", messages)
	}
}

func TestDeadlineExpiryClosesNormally(t *testing.T) {
	srv := startTestServer(t, &mock.Backend{}, func(c *session.Config) {
		c.MaxConnectionTime = 100 * time.Millisecond
		c.ExpiryInterval = 20 * time.Millisecond
	})

	conn := dial(t, srv)
	readReady(t, conn)

	start := time.Now()
	messages, closeErr := readUntilClose(t, conn)
	elapsed := time.Since(start)

	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("Expected close code 1000 on deadline expiry, got %d", closeErr.Code)
	}

	if len(messages) != 0 {
		t.Errorf("Expected no messages for a silent session, got: %v", messages)
	}

	if elapsed > 2*time.Second {
		t.Errorf("Expiry took %v, limit was 100ms", elapsed)
	}
}
