package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/whisper-stream-service/internal/config"
	"github.com/skypro1111/whisper-stream-service/internal/metrics"
	"github.com/skypro1111/whisper-stream-service/internal/protocol"
	"github.com/skypro1111/whisper-stream-service/internal/session"
)

const (
	// writeTimeout bounds every outbound write, so a stalled client cannot
	// block the write pump past it.
	writeTimeout = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// pump gives up on it. pingInterval must be shorter.
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// WSServer accepts WebSocket connections and binds each one to a session.
type WSServer struct {
	config     *config.ServerConfig
	logger     *slog.Logger
	sessionMgr *session.Manager
	metrics    *metrics.Metrics

	// Ready message fields announced to every admitted client.
	model      string
	sampleRate int

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	wg sync.WaitGroup
}

// NewWSServer creates a new WebSocket server instance.
func NewWSServer(cfg *config.Config, logger *slog.Logger, sessionMgr *session.Manager, m *metrics.Metrics) *WSServer {
	s := &WSServer{
		config:     &cfg.Server,
		logger:     logger,
		sessionMgr: sessionMgr,
		metrics:    m,
		model:      cfg.Transcription.Model,
		sampleRate: cfg.Audio.SampleRate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Server.ReadBufferSize,
			WriteBufferSize: cfg.Server.WriteBufferSize,
			// Browser and native clients alike may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.server = &http.Server{
		Handler: s,
		// The handler hijacks every connection, so only the pre-upgrade
		// phase is covered by this timeout.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start begins listening for WebSocket connections.
func (s *WSServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info("WebSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_clients", s.config.MaxClients),
		slog.Duration("max_connection_time", s.config.GetMaxConnectionTime()),
	)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting new connections. Live connections are torn down by
// the session manager; Wait blocks until their pumps have exited.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")
	return s.server.Shutdown(ctx)
}

// Wait blocks until all connection goroutines have finished.
func (s *WSServer) Wait() {
	s.wg.Wait()
}

// ServeHTTP handles every inbound connection. The service port is
// WebSocket-only: anything that is not an upgrade request is cut off at the
// transport level, without an HTTP status line or body.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.rejectPlainHTTP(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error for handshake failures.
		s.metrics.RecordConnectionRejected("handshake_failed")
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	sess, err := s.sessionMgr.Admit()
	if err != nil {
		s.refuse(conn, r.RemoteAddr, err)
		return
	}

	s.metrics.RecordConnectionAccepted()
	s.logger.Info("Connection accepted",
		slog.String("session_id", sess.ID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	ready := protocol.NewReadyMessage(sess.ID, s.model, s.sampleRate)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ready); err != nil {
		s.logger.Warn("Failed to send ready message",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		sess.Close(session.ReasonClientStop, nil)
		conn.Close()
		return
	}

	s.wg.Add(1)
	go s.writePump(conn, sess)

	s.readPump(conn, sess)
}

// rejectPlainHTTP drops a non-WebSocket request without producing an HTTP
// response. The client observes a closed connection, not a status code.
func (s *WSServer) rejectPlainHTTP(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordConnectionRejected("not_websocket")
	s.logger.Warn("Rejecting non-WebSocket request",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		// No hijack support; abort the handler so net/http sends nothing.
		panic(http.ErrAbortHandler)
	}

	conn, _, err := hijacker.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}

// refuse finishes an upgraded connection that was denied a session. The
// close frame is the only thing the client receives.
func (s *WSServer) refuse(conn *websocket.Conn, remoteAddr string, cause error) {
	code := websocket.CloseInternalServerErr
	text := "service unavailable"
	if errors.Is(cause, session.ErrCapacityExceeded) {
		code = websocket.CloseTryAgainLater
		text = protocol.CodeCapacityExceeded
	}

	s.logger.Warn("Connection refused",
		slog.String("remote_addr", remoteAddr),
		slog.String("reason", text),
	)

	deadline := time.Now().Add(writeTimeout)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	conn.Close()
}

// readPump reads client messages until the connection dies or the session
// fails. Binary messages are audio frames, text messages are control.
func (s *WSServer) readPump(conn *websocket.Conn, sess *session.Session) {
	// The session enforces the configured frame bound; the read limit only
	// guards against grossly oversized messages.
	conn.SetReadLimit(int64(2 * 1024 * 1024))
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				sess.Close(session.ReasonMalformedFrame,
					fmt.Errorf("%w: message exceeds read limit", protocol.ErrMalformedFrame))
			} else {
				// Disconnect or a close initiated by the write pump.
				sess.Close(session.ReasonClientStop, nil)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := sess.HandleFrame(data); err != nil {
				// The session is closing; the write pump finishes the
				// handshake and closes the connection.
				return
			}
		case websocket.TextMessage:
			if err := sess.HandleControl(data); err != nil {
				return
			}
		}
	}
}

// writePump delivers ordered segments to the client, keeps the connection
// alive with pings, and performs the closing handshake once the session's
// output has drained. It owns the connection close.
func (s *WSServer) writePump(conn *websocket.Conn, sess *session.Session) {
	defer s.wg.Done()
	defer conn.Close()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case segment, ok := <-sess.Segments():
			if !ok {
				s.finishClose(conn, sess)
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(segment); err != nil {
				s.logger.Warn("Failed to deliver segment",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
				sess.Close(session.ReasonClientStop, nil)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				sess.Close(session.ReasonClientStop, nil)
				return
			}
		}
	}
}

// finishClose sends the error envelope for abnormal closes and the close
// frame, then lets the deferred Close tear the connection down.
func (s *WSServer) finishClose(conn *websocket.Conn, sess *session.Session) {
	reason, cause := sess.CloseInfo()
	code, errCode := closeCodeFor(reason)

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	if errCode != "" {
		message := reason.String()
		if cause != nil {
			message = cause.Error()
		}
		if err := conn.WriteJSON(protocol.NewErrorMessage(errCode, message)); err != nil {
			return
		}
	}

	text := reason.String()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
}

// closeCodeFor maps a session close reason to its WebSocket close code and,
// for abnormal closes, the error envelope code sent before the close frame.
func closeCodeFor(reason session.CloseReason) (int, string) {
	switch reason {
	case session.ReasonMalformedFrame:
		return websocket.CloseUnsupportedData, protocol.CodeMalformedFrame
	case session.ReasonBackendUnavailable:
		return websocket.CloseInternalServerErr, protocol.CodeBackendUnavailable
	default:
		// Client stop, deadline expiry, and shutdown are normal closes.
		return websocket.CloseNormalClosure, ""
	}
}
