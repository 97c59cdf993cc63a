package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skypro1111/whisper-stream-service/internal/audio"
	"github.com/skypro1111/whisper-stream-service/internal/metrics"
	"github.com/skypro1111/whisper-stream-service/internal/protocol"
	"github.com/skypro1111/whisper-stream-service/internal/transcription"
	"github.com/skypro1111/whisper-stream-service/internal/vad"
)

// ErrCapacityExceeded is returned by Admit when the registry already holds
// MaxClients sessions. The connection is closed immediately with no retry
// offered by the server.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// Config contains configuration for the session manager
type Config struct {
	MaxClients        int
	MaxConnectionTime time.Duration

	SampleRate    int
	MaxFrameBytes int

	Chunking audio.ChunkingConfig

	VADThreshold  float32
	VADWindowSize int

	Model       string
	Language    string
	Temperature float32

	// FrameQueueSize bounds the per-session inbound frame queue. Zero
	// selects the default of 64 frames.
	FrameQueueSize int

	// ExpiryInterval is the registry sweep period; a session outlives its
	// deadline by at most one interval. Zero selects one second.
	ExpiryInterval time.Duration
}

// Manager is the admission controller: it owns the registry of live
// sessions, enforces the capacity bound atomically, and expires sessions
// whose deadline passed. Registry mutations are the only state shared across
// sessions and are serialized by the manager's mutex.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	logger  *slog.Logger
	metrics *metrics.Metrics
	backend transcription.Backend
	config  Config

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its expiry sweeper.
func NewManager(logger *slog.Logger, appMetrics *metrics.Metrics, backend transcription.Backend, config Config) *Manager {
	if config.FrameQueueSize <= 0 {
		config.FrameQueueSize = 64
	}
	if config.ExpiryInterval <= 0 {
		config.ExpiryInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		metrics:  appMetrics,
		backend:  backend,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.expiryLoop()

	return mgr
}

// Admit atomically checks capacity and registers a new session. The capacity
// check and the insertion happen under one critical section, so concurrent
// admits can never push the registry past MaxClients.
func (m *Manager) Admit() (*Session, error) {
	detector, err := vad.NewProcessor(m.config.VADThreshold, m.config.VADWindowSize, m.config.SampleRate)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()

	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}

	if len(m.sessions) >= m.config.MaxClients {
		active := len(m.sessions)
		m.mu.Unlock()

		m.metrics.RecordConnectionRejected("capacity")
		m.logger.Warn("Admission rejected, capacity exceeded",
			slog.Int("active_sessions", active),
			slog.Int("max_clients", m.config.MaxClients),
		)
		return nil, ErrCapacityExceeded
	}

	now := time.Now()
	sessionCtx, sessionCancel := context.WithCancel(m.ctx)

	session := &Session{
		ID:        ulid.Make().String(),
		StartTime: now,
		Deadline:  now.Add(m.config.MaxConnectionTime),

		maxFrameBytes: m.config.MaxFrameBytes,
		model:         m.config.Model,
		language:      m.config.Language,
		temperature:   m.config.Temperature,

		chunker: audio.NewChunker(m.config.Chunking, detector),
		backend: m.backend,
		logger:  m.logger,
		metrics: m.metrics,

		frames:   make(chan *protocol.Frame, m.config.FrameQueueSize),
		segments: make(chan protocol.TranscriptSegment, 16),

		ctx:    sessionCtx,
		cancel: sessionCancel,
		state:  StateAdmitted,
	}
	session.onRelease = func() { m.remove(session.ID) }

	m.sessions[session.ID] = session
	active := len(m.sessions)
	m.mu.Unlock()

	session.wg.Add(1)
	go session.run()

	m.metrics.RecordSessionCreated()
	m.logger.Info("Session admitted",
		slog.String("session_id", session.ID),
		slog.Time("deadline", session.Deadline),
		slog.Int("active_sessions", active),
	)

	return session, nil
}

// GetSession retrieves a live session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// ActiveSessionCount returns the number of currently registered sessions.
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// remove deletes a session from the registry. Called exactly once per
// session, after its worker has drained.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, exists := m.sessions[id]
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()

	if exists {
		m.logger.Debug("Session released",
			slog.String("session_id", id),
			slog.Int("active_sessions", active),
		)
	}
}

// Stop closes all sessions gracefully, waits for their workers, and shuts
// down the backend.
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	for _, session := range sessions {
		session.Close(ReasonShutdown, nil)
	}
	for _, session := range sessions {
		session.Wait()
	}

	m.cancel()
	<-m.cleanup

	if err := m.backend.Close(); err != nil {
		m.logger.Warn("Error closing transcription backend", slog.String("error", err.Error()))
	}

	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.ActiveSessionCount()),
	)
}

// expiryLoop sweeps the registry and expires sessions past their deadline.
// A session can outlive its deadline by at most one sweep interval; frame
// arrival checks cover the window in between.
func (m *Manager) expiryLoop() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.ExpiryInterval)
	defer ticker.Stop()

	m.logger.Info("Session expiry sweeper started",
		slog.Duration("max_connection_time", m.config.MaxConnectionTime),
		slog.Duration("sweep_interval", m.config.ExpiryInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session expiry sweeper stopping")
			return

		case <-ticker.C:
			m.expireSessions()
		}
	}
}

// expireSessions forces every session past its deadline into closing.
func (m *Manager) expireSessions() {
	now := time.Now()

	m.mu.RLock()
	expired := make([]*Session, 0)
	for _, session := range m.sessions {
		if now.After(session.Deadline) {
			expired = append(expired, session)
		}
	}
	m.mu.RUnlock()

	for _, session := range expired {
		m.logger.Info("Expiring session past deadline",
			slog.String("session_id", session.ID),
			slog.Duration("age", session.Age()),
			slog.Duration("limit", m.config.MaxConnectionTime),
		)
		session.Expire()
	}
}
