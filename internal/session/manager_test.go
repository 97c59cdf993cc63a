package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/whisper-stream-service/internal/metrics"
	"github.com/skypro1111/whisper-stream-service/internal/transcription/mock"
)

// eventually polls the condition until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestAdmitEnforcesCapacity(t *testing.T) {
	mgr := newTestManager(t, &mock.Backend{}, func(c *Config) {
		c.MaxClients = 2
	})

	first, err := mgr.Admit()
	if err != nil {
		t.Fatalf("First Admit failed: %v", err)
	}

	if _, err := mgr.Admit(); err != nil {
		t.Fatalf("Second Admit failed: %v", err)
	}

	if _, err := mgr.Admit(); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got: %v", err)
	}

	if count := mgr.ActiveSessionCount(); count != 2 {
		t.Errorf("Expected 2 active sessions, got %d", count)
	}

	// Releasing a slot makes admission succeed again.
	first.Close(ReasonClientStop, nil)
	first.Wait()

	eventually(t, time.Second, func() bool {
		return mgr.ActiveSessionCount() == 1
	}, "Closed session was not released from the registry")

	if _, err := mgr.Admit(); err != nil {
		t.Errorf("Admit after release failed: %v", err)
	}
}

func TestAdmitIsAtomicUnderConcurrency(t *testing.T) {
	const maxClients = 4
	const attempts = 32

	mgr := newTestManager(t, &mock.Backend{}, func(c *Config) {
		c.MaxClients = maxClients
	})

	var admitted atomic.Int32
	var rejected atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Admit(); err == nil {
				admitted.Add(1)
			} else if errors.Is(err, ErrCapacityExceeded) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != maxClients {
		t.Errorf("Expected exactly %d admissions, got %d", maxClients, admitted.Load())
	}

	if rejected.Load() != attempts-maxClients {
		t.Errorf("Expected %d rejections, got %d", attempts-maxClients, rejected.Load())
	}

	if count := mgr.ActiveSessionCount(); count != maxClients {
		t.Errorf("Registry holds %d sessions, bound is %d", count, maxClients)
	}
}

func TestExpirySweeperClosesOverdueSessions(t *testing.T) {
	mgr := newTestManager(t, &mock.Backend{}, func(c *Config) {
		c.MaxConnectionTime = 50 * time.Millisecond
		c.ExpiryInterval = 10 * time.Millisecond
	})

	session, err := mgr.Admit()
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("Session was not expired by the sweeper")
	}

	// Lifetime exceeds the limit by at most one sweep interval plus slack.
	if age := session.Age(); age > 500*time.Millisecond {
		t.Errorf("Session lived %v, limit was 50ms", age)
	}

	collectSegments(t, session)
	session.Wait()

	if reason, _ := session.CloseInfo(); reason != ReasonDeadlineExceeded {
		t.Errorf("Expected close reason deadline_exceeded, got %s", reason)
	}

	eventually(t, time.Second, func() bool {
		return mgr.ActiveSessionCount() == 0
	}, "Expired session was not released from the registry")
}

func TestGetSession(t *testing.T) {
	mgr := newTestManager(t, &mock.Backend{}, nil)

	session, err := mgr.Admit()
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	found, exists := mgr.GetSession(session.ID)
	if !exists || found != session {
		t.Error("GetSession did not return the admitted session")
	}

	if _, exists := mgr.GetSession("01UNKNOWN"); exists {
		t.Error("GetSession returned a session for an unknown id")
	}
}

func TestStopClosesAllSessionsGracefully(t *testing.T) {
	backend := &mock.Backend{}
	mgr := NewManager(testLogger(), metrics.NewMetrics(), backend, testManagerConfig())

	first, err := mgr.Admit()
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	second, err := mgr.Admit()
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	// Leave audio pending in one session so Stop exercises the final flush.
	if err := first.HandleFrame(makeFrame(testSampleRate / 20)); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range first.Segments() {
		}
		for range second.Segments() {
		}
	}()

	mgr.Stop()
	<-done

	for _, session := range []*Session{first, second} {
		if reason, _ := session.CloseInfo(); reason != ReasonShutdown {
			t.Errorf("Expected close reason shutdown, got %s", reason)
		}
		if session.State() != StateClosed {
			t.Errorf("Expected state closed, got %s", session.State())
		}
	}

	if count := mgr.ActiveSessionCount(); count != 0 {
		t.Errorf("Expected empty registry after Stop, got %d sessions", count)
	}

	// Pending audio was still flushed to the backend.
	if backend.RequestCount() != 1 {
		t.Errorf("Expected 1 flush request during Stop, got %d", backend.RequestCount())
	}

	if _, err := mgr.Admit(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed admitting after Stop, got: %v", err)
	}
}
