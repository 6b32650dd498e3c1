package manager

import (
	"os"
	"testing"
	"time"

	"github.com/coreunitd/unitd/internal/logging"
)

func TestNewPollManagerCreatesEpoll(t *testing.T) {
	m, err := NewPollManager(logging.NewNop())
	if err != nil {
		t.Fatalf("NewPollManager: %v", err)
	}

	if m.epfd <= 0 {
		t.Errorf("epfd = %d, want a positive descriptor", m.epfd)
	}
}

func TestWatchFDAndUnwatchFD(t *testing.T) {
	m, err := NewPollManager(logging.NewNop())
	if err != nil {
		t.Fatalf("NewPollManager: %v", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	h, err := m.WatchFD(int(r.Fd()), Readable, "test.socket", 0)
	if err != nil {
		t.Fatalf("WatchFD: %v", err)
	}

	if h == 0 {
		t.Error("WatchFD returned the zero handle")
	}

	m.UnwatchFD(h)

	// Unwatching twice must not panic.
	m.UnwatchFD(h)
}

func TestWatchTimerFires(t *testing.T) {
	m, err := NewPollManager(logging.NewNop())
	if err != nil {
		t.Fatalf("NewPollManager: %v", err)
	}

	h, err := m.WatchTimer(Monotonic, false, 10*time.Millisecond, "test.socket")
	if err != nil {
		t.Fatalf("WatchTimer: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-m.fired:
			if got != h {
				t.Fatalf("fired handle = %v, want %v", got, h)
			}
			return
		case <-deadline:
			t.Fatal("timer did not fire within the deadline")
		}
	}
}

func TestUnwatchTimerStopsDelivery(t *testing.T) {
	m, err := NewPollManager(logging.NewNop())
	if err != nil {
		t.Fatalf("NewPollManager: %v", err)
	}

	h, err := m.WatchTimer(Monotonic, false, 50*time.Millisecond, "test.socket")
	if err != nil {
		t.Fatalf("WatchTimer: %v", err)
	}

	m.UnwatchTimer(h)

	select {
	case got := <-m.fired:
		t.Fatalf("fired after UnwatchTimer: %v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDupFDSetRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	s := newDupFDSet()

	dup, err := s.Dup(int(r.Fd()))
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}

	if !s.Contains(dup) {
		t.Fatal("Contains(dup) = false immediately after Dup")
	}

	s.Remove(dup)

	if s.Contains(dup) {
		t.Fatal("Contains(dup) = true after Remove")
	}
}

func TestKillProcessGroupNothingToKill(t *testing.T) {
	m, err := NewPollManager(logging.NewNop())
	if err != nil {
		t.Fatalf("NewPollManager: %v", err)
	}

	res, err := m.KillProcessGroup(0, 0, KillControlGroup, false)
	if err != nil {
		t.Fatalf("KillProcessGroup(0, ...): %v", err)
	}

	if res != NothingToKill {
		t.Errorf("KillProcessGroup(0, ...) = %v, want NothingToKill", res)
	}
}

func TestAddJobReturnsUniqueIDs(t *testing.T) {
	m, err := NewPollManager(logging.NewNop())
	if err != nil {
		t.Fatalf("NewPollManager: %v", err)
	}

	id1, err := m.AddJob("test.socket", JobStart, ReplaceNone)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	id2, err := m.AddJob("test.socket", JobStop, ReplaceExisting)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if id1 == id2 {
		t.Error("AddJob returned the same id twice")
	}
}
