package daemon

import (
	"testing"
	"time"

	"github.com/coreunitd/unitd/internal/logging"
	"github.com/coreunitd/unitd/internal/manager"
	"github.com/coreunitd/unitd/internal/socketunit"
)

func newTestDaemonUnit(t *testing.T, identity string) (*Daemon, *socketunit.SocketUnit) {
	t.Helper()

	mgr, err := manager.NewPollManager(logging.NewNop())
	if err != nil {
		t.Fatalf("NewPollManager: %v", err)
	}

	cfg := socketunit.DefaultConfig(identity)
	cfg.ListenStream = []string{"127.0.0.1:0"}
	cfg.SharedService = "test.service"

	u, err := socketunit.New(&cfg, mgr, logging.NewNop())
	if err != nil {
		t.Fatalf("socketunit.New: %v", err)
	}

	d := New(mgr, logging.NewNop())
	d.AddUnit(u, identity)

	return d, u
}

func TestAddUnitAndLookup(t *testing.T) {
	d, u := newTestDaemonUnit(t, "test.socket")

	got, ok := d.Unit("test.socket")
	if !ok {
		t.Fatal("Unit(\"test.socket\") not found after AddUnit")
	}

	if got != u {
		t.Fatal("Unit() returned a different pointer than was added")
	}

	if _, ok := d.Unit("missing.socket"); ok {
		t.Fatal("Unit(\"missing.socket\") reported found")
	}
}

func TestStartAllStartsEveryUnit(t *testing.T) {
	d, u := newTestDaemonUnit(t, "test.socket")
	defer u.CollectFDs()

	if err := d.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if u.State() != socketunit.StateListening {
		t.Fatalf("State() = %v, want listening", u.State())
	}
}

func TestStopAllReachesTerminalState(t *testing.T) {
	d, u := newTestDaemonUnit(t, "test.socket")

	if err := d.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if err := d.StopAll(2 * time.Second); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	if u.State() != socketunit.StateDead && u.State() != socketunit.StateFailed {
		t.Fatalf("State() = %v, want dead or failed", u.State())
	}

	select {
	case <-d.ShutdownContext().Done():
	default:
		t.Fatal("ShutdownContext() not cancelled after StopAll")
	}
}
