package socketunit

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/coreunitd/unitd/internal/manager"
)

// TestDispatchOrdersChildBeforeReadable exercises the ordering
// guarantee between the child-exit and fd-readable buckets: a
// successful control-process exit cascades start-pre all the way to
// listening with no helper commands configured for the later phases,
// and because Dispatch processes every child-exited event before any
// fd-readable event, a readable event submitted earlier in the same
// batch still gets dispatched once that cascade lands in listening.
func TestDispatchOrdersChildBeforeReadable(t *testing.T) {
	u, mgr := newTestUnit(t, func(c *Config) {
		c.StartPre = []manager.Command{{Path: "/bin/true", Argv: []string{"/bin/true"}}}
	})
	defer u.ports.CloseAll()

	if err := u.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if u.State() != StateStartPre {
		t.Fatalf("State() = %v, want start-pre", u.State())
	}

	pid := u.controlPID

	// fd-readable submitted before child-exited: were Dispatch to honor
	// submission order, this readable event would be dropped (the unit
	// isn't listening yet). Because Dispatch always drains the
	// child-exited bucket first, the cascade to listening completes in
	// time for this readable event to matter.
	events := []manager.Event{
		{Kind: manager.EventFDReadable, PortIndex: 0},
		{Kind: manager.EventChildExited, PID: pid, Status: unix.WaitStatus(0)},
	}

	u.Dispatch(events)

	if u.State() != StateRunning {
		t.Fatalf("State() = %v, want running", u.State())
	}

	if len(mgr.jobs) != 1 || mgr.jobs[0].unit != "test.service" {
		t.Fatalf("jobs = %+v, want one job for test.service", mgr.jobs)
	}
}

// TestDispatchProcessesTimerBeforeChild shows the other half of the
// ordering guarantee: a timer-fired event in the same batch as a
// child-exited event for the same control process is always acted on
// first, so the escalation signal always reaches the process before
// its exit is interpreted as success.
func TestDispatchProcessesTimerBeforeChild(t *testing.T) {
	u, mgr := newTestUnit(t, func(c *Config) {
		c.StartPre = []manager.Command{{Path: "/bin/true", Argv: []string{"/bin/true"}}}
	})
	defer u.ports.CloseAll()

	if err := u.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pid := u.controlPID

	events := []manager.Event{
		{Kind: manager.EventChildExited, PID: pid, Status: unix.WaitStatus(0)},
		{Kind: manager.EventTimerFired},
	}

	u.Dispatch(events)

	sawTermBeforeChildCascade := len(mgr.killed) > 0 && mgr.killed[0].sig == unix.SIGTERM
	if !sawTermBeforeChildCascade {
		t.Fatalf("killed = %+v, want the escalation SIGTERM to have fired", mgr.killed)
	}
}

func TestDispatchIgnoresReadableWhenNotListening(t *testing.T) {
	u, _ := newTestUnit(t, nil)
	defer u.ports.CloseAll()

	if u.State() != StateDead {
		t.Fatalf("State() = %v, want dead", u.State())
	}

	u.Dispatch([]manager.Event{{Kind: manager.EventFDReadable, PortIndex: 0}})

	if u.State() != StateDead {
		t.Fatalf("State() = %v, want unchanged dead", u.State())
	}
}
