package socketunit

import "github.com/coreunitd/unitd/internal/manager"

// Dispatch is the event bridge (component C5): it translates a batch
// of raw manager events into FSM inputs, processing them in the fixed
// order timer -> child-exit -> descriptor-readiness (spec §4.5), so a
// deadline that just elapsed always escalates before new work is
// accepted. Events are processed single-threaded and non-preemptibly
// with respect to each other (spec §5).
func (u *SocketUnit) Dispatch(events []manager.Event) {
	var timers, children, readable []manager.Event

	for _, ev := range events {
		switch ev.Kind {
		case manager.EventTimerFired:
			timers = append(timers, ev)
		case manager.EventChildExited:
			children = append(children, ev)
		case manager.EventFDReadable:
			readable = append(readable, ev)
		}
	}

	for range timers {
		u.HandleTimerFired()
	}

	for _, ev := range children {
		u.HandleChildExited(ev.PID, ev.Status)
	}

	for _, ev := range readable {
		u.HandleFDReadable(ev.PortIndex)
	}
}
