// Package daemon owns the set of socket units a single process is
// responsible for, wiring each one to a manager.Manager and driving
// its event loop. The shape — a cancellable shutdown context, a
// start/stop lock, a systemd-activation flag, a done channel — is
// adapted from the teacher's lxd/daemon.go Daemon struct, scaled down
// from "the whole container hypervisor" to "the socket units this
// process owns."
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/coreunitd/unitd/internal/logging"
	"github.com/coreunitd/unitd/internal/manager"
	"github.com/coreunitd/unitd/internal/socketunit"
)

// Daemon supervises a set of named socket units sharing one Manager.
type Daemon struct {
	log logging.Logger
	mgr manager.Manager

	// Whether this process was (re-)started by inheriting already-open
	// listening descriptors via the re-exec handoff, mirroring the
	// teacher's systemdSocketActivated flag.
	ReexecInherited bool

	startStopLock sync.Mutex // prevents concurrent Start/Stop of the whole daemon
	shutdownCtx   context.Context
	shutdownStop  context.CancelFunc

	unitsMu sync.Mutex
	units   map[string]*socketunit.SocketUnit

	shutdownDoneCh chan error
}

// New creates a Daemon bound to the given Manager.
func New(mgr manager.Manager, log logging.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		log:            log,
		mgr:            mgr,
		shutdownCtx:    ctx,
		shutdownStop:   cancel,
		units:          make(map[string]*socketunit.SocketUnit),
		shutdownDoneCh: make(chan error, 1),
	}
}

// AddUnit registers a socket unit under its configured identity.
func (d *Daemon) AddUnit(u *socketunit.SocketUnit, identity string) {
	d.unitsMu.Lock()
	defer d.unitsMu.Unlock()

	d.units[identity] = u
}

// Unit looks up a registered unit by identity.
func (d *Daemon) Unit(identity string) (*socketunit.SocketUnit, bool) {
	d.unitsMu.Lock()
	defer d.unitsMu.Unlock()

	u, ok := d.units[identity]
	return u, ok
}

// StartAll calls Start on every registered unit.
func (d *Daemon) StartAll() error {
	d.startStopLock.Lock()
	defer d.startStopLock.Unlock()

	d.unitsMu.Lock()
	units := make([]*socketunit.SocketUnit, 0, len(d.units))
	for _, u := range d.units {
		units = append(units, u)
	}
	d.unitsMu.Unlock()

	for _, u := range units {
		if err := u.Start(); err != nil {
			return fmt.Errorf("starting %s: %w", u, err)
		}
	}

	return nil
}

// StopAll calls Stop on every registered unit and waits (up to
// timeout) for them all to reach a terminal state.
func (d *Daemon) StopAll(timeout time.Duration) error {
	d.startStopLock.Lock()
	defer d.startStopLock.Unlock()

	d.unitsMu.Lock()
	units := make([]*socketunit.SocketUnit, 0, len(d.units))
	for _, u := range d.units {
		units = append(units, u)
	}
	d.unitsMu.Unlock()

	for _, u := range units {
		if err := u.Stop(); err != nil {
			d.log.Warn("stop failed", logging.Ctx{"unit": u, "err": err})
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		allDone := true
		for _, u := range units {
			if u.State() != socketunit.StateDead && u.State() != socketunit.StateFailed {
				allDone = false
			}
		}

		if allDone || time.Now().After(deadline) {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	d.shutdownStop()
	return nil
}

// Run drives the event loop: polls the manager and routes each event to
// the one unit that owns it, identified by Event.Owner (the identity
// passed to WatchFD/WatchTimer when the watch was registered) for
// descriptor-readiness and timer events. A child-exited event has no
// single owner at registration time, so it is broadcast to every unit —
// each ignores it unless the pid matches its own control pid, which is
// how a harmless broadcast stays correct for that one event class.
//
// Routing (rather than a blanket broadcast) matters because
// component C5's per-unit ordering guarantee, and HandleTimerFired's
// assumption that any timer-fired event belongs to the calling unit,
// would otherwise make an unrelated unit react to another unit's
// timeout or descriptor.
func (d *Daemon) Run(poll func(time.Duration) []manager.Event) {
	for {
		select {
		case <-d.shutdownCtx.Done():
			return
		default:
		}

		events := poll(200 * time.Millisecond)
		if len(events) == 0 {
			continue
		}

		d.unitsMu.Lock()
		units := make(map[string]*socketunit.SocketUnit, len(d.units))
		for identity, u := range d.units {
			units[identity] = u
		}
		d.unitsMu.Unlock()

		broadcast, byOwner := splitByOwner(events)

		for identity, owned := range byOwner {
			if u, ok := units[identity]; ok {
				u.Dispatch(owned)
			}
		}

		if len(broadcast) > 0 {
			for _, u := range units {
				u.Dispatch(broadcast)
			}
		}
	}
}

// splitByOwner partitions events into per-owner batches (descriptor
// readiness, timer) and an unowned batch (child exit) that every unit
// must see, preserving each batch's original relative order.
func splitByOwner(events []manager.Event) (broadcast []manager.Event, byOwner map[string][]manager.Event) {
	byOwner = make(map[string][]manager.Event)

	for _, ev := range events {
		if ev.Kind == manager.EventChildExited || ev.Owner == "" {
			broadcast = append(broadcast, ev)
			continue
		}

		byOwner[ev.Owner] = append(byOwner[ev.Owner], ev)
	}

	return broadcast, byOwner
}

// ShutdownContext exposes the cancellation context used to stop Run.
func (d *Daemon) ShutdownContext() context.Context { return d.shutdownCtx }

// SerializeAll writes every owned unit's snapshot to w, each framed by
// a "unit=<identity>" marker line so DeserializeAll can route its
// records back to the right unit on the other side of a re-exec.
func (d *Daemon) SerializeAll(w io.Writer, fdset manager.FDSet) error {
	d.unitsMu.Lock()
	defer d.unitsMu.Unlock()

	for identity, u := range d.units {
		fmt.Fprintf(w, "unit=%s\n", identity)

		if err := u.Serialize(w, fdset); err != nil {
			return fmt.Errorf("serializing %s: %w", identity, err)
		}
	}

	return nil
}

// DeserializeAll replays a SerializeAll snapshot, routing each record
// to the unit named by its preceding "unit=" marker via
// DeserializeItem, then cold-plugging every unit that received at
// least one record (spec §4.7).
func (d *Daemon) DeserializeAll(r io.Reader, fdset manager.FDSet) error {
	d.unitsMu.Lock()
	units := make(map[string]*socketunit.SocketUnit, len(d.units))
	for identity, u := range d.units {
		units[identity] = u
	}
	d.unitsMu.Unlock()

	var current *socketunit.SocketUnit
	touched := make(map[*socketunit.SocketUnit]struct{})

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		if key == "unit" {
			current = units[value]
			continue
		}

		if current == nil {
			continue
		}

		if err := current.DeserializeItem(key, value, fdset); err != nil {
			return fmt.Errorf("deserializing %s=%s: %w", key, value, err)
		}

		touched[current] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading serialized state: %w", err)
	}

	for u := range touched {
		if err := u.Coldplug(); err != nil {
			return fmt.Errorf("cold-plugging %s: %w", u, err)
		}
	}

	return nil
}
