// Package socketunit implements the socket-activation unit controller:
// the twelve-state FSM that owns one declarative socket unit, opens
// and watches its listening endpoints, runs the start/stop helper
// commands around its transitions, dispatches or accepts incoming
// connections, and serializes across a supervisor re-exec.
//
// The generic unit manager, the triggered service unit, unit-file
// parsing, and label/cgroup/PAM integration are external collaborators
// consumed only through the manager package's interfaces.
package socketunit

import (
	"fmt"
	"time"

	"github.com/coreunitd/unitd/internal/logging"
	"github.com/coreunitd/unitd/internal/manager"
)

// SocketUnit is the aggregate entity described in spec §3.
type SocketUnit struct {
	cfg *Config
	mgr manager.Manager
	log logging.Logger

	// Service is the triggered service unit. In non-accept mode this is
	// the single shared service; in accept mode it is nil and a fresh
	// clone is allocated per connection via NewConnectionService.
	Service           manager.ServiceUnit
	NewConnectionService func(name string) (manager.ServiceUnit, error)

	state  State
	result Result
	ports  *PortTable

	controlPID    int
	controlPhase  Phase
	controlCmdIdx int

	timerHandle manager.Handle
	hasTimer    bool

	pidHandle manager.Handle
	hasPID    bool

	nAccepted    uint32
	nConnections uint32

	// PendingInactiveJob models the unit manager having a queued
	// JOB_STOP for this unit (spec §4.4's "pending-inactive job"
	// check on fd_readable in listening). The core never sets this
	// itself; the surrounding manager does.
	PendingInactiveJob bool

	// serviceActive tracks whether a JOB_START for the shared service
	// is already active or pending, so readiness events don't enqueue
	// duplicates (spec §4.6).
	serviceActive bool

	deserializedState State
	hasDeserialized   bool
}

// New constructs a SocketUnit in state dead from a validated Config.
func New(cfg *Config, mgr manager.Manager, log logging.Logger) (*SocketUnit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pt, err := NewPortTable(cfg, mgr, log)
	if err != nil {
		return nil, err
	}

	return &SocketUnit{
		cfg:    cfg,
		mgr:    mgr,
		log:    log.AddContext(logging.Ctx{"unit": cfg.Identity}),
		ports:  pt,
		state:  StateDead,
		result: ResultSuccess,
	}, nil
}

// State returns the unit's current state.
func (u *SocketUnit) State() State { return u.state }

// Result returns the unit's current result code.
func (u *SocketUnit) Result() Result { return u.result }

// NAccepted returns the monotonic acceptance counter (spec §3/§4.3).
func (u *SocketUnit) NAccepted() uint32 { return u.nAccepted }

// NConnections returns the number of live per-connection services.
func (u *SocketUnit) NConnections() uint32 { return u.nConnections }

// Collectible reports whether the unit can be garbage collected: it
// holds no live per-connection accounting (spec §3 lifecycle rule).
func (u *SocketUnit) Collectible() bool {
	return isTerminal(u.state) && u.nConnections == 0
}

// CollectFDs returns every currently listening descriptor, used by a
// non-accept service to inherit them (spec §6).
func (u *SocketUnit) CollectFDs() []int {
	var fds []int
	for _, p := range u.ports.Ports() {
		if p.FD >= 0 {
			fds = append(fds, p.FD)
		}
	}

	return fds
}

func (u *SocketUnit) setState(new State) {
	old := u.state
	u.state = new
	u.mgr.NotifyStateChange(old.String(), new.String())
	u.mgr.QueueDBusPropertyChange()
}

// ResetFailed moves failed -> dead and clears the result (spec §7).
func (u *SocketUnit) ResetFailed() error {
	if u.state != StateFailed {
		return newErr(ErrValidation, "reset_failed only valid in state failed", nil)
	}

	u.result = ResultSuccess
	u.setState(StateDead)
	return nil
}

func (u *SocketUnit) disarmTimer() {
	if u.hasTimer {
		u.mgr.UnwatchTimer(u.timerHandle)
		u.hasTimer = false
	}
}

func (u *SocketUnit) armTimer(d time.Duration) {
	u.disarmTimer()

	h, err := u.mgr.WatchTimer(manager.Monotonic, false, d, u.cfg.Identity)
	if err != nil {
		u.log.Warn("failed to arm timeout timer", logging.Ctx{"err": err})
		return
	}

	u.timerHandle = h
	u.hasTimer = true
}

func (u *SocketUnit) clearControlProcess() {
	if u.hasPID {
		u.mgr.UnwatchPID(u.pidHandle)
		u.hasPID = false
	}

	u.controlPID = 0
	u.controlPhase = PhaseNone
	u.controlCmdIdx = 0
}

func (u *SocketUnit) setResultIfBetter(kind ErrorKind) {
	// "any error during a transient phase is recorded as the unit's
	// result" (spec §7) — the first failure wins; later ones while
	// walking the stop phases don't overwrite it.
	if u.result == ResultSuccess {
		u.result = resultFor(kind)
	}
}

func (u *SocketUnit) fail(err *Error) {
	u.setResultIfBetter(err.Kind)
	u.log.Error("socket unit transition failed", logging.Ctx{"err": err.Error(), "state": u.state.String()})
}

// String satisfies fmt.Stringer for debug logging.
func (u *SocketUnit) String() string {
	return fmt.Sprintf("socket unit %s [%s/%s]", u.cfg.Identity, u.state, u.result)
}
