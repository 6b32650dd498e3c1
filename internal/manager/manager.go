// Package manager defines the external-collaborator interfaces consumed by
// the socket unit controller (spec §6) plus a real single-threaded
// reference implementation, pollManager, suitable for embedding in a
// small daemon.
//
// The generic unit manager itself (dependency resolution, the control
// bus, cgroup/label wiring) is out of scope here — the core never sees
// more of it than these interfaces.
package manager

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Interest is the readiness condition a descriptor watch is armed for.
type Interest int

// Readable is the only interest the core ever registers.
const Readable Interest = 1

// Handle identifies a registered watch so it can be unregistered later.
type Handle uint64

// JobType mirrors the two job kinds the core ever enqueues.
type JobType int

const (
	JobStart JobType = iota
	JobStop
)

// ReplaceMode controls whether add_job replaces a queued job for the
// same unit or is rejected if one is already pending.
type ReplaceMode int

const (
	ReplaceNone ReplaceMode = iota
	ReplaceExisting
)

// KillMode mirrors the unit-level kill_mode setting used for escalation.
type KillMode int

const (
	KillControlGroup KillMode = iota
	KillProcess
	KillMixed
	KillNone
)

// KillResult reports what kill_process_group actually did.
type KillResult int

const (
	KilledAny KillResult = iota
	NothingToKill
	KillError
)

// ExecContext is an opaque bundle of exec-time settings (working
// directory, resource limits, capability bounding set, the
// LISTEN_FDS/LISTEN_PID socket-activation handoff) that the core
// threads through to spawn_child without interpreting, per spec §6's
// "exec_context" parameter. The unit manager is the only party that
// constructs and reads the non-activation fields.
type ExecContext struct {
	WorkingDirectory string
	Env              []string

	// ListenFDs/ListenPID implement the $LISTEN_FDS/$LISTEN_PID
	// handoff protocol used by a non-accept shared service to inherit
	// every descriptor collect_fds() returns (see SPEC_FULL.md §4).
	ListenFDs int
	ListenPID int
}

// Command is one helper command entry from a phase's command vector
// (start-pre, start-post, stop-pre, stop-post).
type Command struct {
	Path      string
	Argv      []string
	IgnoreErr bool // "-" prefixed command: non-zero exit doesn't fail the phase
}

// Manager is the subset of the generic unit manager the socket unit
// controller depends on (spec §6).
type Manager interface {
	// owner identifies which unit registered the watch (its Config.Identity)
	// and portIndex is that unit's own index into its Ports() slice; both
	// are echoed back on the resulting Event so a daemon hosting several
	// units can route each event to the one unit it actually belongs to
	// instead of broadcasting it to every unit it owns.
	WatchFD(fd int, interest Interest, owner string, portIndex int) (Handle, error)
	UnwatchFD(h Handle)

	WatchPID(pid int) (Handle, error)
	UnwatchPID(h Handle)

	WatchTimer(clock Clock, absolute bool, d time.Duration, owner string) (Handle, error)
	UnwatchTimer(h Handle)

	SpawnChild(cmd Command, argvExpanded []string, execCtx ExecContext, cgroup string) (pid int, err error)

	KillProcessGroup(pid int, signo unix.Signal, killMode KillMode, ignoreHelper bool) (KillResult, error)

	AddJob(targetUnit string, jobType JobType, replaceMode ReplaceMode) (uuid.UUID, error)

	NotifyStateChange(old, new string)
	QueueDBusPropertyChange()

	FDSet() FDSet
}

// Clock selects the timer's clock source; the core always uses Monotonic.
type Clock int

const (
	Monotonic Clock = iota
	Realtime
)

// FDSet is the shared descriptor set used to carry open descriptors
// across a supervisor re-exec (spec §4.7, §6).
type FDSet interface {
	Dup(fd int) (int, error)
	Remove(fd int)
	Contains(fd int) bool
}

// ServiceUnit is the minimal surface of the triggered service unit that
// the socket core calls into (spec §1, §6).
type ServiceUnit interface {
	SetAcceptedFD(fd int, origin string) error
}

// Event is the input fed to socketunit.SocketUnit.Dispatch by the event bridge
// (§4.5). Exactly one field class is meaningful per event.
type Event struct {
	Kind EventKind

	// Owner is the owner string supplied to WatchFD/WatchTimer at
	// registration time, meaningful for EventFDReadable and
	// EventTimerFired; a routing daemon uses it to dispatch the event to
	// the one unit that registered the underlying watch rather than
	// every unit it hosts. Empty for EventChildExited, which routes by
	// PID equality instead (every unit safely ignores a pid that is not
	// its own control pid).
	Owner string

	// Descriptor readiness: PortIndex is the portIndex passed to WatchFD,
	// i.e. the owning unit's own index into its Ports() slice.
	PortIndex int

	// Child exit.
	PID    int
	Status unix.WaitStatus

	// FailedPermanent is not set by pollManager and not read by
	// SocketUnit.Dispatch; service death reaches the core through
	// SocketUnit.NotifyServiceDead instead.
	FailedPermanent bool
}

// EventKind discriminates an Event.
type EventKind int

const (
	EventFDReadable EventKind = iota
	EventChildExited
	EventTimerFired
)
