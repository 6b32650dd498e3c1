package socketunit

import (
	"golang.org/x/sys/unix"

	"github.com/coreunitd/unitd/internal/logging"
	"github.com/coreunitd/unitd/internal/manager"
)

// Start implements the `start` input (spec §4.4).
func (u *SocketUnit) Start() error {
	switch {
	case u.state == StateDead || u.state == StateFailed:
		u.result = ResultSuccess
		u.enterStartPre()
		return nil
	case isStarting(u.state):
		return nil // already starting: no-op
	case isStopping(u.state):
		return newErr(ErrValidation, "try-again: unit is stopping", nil)
	default:
		return nil // listening/running: already started, no-op
	}
}

// Stop implements the `stop` input (spec §4.4).
func (u *SocketUnit) Stop() error {
	switch {
	case isStopping(u.state):
		return nil // no-op
	case isStarting(u.state):
		u.enterStopPreSigterm()
		return nil
	case u.state == StateListening || u.state == StateRunning:
		u.enterStopPre(ResultSuccess)
		return nil
	default:
		return nil // dead/failed: nothing to stop
	}
}

func (u *SocketUnit) enterStartPre() {
	u.setState(StateStartPre)
	u.runPhase(PhaseStartPre)
}

// runPhase starts (or skips) the given phase's helper command vector.
// An empty vector advances immediately to the phase's natural
// successor, matching spec §4.4's "if no start-pre helper, proceed to
// start-post" chain.
func (u *SocketUnit) runPhase(phase Phase) {
	cmds := u.cfg.allPhaseCommands(phase)
	u.controlPhase = phase
	u.controlCmdIdx = 0

	if len(cmds) == 0 {
		u.advancePhase(phase)
		return
	}

	u.spawnCommand(phase, cmds[0])
}

func (u *SocketUnit) spawnCommand(phase Phase, cmd manager.Command) {
	pid, err := u.mgr.SpawnChild(cmd, cmd.Argv, manager.ExecContext{ListenFDs: len(u.CollectFDs())}, "")
	if err != nil {
		u.onPhaseFailed(phase, newErr(ErrResources, "spawn helper command", err))
		return
	}

	u.controlPID = pid

	h, err := u.mgr.WatchPID(pid)
	if err == nil {
		u.pidHandle = h
		u.hasPID = true
	}

	u.armTimer(u.cfg.Timeout)
}

// advancePhase moves past a (possibly empty) phase that just completed
// successfully.
func (u *SocketUnit) advancePhase(phase Phase) {
	switch phase {
	case PhaseStartPre:
		u.enterStartPost()
	case PhaseStartPost:
		u.enterListeningFromStart()
	case PhaseStopPre:
		u.enterStopPost()
	case PhaseStopPost:
		u.enterDeadOrFailed()
	default:
		// Phase reached from a non-phase state (e.g. opening ports
		// directly into listening) — nothing to advance.
	}
}

func (u *SocketUnit) enterStartPost() {
	if err := u.ports.OpenAll(u.cfg.Accept); err != nil {
		u.enterStopPre2(ResultResources)
		return
	}

	u.setState(StateStartPost)
	u.runPhase(PhaseStartPost)
}

func (u *SocketUnit) enterListeningFromStart() {
	// enterStartPost has already opened the ports before start-post
	// ran; OpenAll skips open ports, so this only opens any port that
	// is still closed.
	if err := u.ports.OpenAll(u.cfg.Accept); err != nil {
		u.enterStopPre2(ResultResources)
		return
	}

	u.clearControlProcess()
	u.disarmTimer()

	if err := u.ports.WatchAll(); err != nil {
		u.enterStopPre2(ResultResources)
		return
	}

	u.setState(StateListening)
}

// enterStopPre is the public-facing stop entry (result defaults to
// success, i.e. a clean administrative stop).
func (u *SocketUnit) enterStopPre(_ Result) {
	u.ports.UnwatchAll()
	u.setState(StateStopPre)
	u.runPhase(PhaseStopPre)
}

// enterStopPre2 is the internal failure entry: it records the failing
// result before walking the stop phases, per §7's "propagation policy"
// (never backward, but always record the first failure).
func (u *SocketUnit) enterStopPre2(failKind Result) {
	if u.result == ResultSuccess {
		u.result = failKind
	}

	u.ports.UnwatchAll()
	u.setState(StateStopPre)
	u.runPhase(PhaseStopPre)
}

// enterStopPreSigterm signals the control process and starts the
// sigterm-escalation timer. It does not itself touch u.result: an
// administrative stop during start-pre/start-post (Stop, §4.4) lands
// here with whatever result is already recorded (success, typically),
// while a stop-pre timeout (HandleTimerFired) stamps result=timeout
// before calling in, matching socket.c's split between
// socket_enter_stop_pre (no result change) and its timeout path.
func (u *SocketUnit) enterStopPreSigterm() {
	u.signalControl(unix.SIGTERM)
	u.setState(StateStopPreSigterm)
	u.armTimer(u.cfg.Timeout)
}

func (u *SocketUnit) enterStopPreSigkill() {
	u.signalControl(unix.SIGKILL)
	u.setState(StateStopPreSigkill)
	u.armTimer(u.cfg.Timeout)
}

func (u *SocketUnit) enterStopPost() {
	u.ports.CloseAll()
	u.setState(StateStopPost)
	u.runPhase(PhaseStopPost)
}

func (u *SocketUnit) enterFinalSigterm() {
	u.signalControl(unix.SIGTERM)
	u.setState(StateFinalSigterm)
	u.armTimer(u.cfg.Timeout)
}

func (u *SocketUnit) enterFinalSigkill() {
	u.signalControl(unix.SIGKILL)
	u.setState(StateFinalSigkill)
	u.armTimer(u.cfg.Timeout)
}

func (u *SocketUnit) enterDeadOrFailed() {
	u.disarmTimer()
	u.clearControlProcess()

	if u.result == ResultSuccess {
		u.setState(StateDead)
	} else {
		u.setState(StateFailed)
	}
}

func (u *SocketUnit) signalControl(sig unix.Signal) {
	if u.controlPID == 0 {
		return
	}

	_, err := u.mgr.KillProcessGroup(u.controlPID, sig, u.cfg.KillMode, false)
	if err != nil {
		u.log.Warn("failed to signal control process", logging.Ctx{"pid": u.controlPID, "signal": sig, "err": err})
	}
}

func (u *SocketUnit) onPhaseFailed(phase Phase, err *Error) {
	u.fail(err)

	switch phase {
	case PhaseStartPre, PhaseStartPost:
		u.enterStopPre2(ResultResources)
	case PhaseStopPre:
		u.enterStopPost()
	case PhaseStopPost:
		u.enterDeadOrFailed()
	}
}

// HandleTimerFired implements the `timer_fired` input: per-phase
// escalation (spec §4.4).
func (u *SocketUnit) HandleTimerFired() {
	u.hasTimer = false

	switch u.state {
	case StateStartPre:
		u.setResultIfBetter(ErrTimeout)
		u.signalControl(unix.SIGTERM)
		u.enterFinalSigterm()
	case StateStartPost:
		u.enterStopPre2(ResultTimeout)
	case StateStopPre:
		u.setResultIfBetter(ErrTimeout)
		u.enterStopPreSigterm()
	case StateStopPreSigterm:
		if u.cfg.SendSigkill {
			u.enterStopPreSigkill()
		} else {
			u.enterStopPost()
		}
	case StateStopPreSigkill:
		u.enterStopPost()
	case StateStopPost:
		u.enterFinalSigterm()
	case StateFinalSigterm:
		if u.cfg.SendSigkill {
			u.enterFinalSigkill()
		} else {
			u.setResultIfBetter(ErrTimeout)
			u.enterDeadOrFailed()
		}
	case StateFinalSigkill:
		u.setResultIfBetter(ErrTimeout)
		u.enterDeadOrFailed()
	}
}

// HandleChildExited implements the `child_exited` input. Non-control
// pids (e.g. a reaped grandchild) are ignored.
func (u *SocketUnit) HandleChildExited(pid int, ws unix.WaitStatus) {
	if pid != u.controlPID || u.controlPID == 0 {
		return
	}

	phase := u.controlPhase
	cmds := u.cfg.allPhaseCommands(phase)
	ignore := u.controlCmdIdx < len(cmds) && cmds[u.controlCmdIdx].IgnoreErr

	u.clearControlProcess()
	u.disarmTimer()

	switch {
	case ws.Exited() && (ws.ExitStatus() == 0 || ignore):
		u.advanceCommandOrPhase(phase, cmds)
	case ws.Signaled() && ws.CoreDump():
		u.onPhaseFailed(phase, newErr(ErrCoreDump, "control process dumped core", nil))
	case ws.Signaled():
		u.onPhaseFailed(phase, newErr(ErrSignal, "control process killed by signal", nil))
	default:
		u.onPhaseFailed(phase, newErr(ErrExitCode, "control process exited non-zero", nil))
	}
}

func (u *SocketUnit) advanceCommandOrPhase(phase Phase, cmds []manager.Command) {
	next := u.controlCmdIdx + 1
	if next < len(cmds) {
		u.controlCmdIdx = next
		u.spawnCommand(phase, cmds[next])
		return
	}

	u.advancePhase(phase)
}

// HandleFDReadable implements the `fd_readable` input (spec §4.4,
// §4.6). Per the testable property in §8, any event received while
// the unit is not in listening makes no state change.
func (u *SocketUnit) HandleFDReadable(portIndex int) {
	if u.state != StateListening {
		return
	}

	ports := u.ports.Ports()
	if portIndex < 0 || portIndex >= len(ports) {
		return
	}

	if u.PendingInactiveJob {
		// In accept mode one pending connection is accepted and closed;
		// otherwise the event is ignored. Ports are not closed and
		// reopened here (see DESIGN.md).
		u.drainPendingInactive(ports[portIndex])
		return
	}

	u.dispatchReadable(ports[portIndex])
}

func (u *SocketUnit) drainPendingInactive(p *Port) {
	if !u.cfg.Accept {
		return
	}

	fd, _, err := acceptOnce(p.FD)
	if err == nil {
		_ = unix.Close(fd)
	}
}

// NotifyServiceDead implements service_died from the triggered shared
// service (non-accept mode only).
func (u *SocketUnit) NotifyServiceDead(failedPermanent bool) {
	u.serviceActive = false

	if u.state != StateRunning {
		return
	}

	if failedPermanent {
		u.enterStopPre2(ResultServiceFailedPermanent)
		return
	}

	if err := u.ports.WatchAll(); err != nil {
		u.enterStopPre2(ResultResources)
		return
	}

	u.setState(StateListening)
}

// ConnectionReleased implements connection_released from a
// terminated per-connection service.
func (u *SocketUnit) ConnectionReleased() {
	if u.nConnections > 0 {
		u.nConnections--
	}
}
