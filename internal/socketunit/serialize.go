package socketunit

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/coreunitd/unitd/internal/logging"
	"github.com/coreunitd/unitd/internal/manager"
)

// Serialize writes the textual key/value snapshot used to hand the
// unit off across a supervisor re-exec (component C7, spec §4.7).
// Every open port's descriptor is duplicated into fdset so it survives
// independently of this SocketUnit value.
func (u *SocketUnit) Serialize(w io.Writer, fdset manager.FDSet) error {
	fmt.Fprintf(w, "state=%s\n", u.state)
	fmt.Fprintf(w, "result=%s\n", u.result)
	fmt.Fprintf(w, "n-accepted=%d\n", u.nAccepted)

	if u.controlPID != 0 {
		fmt.Fprintf(w, "control-pid=%d\n", u.controlPID)
		fmt.Fprintf(w, "control-command=%s\n", u.controlPhase)
	}

	for _, p := range u.ports.Ports() {
		if p.FD < 0 {
			continue
		}

		copyFD, err := fdset.Dup(p.FD)
		if err != nil {
			return newErr(ErrResources, fmt.Sprintf("dup port fd %d for serialization", p.FD), err)
		}

		switch p.Kind {
		case PortSocket:
			if p.Address.Family == FamilyNetlink {
				fmt.Fprintf(w, "netlink=%d %s\n", copyFD, p.Address.Literal())
			} else {
				fmt.Fprintf(w, "socket=%d %s %s\n", copyFD, p.Address.SockType, p.Address.Literal())
			}
		case PortFIFO:
			fmt.Fprintf(w, "fifo=%d %s\n", copyFD, p.Path)
		case PortSpecial:
			fmt.Fprintf(w, "special=%d %s\n", copyFD, p.Path)
		case PortMqueue:
			fmt.Fprintf(w, "mqueue=%d %s\n", copyFD, p.Path)
		}
	}

	return nil
}

// DeserializeItem restores one key/value pair emitted by Serialize.
// Unknown keys succeed and are logged at debug level (spec §8 scenario
// 6); no other field is modified by an unknown key.
func (u *SocketUnit) DeserializeItem(key, value string, fdset manager.FDSet) error {
	switch key {
	case "state":
		if s, ok := ParseState(value); ok {
			u.deserializedState = s
			u.hasDeserialized = true
		}
	case "result":
		if r, ok := ParseResult(value); ok {
			u.result = r
		}
	case "n-accepted":
		n, err := strconv.ParseUint(value, 10, 32)
		if err == nil {
			u.nAccepted = uint32(n)
		}
	case "control-pid":
		pid, err := strconv.Atoi(value)
		if err == nil {
			u.controlPID = pid
		}
	case "control-command":
		if p, ok := ParsePhase(value); ok {
			u.controlPhase = p
		}
	case "socket", "netlink", "fifo", "special", "mqueue":
		return u.restorePort(key, value, fdset)
	default:
		u.log.Debug("ignoring unknown serialization key", logging.Ctx{"key": key})
	}

	return nil
}

func (u *SocketUnit) restorePort(key, value string, fdset manager.FDSet) error {
	fields := strings.SplitN(value, " ", 3)
	if len(fields) < 2 {
		return newErr(ErrValidation, fmt.Sprintf("malformed %s serialization record %q", key, value), nil)
	}

	copyFD, err := strconv.Atoi(fields[0])
	if err != nil {
		return newErr(ErrValidation, fmt.Sprintf("malformed fd in %s record %q", key, value), err)
	}

	var matched *Port

	switch key {
	case "socket":
		if len(fields) < 3 {
			return newErr(ErrValidation, fmt.Sprintf("malformed socket record %q", value), nil)
		}

		sockType, ok := ParseSockType(fields[1])
		if !ok {
			return newErr(ErrValidation, fmt.Sprintf("unknown socket type %q", fields[1]), nil)
		}

		literal := fields[2]
		for _, p := range u.ports.Ports() {
			if p.Kind == PortSocket && p.Address.Family != FamilyNetlink &&
				p.Address.SockType == sockType && p.Address.Literal() == literal {
				matched = p
				break
			}
		}
	case "netlink":
		literal := strings.Join(fields[1:], " ")
		for _, p := range u.ports.Ports() {
			if p.Kind == PortSocket && p.Address.Family == FamilyNetlink && p.Address.Literal() == literal {
				matched = p
				break
			}
		}
	case "fifo", "special", "mqueue":
		path := strings.Join(fields[1:], " ")
		wantKind := map[string]PortKind{"fifo": PortFIFO, "special": PortSpecial, "mqueue": PortMqueue}[key]

		for _, p := range u.ports.Ports() {
			if p.Kind == wantKind && p.Path == path {
				matched = p
				break
			}
		}
	}

	if matched == nil {
		// Unmatched serialized records refer to stale configurations and
		// are ignored (spec §4.7).
		u.log.Debug("unmatched serialized port record, ignoring", logging.Ctx{"record": value})
		return nil
	}

	if !fdset.Contains(copyFD) {
		return newErr(ErrResources, fmt.Sprintf("serialized fd %d not present in fdset", copyFD), nil)
	}

	fdset.Remove(copyFD)
	matched.FD = copyFD
	matched.AcceptMode = u.cfg.Accept

	return nil
}

// Coldplug reconciles in-memory state with kernel resources after
// every item has been deserialized (spec §4.7 cold-plug rule, §6).
// Matching ports force the deserialized state to listening since their
// descriptor is already bound, except that a recorded running state is
// kept as running; this call then opens whatever the
// recorded state still demands, re-watches a running control process,
// and asserts the final state.
func (u *SocketUnit) Coldplug() error {
	if !u.hasDeserialized {
		return nil
	}

	target := u.deserializedState

	anyRestoredPort := false
	for _, p := range u.ports.Ports() {
		if p.FD >= 0 {
			anyRestoredPort = true
			break
		}
	}

	if anyRestoredPort && target != StateRunning {
		target = StateListening
	}

	if portsOpenIn(target) {
		if err := u.ports.OpenAll(u.cfg.Accept); err != nil {
			u.enterStopPre2(ResultResources)
			return err
		}
	}

	if controlPidExpectedIn(target) && u.controlPID != 0 {
		if h, err := u.mgr.WatchPID(u.controlPID); err == nil {
			u.pidHandle = h
			u.hasPID = true
		}

		u.armTimer(u.cfg.Timeout)
	}

	if target == StateListening || target == StateRunning {
		if err := u.ports.WatchAll(); err != nil {
			u.enterStopPre2(ResultResources)
			return err
		}
	}

	if target == StateRunning {
		u.ports.UnwatchAll()
	}

	u.setState(target)
	return nil
}
