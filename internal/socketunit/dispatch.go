package socketunit

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/coreunitd/unitd/internal/logging"
	"github.com/coreunitd/unitd/internal/manager"
)

// dispatchReadable implements component C6 for one readable port
// already known to belong to a listening unit.
func (u *SocketUnit) dispatchReadable(p *Port) {
	if p.Kind != PortSocket {
		// FIFOs/special files/mqueues only ever trigger the shared
		// service; there is nothing to accept() on them.
		u.dispatchSharedService()
		return
	}

	if !u.cfg.Accept {
		u.dispatchSharedService()
		return
	}

	for {
		fd, fatal, err := acceptOnce(p.FD)
		if err != nil {
			if fatal {
				u.enterStopPre2(ResultResources)
			}

			return
		}

		u.handleAccepted(fd)

		if u.state != StateListening {
			return
		}
	}
}

// acceptOnce performs one accept4(SOCK_NONBLOCK) call. It returns
// fatal=true for any error other than EAGAIN (batch end) or EINTR
// (retried inside acceptOnce itself, so callers never see it).
func acceptOnce(listenFD int) (fd int, fatal bool, err error) {
	for {
		nfd, _, aerr := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if aerr == nil {
			return nfd, false, nil
		}

		if aerr == unix.EINTR {
			continue
		}

		if aerr == unix.EAGAIN {
			return 0, false, aerr
		}

		return 0, true, newErr(ErrResources, "accept4()", aerr)
	}
}

func (u *SocketUnit) handleAccepted(fd int) {
	ApplyAcceptedOptions(fd, u.cfg, u.log)

	if u.nConnections >= u.cfg.MaxConnections {
		u.log.Warn("refusing connection: max_connections reached", logging.Ctx{"max": u.cfg.MaxConnections})
		_ = unix.Close(fd)
		return
	}

	instance, err := EncodeInstance(fd, u.nAccepted)
	if err != nil {
		if uerr, ok := err.(*Error); ok && uerr.Kind == ErrIO {
			// ENOTCONN/peer reset between accept and getpeername: non-fatal.
			_ = unix.Close(fd)
			return
		}

		u.log.Error("failed to encode peer instance", logging.Ctx{"err": err})
		_ = unix.Close(fd)
		return
	}

	u.nAccepted++

	name := fmt.Sprintf("%s@%s.service", u.cfg.TemplatePrefix, instance)

	svc, err := u.NewConnectionService(name)
	if err != nil {
		u.log.Error("failed to allocate connection service", logging.Ctx{"name": name, "err": err})
		_ = unix.Close(fd)
		return
	}

	if err := svc.SetAcceptedFD(fd, u.cfg.Identity); err != nil {
		u.log.Error("failed to bind accepted fd into service", logging.Ctx{"name": name, "err": err})
		_ = unix.Close(fd)
		return
	}

	// Ownership of fd has now transferred to svc; the controller drops
	// its own reference immediately (spec §5 shared-resource policy).

	if _, err := u.mgr.AddJob(name, manager.JobStart, manager.ReplaceNone); err != nil {
		u.log.Error("failed to enqueue start job for connection service", logging.Ctx{"name": name, "err": err})
		return
	}

	u.nConnections++

	if u.nConnections == u.cfg.MaxConnections {
		u.ports.UnwatchAll()
		u.setState(StateRunning)
	}
}

func (u *SocketUnit) dispatchSharedService() {
	if u.serviceActive {
		return
	}

	if _, err := u.mgr.AddJob(u.cfg.SharedService, manager.JobStart, manager.ReplaceNone); err != nil {
		u.log.Error("failed to enqueue start job for shared service", logging.Ctx{"err": err})
		return
	}

	u.serviceActive = true
	u.ports.UnwatchAll()
	u.setState(StateRunning)
}
