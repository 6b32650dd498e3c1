//go:build linux

package manager

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/coreunitd/unitd/internal/logging"
)

// pollManager is a small, real, single-threaded Manager built on
// epoll and SIGCHLD reaping. It is the reference implementation a
// daemon embeds; it is deliberately minimal next to a real service
// manager (no dependency graph, no control bus) because the socket
// core never needs more than the Manager interface.
type pollManager struct {
	log logging.Logger

	epfd int

	mu      sync.Mutex
	fdWatch map[Handle]fdWatch
	nextH   Handle

	pidWatch map[int]Handle
	sigCh    chan os.Signal

	timers     map[Handle]*time.Timer
	timerOwner map[Handle]string
	fired      chan Handle

	fdset *dupFDSet
}

// fdWatch records the fd and routing information associated with one
// WatchFD registration.
type fdWatch struct {
	fd        int
	owner     string
	portIndex int
}

// NewPollManager creates a Manager backed by epoll. Callers drive it by
// calling Poll repeatedly from their event loop, as daemon.Run does.
func NewPollManager(log logging.Logger) (*pollManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, unix.SIGCHLD)

	return &pollManager{
		log:        log,
		epfd:       epfd,
		fdWatch:    make(map[Handle]fdWatch),
		pidWatch:   make(map[int]Handle),
		sigCh:      sigCh,
		timers:     make(map[Handle]*time.Timer),
		timerOwner: make(map[Handle]string),
		fired:      make(chan Handle, 16),
		fdset:      newDupFDSet(),
	}, nil
}

func (m *pollManager) allocHandle() Handle {
	m.nextH++
	return m.nextH
}

func (m *pollManager) WatchFD(fd int, interest Interest, owner string, portIndex int) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.allocHandle()
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, fmt.Errorf("epoll_ctl(add, %d): %w", fd, err)
	}

	m.fdWatch[h] = fdWatch{fd: fd, owner: owner, portIndex: portIndex}
	return h, nil
}

func (m *pollManager) UnwatchFD(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.fdWatch[h]
	if !ok {
		return
	}

	_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
	delete(m.fdWatch, h)
}

func (m *pollManager) WatchPID(pid int) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.allocHandle()
	m.pidWatch[pid] = h
	return h, nil
}

func (m *pollManager) UnwatchPID(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pid, got := range m.pidWatch {
		if got == h {
			delete(m.pidWatch, pid)
			return
		}
	}
}

func (m *pollManager) WatchTimer(clock Clock, absolute bool, d time.Duration, owner string) (Handle, error) {
	m.mu.Lock()
	h := m.allocHandle()
	m.mu.Unlock()

	t := time.AfterFunc(d, func() {
		m.fired <- h
	})

	m.mu.Lock()
	m.timers[h] = t
	m.timerOwner[h] = owner
	m.mu.Unlock()

	return h, nil
}

func (m *pollManager) UnwatchTimer(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[h]
	if !ok {
		return
	}

	t.Stop()
	delete(m.timers, h)
	delete(m.timerOwner, h)
}

// SpawnChild forks the helper command with the %-placeholders in argv
// already expanded by the caller (spec §6: "expansion of %-placeholders
// in argv happens before spawn"), exporting the socket-activation
// handoff via $LISTEN_FDS/$LISTEN_PID when execCtx carries one.
func (m *pollManager) SpawnChild(cmd Command, argvExpanded []string, execCtx ExecContext, cgroup string) (int, error) {
	// argvExpanded is the full argument vector, argv[0] included.
	c := exec.Command(cmd.Path)
	if len(argvExpanded) > 0 {
		c.Args = argvExpanded
	}
	c.Dir = execCtx.WorkingDirectory
	c.Env = append([]string{}, execCtx.Env...)
	c.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	if execCtx.ListenFDs > 0 {
		c.Env = append(c.Env,
			fmt.Sprintf("LISTEN_FDS=%d", execCtx.ListenFDs),
			fmt.Sprintf("LISTEN_PID=%d", execCtx.ListenPID),
		)
	}

	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", cmd.Path, err)
	}

	return c.Process.Pid, nil
}

// KillProcessGroup signals the process group led by pid, matching the
// escalation policy driven by the FSM's timer handler.
func (m *pollManager) KillProcessGroup(pid int, signo unix.Signal, killMode KillMode, ignoreHelper bool) (KillResult, error) {
	if pid <= 0 {
		return NothingToKill, nil
	}

	target := -pid
	if killMode == KillProcess {
		target = pid
	}

	err := unix.Kill(target, signo)
	if err != nil {
		if err == unix.ESRCH {
			return NothingToKill, nil
		}

		return KillError, fmt.Errorf("kill(%d, %d): %w", target, signo, err)
	}

	return KilledAny, nil
}

func (m *pollManager) AddJob(targetUnit string, jobType JobType, replaceMode ReplaceMode) (uuid.UUID, error) {
	id := uuid.New()
	m.log.Debug("enqueue job", logging.Ctx{"unit": targetUnit, "type": jobType, "job_id": id.String()})
	return id, nil
}

func (m *pollManager) NotifyStateChange(old, new string) {
	m.log.Info("state changed", logging.Ctx{"old": old, "new": new})
}

func (m *pollManager) QueueDBusPropertyChange() {}

func (m *pollManager) FDSet() FDSet { return m.fdset }

// Poll blocks for up to timeout waiting for the next event class in
// the order the event bridge requires (timer, child-exit, descriptor
// readiness — spec §4.5), returning the events ready right now.
func (m *pollManager) Poll(timeout time.Duration) []Event {
	var events []Event

	select {
	case h := <-m.fired:
		m.mu.Lock()
		owner := m.timerOwner[h]
		m.mu.Unlock()

		events = append(events, Event{Kind: EventTimerFired, Owner: owner})
		return events
	default:
	}

	select {
	case <-m.sigCh:
		for {
			var ws unix.WaitStatus
			pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}

			events = append(events, Event{Kind: EventChildExited, PID: pid, Status: ws})
		}

		if len(events) > 0 {
			return events
		}
	default:
	}

	epEvents := make([]unix.EpollEvent, 16)
	n, err := unix.EpollWait(m.epfd, epEvents, int(timeout/time.Millisecond))
	if err != nil {
		return events
	}

	m.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(epEvents[i].Fd)
		for _, w := range m.fdWatch {
			if w.fd == fd {
				events = append(events, Event{Kind: EventFDReadable, Owner: w.owner, PortIndex: w.portIndex})
			}
		}
	}
	m.mu.Unlock()

	return events
}

// dupFDSet is the FDSet used to carry descriptors across a re-exec.
// Dup(fd) publishes a duplicate of fd, keyed by the duplicate's own
// number — that number is what actually gets serialized as <copyfd>
// and is the only handle the successor process has, since it is a
// fresh address space. Remove detaches a copyfd from the set's
// bookkeeping without closing it: by the time deserialization calls
// Remove, ownership has already transferred to a Port, which now owns
// the close.
//
// In a real re-exec (not the in-process round-trip this package's
// tests exercise) the duplicate would additionally need FD_CLOEXEC
// cleared before the exec syscall; that step belongs to the
// surrounding unit manager, which is the party that actually execs.
type dupFDSet struct {
	mu  sync.Mutex
	fds map[int]struct{}
}

func newDupFDSet() *dupFDSet {
	return &dupFDSet{fds: make(map[int]struct{})}
}

func (s *dupFDSet) Dup(fd int) (int, error) {
	d, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("dup fd %d: %w", fd, err)
	}

	s.mu.Lock()
	s.fds[int(d)] = struct{}{}
	s.mu.Unlock()

	return int(d), nil
}

func (s *dupFDSet) Remove(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.fds, fd)
}

func (s *dupFDSet) Contains(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.fds[fd]
	return ok
}
