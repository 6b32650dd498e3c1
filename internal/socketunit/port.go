package socketunit

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/coreunitd/unitd/internal/logging"
	"github.com/coreunitd/unitd/internal/manager"
)

// PortKind is the tagged-variant discriminant for a Port (spec §9
// redesign note: "tagged variant {Socket, Fifo, Special, Mqueue}").
type PortKind int

const (
	PortSocket PortKind = iota
	PortFIFO
	PortSpecial
	PortMqueue
)

func (k PortKind) String() string {
	switch k {
	case PortSocket:
		return "socket"
	case PortFIFO:
		return "fifo"
	case PortSpecial:
		return "special"
	case PortMqueue:
		return "mqueue"
	default:
		return "unknown"
	}
}

// Port is one configured listening endpoint (spec §3). The descriptor
// field is -1 when closed; open iff the owning unit's state belongs to
// the set in the §3 invariant.
type Port struct {
	Kind    PortKind
	Address Address // meaningful for PortSocket
	Path    string  // meaningful for PortFIFO, PortSpecial, PortMqueue
	Mqueue  MqueueListen

	FD int

	// AcceptMode is set by the FSM to tell the port whether the unit
	// is configured to accept() on it.
	AcceptMode bool

	watch     manager.Handle
	isWatched bool
}

func newClosedPort(kind PortKind) *Port {
	return &Port{Kind: kind, FD: -1}
}

// PortTable is the ordered list of Ports belonging to one SocketUnit
// (component C1).
type PortTable struct {
	ports []*Port
	cfg   *Config
	mgr   manager.Manager
	log   logging.Logger
}

// NewPortTable builds the port list from a validated Config, in
// declaration order (listen_stream, then listen_datagram, ...), which
// is also the order OpenAll opens them in and OpenAll's rollback
// reverses (spec §5 "ports are opened in declaration order and
// closed in reverse order on rollback").
func NewPortTable(cfg *Config, mgr manager.Manager, log logging.Logger) (*PortTable, error) {
	pt := &PortTable{cfg: cfg, mgr: mgr, log: log}

	for _, v := range cfg.ListenStream {
		addr, err := ParseAddress(SockStream, v)
		if err != nil {
			return nil, err
		}

		pt.ports = append(pt.ports, &Port{Kind: PortSocket, Address: addr, FD: -1})
	}

	for _, v := range cfg.ListenDatagram {
		addr, err := ParseAddress(SockDatagram, v)
		if err != nil {
			return nil, err
		}

		pt.ports = append(pt.ports, &Port{Kind: PortSocket, Address: addr, FD: -1})
	}

	for _, v := range cfg.ListenSeqpacket {
		addr, err := ParseAddress(SockSeqPacket, v)
		if err != nil {
			return nil, err
		}

		pt.ports = append(pt.ports, &Port{Kind: PortSocket, Address: addr, FD: -1})
	}

	for _, nl := range cfg.ListenNetlink {
		addr, err := ParseNetlinkAddress(nl.Family, nl.Group)
		if err != nil {
			return nil, err
		}

		pt.ports = append(pt.ports, &Port{Kind: PortSocket, Address: addr, FD: -1})
	}

	for _, p := range cfg.ListenFIFO {
		pt.ports = append(pt.ports, &Port{Kind: PortFIFO, Path: p, FD: -1})
	}

	for _, p := range cfg.ListenSpecial {
		pt.ports = append(pt.ports, &Port{Kind: PortSpecial, Path: p, FD: -1})
	}

	for _, mq := range cfg.ListenMqueue {
		pt.ports = append(pt.ports, &Port{Kind: PortMqueue, Path: mq.Path, Mqueue: mq, FD: -1})
	}

	return pt, nil
}

// Ports exposes the live port list for the FSM and serializer.
func (pt *PortTable) Ports() []*Port { return pt.ports }

// OpenAll opens every closed port in declaration order. It is
// idempotent: already-open ports are skipped. On any failure it rolls
// back by closing every port this call opened, in reverse order.
func (pt *PortTable) OpenAll(accept bool) error {
	var openedThisCall []*Port

	rollback := func() {
		for i := len(openedThisCall) - 1; i >= 0; i-- {
			pt.closePort(openedThisCall[i])
		}
	}

	for _, p := range pt.ports {
		if p.FD >= 0 {
			continue
		}

		p.AcceptMode = accept

		var err error
		switch p.Kind {
		case PortSocket:
			err = pt.openSocket(p)
		case PortFIFO:
			err = pt.openFIFO(p)
		case PortSpecial:
			err = pt.openSpecial(p)
		case PortMqueue:
			err = pt.openMqueue(p)
		}

		if err != nil {
			rollback()
			return err
		}

		openedThisCall = append(openedThisCall, p)
	}

	return nil
}

// CloseAll closes every open descriptor and unhooks its watch.
// Filesystem objects (FIFOs, mqueues) are never unlinked here, so a
// descriptor handed off to a child keeps referring to the same object;
// the next OpenAll reuses an existing FIFO or message queue instead of
// re-creating it.
func (pt *PortTable) CloseAll() {
	for _, p := range pt.ports {
		pt.closePort(p)
	}
}

func (pt *PortTable) closePort(p *Port) {
	if pt.mgr != nil && p.isWatched {
		pt.mgr.UnwatchFD(p.watch)
		p.isWatched = false
	}

	if p.FD >= 0 {
		_ = unix.Close(p.FD)
		p.FD = -1
	}
}

// WatchAll installs a readable-readiness watch on every open
// descriptor that isn't already watched.
func (pt *PortTable) WatchAll() error {
	for i, p := range pt.ports {
		if p.FD < 0 || p.isWatched {
			continue
		}

		h, err := pt.mgr.WatchFD(p.FD, manager.Readable, pt.cfg.Identity, i)
		if err != nil {
			return newErr(ErrResources, fmt.Sprintf("watch port fd %d", p.FD), err)
		}

		p.watch = h
		p.isWatched = true
	}

	return nil
}

// UnwatchAll removes every port's readiness watch without closing the
// descriptor, used when entering running (non-accept mode) to suspend
// readiness delivery while the shared service is active.
func (pt *PortTable) UnwatchAll() {
	for _, p := range pt.ports {
		if p.isWatched {
			pt.mgr.UnwatchFD(p.watch)
			p.isWatched = false
		}
	}
}

func (pt *PortTable) openSocket(p *Port) error {
	domain, typ, err := sockDomainType(p.Address)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return newErr(ErrResources, "socket()", err)
	}

	sa, err := sockaddrFor(p.Address)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}

	if p.Address.Family == FamilyInet6 {
		applyIPv6Only(fd, pt.cfg.BindIPv6Only)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return newErr(ErrResources, fmt.Sprintf("bind(%s)", p.Address.Literal()), err)
	}

	applyPreListenOptions(fd, p, pt.cfg, pt.log)

	if p.Address.Family != FamilyNetlink && p.Address.SockType.connectionOriented() {
		backlog := int(pt.cfg.Backlog)
		if backlog == 0 {
			backlog = unix.SOMAXCONN
		}

		if err := unix.Listen(fd, backlog); err != nil {
			_ = unix.Close(fd)
			return newErr(ErrResources, "listen()", err)
		}
	}

	if p.Address.Family == FamilyUnix && !isAbstractUnixPath(p.Address.UnixPath) {
		_ = os.Chmod(p.Address.UnixPath, os.FileMode(pt.cfg.SocketMode))
	}

	p.FD = fd
	return nil
}

func isAbstractUnixPath(s string) bool {
	return len(s) > 0 && s[0] == '@'
}

func (pt *PortTable) openFIFO(p *Port) error {
	dir := filepath.Dir(p.Path)
	if err := os.MkdirAll(dir, os.FileMode(pt.cfg.DirectoryMode)); err != nil {
		return newErr(ErrResources, fmt.Sprintf("mkdir %s", dir), err)
	}

	// mkfifo(2) masks the requested mode by the process umask, same as
	// open(2); override it for the call so the FIFO actually ends up
	// with cfg.SocketMode, matching fifo_address_create()'s umask(2)
	// dance around its own mkfifo() call.
	oldMask := unix.Umask(0)
	err := unix.Mkfifo(p.Path, pt.cfg.SocketMode)
	unix.Umask(oldMask)
	if err != nil && err != unix.EEXIST {
		return newErr(ErrResources, fmt.Sprintf("mkfifo %s", p.Path), err)
	}

	fd, err := unix.Open(p.Path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC|unix.O_NOCTTY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return newErr(ErrResources, fmt.Sprintf("open %s", p.Path), err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return newErr(ErrResources, fmt.Sprintf("fstat %s", p.Path), err)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFIFO {
		_ = unix.Close(fd)
		return newErr(ErrResources, fmt.Sprintf("%s exists and is not a FIFO", p.Path), nil)
	}

	if st.Uid != uint32(os.Getuid()) {
		_ = unix.Close(fd)
		return newErr(ErrResources, fmt.Sprintf("%s exists and is owned by another user (already-exists)", p.Path), nil)
	}

	if st.Mode&0777 != pt.cfg.SocketMode&0777 {
		_ = unix.Close(fd)
		return newErr(ErrResources, fmt.Sprintf("%s exists with unexpected mode %o, want %o (already-exists)", p.Path, st.Mode&0777, pt.cfg.SocketMode&0777), nil)
	}

	ApplyPipeSize(fd, pt.cfg.PipeSize, pt.log)
	applyLabels(fd, pt.log)

	p.FD = fd
	return nil
}

func (pt *PortTable) openSpecial(p *Port) error {
	fd, err := unix.Open(p.Path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return newErr(ErrResources, fmt.Sprintf("open %s", p.Path), err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return newErr(ErrResources, fmt.Sprintf("fstat %s", p.Path), err)
	}

	mode := st.Mode & unix.S_IFMT
	if mode != unix.S_IFREG && mode != unix.S_IFCHR {
		_ = unix.Close(fd)
		return newErr(ErrResources, fmt.Sprintf("%s is neither a regular file nor a character device", p.Path), nil)
	}

	p.FD = fd
	return nil
}

func (pt *PortTable) openMqueue(p *Port) error {
	attr := &unix.MqAttr{}
	if p.Mqueue.MaxMessages > 0 {
		attr.Maxmsg = p.Mqueue.MaxMessages
	}

	if p.Mqueue.MessageSize > 0 {
		attr.Msgsize = p.Mqueue.MessageSize
	}

	fd, err := unix.MqOpen(p.Path, unix.O_RDWR|unix.O_CREAT|unix.O_NONBLOCK, pt.cfg.SocketMode, attr)
	if err != nil {
		return newErr(ErrResources, fmt.Sprintf("mq_open %s", p.Path), err)
	}

	p.FD = fd
	return nil
}

func sockDomainType(a Address) (int, int, error) {
	var domain int

	switch a.Family {
	case FamilyInet:
		domain = unix.AF_INET
	case FamilyInet6:
		domain = unix.AF_INET6
	case FamilyUnix:
		domain = unix.AF_UNIX
	case FamilyNetlink:
		domain = unix.AF_NETLINK
	default:
		return 0, 0, newErr(ErrUnsupported, "unsupported address family", nil)
	}

	var typ int
	switch a.SockType {
	case SockStream:
		typ = unix.SOCK_STREAM
	case SockDatagram:
		typ = unix.SOCK_DGRAM
	case SockSeqPacket:
		typ = unix.SOCK_SEQPACKET
	}

	return domain, typ, nil
}

func sockaddrFor(a Address) (unix.Sockaddr, error) {
	switch a.Family {
	case FamilyInet:
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], a.IP.To4())
		return sa, nil
	case FamilyInet6:
		sa := &unix.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], a.IP.To16())
		return sa, nil
	case FamilyUnix:
		return &unix.SockaddrUnix{Name: a.UnixPath}, nil
	case FamilyNetlink:
		return &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: a.NetlinkGroup}, nil
	default:
		return nil, newErr(ErrUnsupported, "unsupported address family", nil)
	}
}

func applyIPv6Only(fd int, mode BindIPv6OnlyMode) {
	switch mode {
	case BindIPv6Both:
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	case BindIPv6OnlyOn:
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	default:
		// leave the system default
	}
}
