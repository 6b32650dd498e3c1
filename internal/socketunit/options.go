package socketunit

import (
	"fmt"

	"github.com/pkg/xattr"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/coreunitd/unitd/internal/logging"
)

// applyPreListenOptions applies every configured kernel tunable to a
// just-bound descriptor (component C2). Each tunable is attempted
// independently and a failure is only logged, never fatal — except
// that the receive/send buffer first try the privileged override
// (SO_RCVBUFFORCE/SO_SNDBUFFORCE) and only fall back to the
// unprivileged setter on failure, per spec §4.2.
func applyPreListenOptions(fd int, p *Port, cfg *Config, log logging.Logger) {
	if cfg.BindToDevice != "" {
		applyBindToDevice(fd, cfg.BindToDevice, log)
	}

	if cfg.FreeBind {
		trySetInt(fd, unix.IPPROTO_IP, unix.IP_FREEBIND, 1, "free_bind", log)
	}

	if cfg.Transparent {
		trySetInt(fd, unix.IPPROTO_IP, unix.IP_TRANSPARENT, 1, "transparent", log)
	}

	if cfg.Broadcast {
		trySetInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1, "broadcast", log)
	}

	if cfg.KeepAlive {
		trySetInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1, "keep_alive", log)
	}

	if cfg.PassCredential && p.Address.Family == FamilyUnix {
		trySetInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1, "pass_credentials", log)
	}

	if cfg.PassSecurity {
		trySetInt(fd, unix.SOL_SOCKET, unix.SO_PASSSEC, 1, "pass_security", log)
	}

	if cfg.Priority >= 0 {
		trySetInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, int(cfg.Priority), "priority", log)
	}

	if cfg.Mark >= 0 {
		trySetInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(cfg.Mark), "mark", log)
	}

	applyIPTOSAndTTL(fd, p, cfg, log)

	if cfg.TCPCongestion != "" && p.Address.SockType == SockStream {
		if err := unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_CONGESTION, cfg.TCPCongestion); err != nil {
			log.Warn("failed to set tcp_congestion", logging.Ctx{"value": cfg.TCPCongestion, "err": err})
		}
	}

	if cfg.ReceiveBuffer > 0 {
		setBufferSize(fd, unix.SO_RCVBUFFORCE, unix.SO_RCVBUF, int(cfg.ReceiveBuffer), "receive_buffer", log)
	}

	if cfg.SendBuffer > 0 {
		setBufferSize(fd, unix.SO_SNDBUFFORCE, unix.SO_SNDBUF, int(cfg.SendBuffer), "send_buffer", log)
	}

	applyLabels(fd, log)
}

// ApplyAcceptedOptions applies keep_alive and the security-label
// attributes to a freshly accepted connection. No other tunable is set
// on the accepted descriptor: pass_credentials, pass_security, priority,
// mark, TOS/TTL and the buffer sizes are not re-applied here.
func ApplyAcceptedOptions(fd int, cfg *Config, log logging.Logger) {
	if cfg.KeepAlive {
		trySetInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1, "keep_alive", log)
	}

	applyLabels(fd, log)
}

// ApplyPipeSize applies the single FIFO tunable (spec §4.2: "for FIFOs,
// the only tunable is pipe size").
func ApplyPipeSize(fd int, size uint64, log logging.Logger) {
	if size == 0 {
		return
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, int(size)); err != nil {
		log.Warn("failed to set pipe_size", logging.Ctx{"size": size, "err": err})
	}
}

func trySetInt(fd, level, opt, value int, name string, log logging.Logger) {
	if err := unix.SetsockoptInt(fd, level, opt, value); err != nil {
		log.Warn(fmt.Sprintf("failed to set %s", name), logging.Ctx{"err": err})
	}
}

func setBufferSize(fd, forcedOpt, opt, size int, name string, log logging.Logger) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, forcedOpt, size); err != nil {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, size); err != nil {
			log.Warn(fmt.Sprintf("failed to set %s", name), logging.Ctx{"size": size, "err": err})
		}
	}
}

func applyIPTOSAndTTL(fd int, p *Port, cfg *Config, log logging.Logger) {
	if cfg.IPTOS >= 0 {
		trySetInt(fd, unix.IPPROTO_IP, unix.IP_TOS, int(cfg.IPTOS), "ip_tos", log)
	}

	if cfg.IPTTL < 0 {
		return
	}

	switch p.Address.Family {
	case FamilyInet:
		trySetInt(fd, unix.IPPROTO_IP, unix.IP_TTL, int(cfg.IPTTL), "ip_ttl", log)
	case FamilyInet6:
		// The v6 hop-limit is only applied when IPv6 is supported at
		// runtime; setting it on an AF_INET6 socket is how we probe that
		// (spec §4.2). A warning is logged only when both attempts fail —
		// but since this socket is already AF_INET6, IPv4 TTL doesn't apply.
		err6 := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, int(cfg.IPTTL))
		if err6 != nil {
			log.Warn("failed to set ip_ttl (hop-limit)", logging.Ctx{"err": err6})
		}
	}
}

// applyBindToDevice resolves the device via netlink before attempting
// SO_BINDTODEVICE, so a typo'd interface name fails with a clear error
// instead of a bare ENODEV from the kernel.
func applyBindToDevice(fd int, device string, log logging.Logger) {
	if _, err := netlink.LinkByName(device); err != nil {
		log.Warn("bind_to_device refers to a non-existent interface", logging.Ctx{"device": device, "err": err})
		return
	}

	if err := unix.BindToDevice(fd, device); err != nil {
		log.Warn("failed to set bind_to_device", logging.Ctx{"device": device, "err": err})
	}
}

// Label xattr keys mirror the security-label extended attributes the
// original implementation sets on accepted descriptors and created
// filesystem objects (SPEC_FULL.md §4).
const (
	xattrLabelIncoming = "security.SMACK64IPIN"
	xattrLabelOutgoing = "security.SMACK64IPOUT"
)

// applyLabels sets the incoming/outgoing security-label extended
// attributes. This is best-effort: most systems have neither SMACK nor
// a socket xattr interface available, so failures of either attribute
// are logged at the same debug level, never escalated: the common case
// is "not supported on this kernel", which isn't actionable.
func applyLabels(fd int, log logging.Logger) {
	path := fmt.Sprintf("/proc/self/fd/%d", fd)

	if err := xattr.Set(path, xattrLabelIncoming, []byte("")); err != nil {
		log.Debug("incoming label xattr not applied", logging.Ctx{"err": err})
	}

	if err := xattr.Set(path, xattrLabelOutgoing, []byte("")); err != nil {
		log.Debug("outgoing label xattr not applied", logging.Ctx{"err": err})
	}
}
