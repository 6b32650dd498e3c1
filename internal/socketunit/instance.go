package socketunit

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// EncodeInstance computes the stable ASCII instance name for an
// accepted connection (component C3, spec §4.3). n is the value of
// n_accepted at the moment of acceptance, before it is incremented.
func EncodeInstance(fd int, n uint32) (string, error) {
	localSA, err := unix.Getsockname(fd)
	if err != nil {
		return "", newErr(ErrResources, "getsockname", err)
	}

	switch local := localSA.(type) {
	case *unix.SockaddrInet4:
		remoteSA, err := unix.Getpeername(fd)
		if err != nil {
			if isDisconnectErrno(err) {
				return "", newErr(ErrIO, "getpeername: peer disconnected", err)
			}

			return "", newErr(ErrResources, "getpeername", err)
		}

		remote, ok := remoteSA.(*unix.SockaddrInet4)
		if !ok {
			return "", newErr(ErrUnsupported, "mismatched address families", nil)
		}

		return fmt.Sprintf("%d-%s:%d-%s:%d", n, ipv4String(local.Addr), local.Port, ipv4String(remote.Addr), remote.Port), nil

	case *unix.SockaddrInet6:
		remoteSA, err := unix.Getpeername(fd)
		if err != nil {
			if isDisconnectErrno(err) {
				return "", newErr(ErrIO, "getpeername: peer disconnected", err)
			}

			return "", newErr(ErrResources, "getpeername", err)
		}

		remote, ok := remoteSA.(*unix.SockaddrInet6)
		if !ok {
			return "", newErr(ErrUnsupported, "mismatched address families", nil)
		}

		localIP := net.IP(local.Addr[:])
		remoteIP := net.IP(remote.Addr[:])

		if isIPv4Mapped(localIP) && isIPv4Mapped(remoteIP) {
			return fmt.Sprintf("%d-%s:%d-%s:%d", n, localIP.To4().String(), local.Port, remoteIP.To4().String(), remote.Port), nil
		}

		return fmt.Sprintf("%d-%s:%d-%s:%d", n, localIP.String(), local.Port, remoteIP.String(), remote.Port), nil

	case *unix.SockaddrUnix:
		cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return "", newErr(ErrResources, "getsockopt(SO_PEERCRED)", err)
		}

		return fmt.Sprintf("%d-%d-%d", n, cred.Pid, cred.Uid), nil

	default:
		return "", newErr(ErrUnsupported, "unsupported address family for instance encoding", nil)
	}
}

func ipv4String(addr [4]byte) string {
	return net.IP(addr[:]).String()
}

func isIPv4Mapped(ip net.IP) bool {
	return strings.HasPrefix(ip.String(), "::ffff:") || ip.To4() != nil
}

// isDisconnectErrno reports the "TCP reset between accept and
// getpeername" case spec §4.4 calls out as non-fatal.
func isDisconnectErrno(err error) bool {
	return err == unix.ENOTCONN || err == unix.ECONNRESET
}
