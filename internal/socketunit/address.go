package socketunit

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Family is the socket address family a Port's Address belongs to.
type Family int

const (
	FamilyInet Family = iota
	FamilyInet6
	FamilyUnix
	FamilyNetlink
)

// SockType is the socket type requested by listen_stream / listen_datagram
// / listen_seqpacket.
type SockType int

const (
	SockStream SockType = iota
	SockDatagram
	SockSeqPacket
)

func (t SockType) String() string {
	switch t {
	case SockStream:
		return "stream"
	case SockDatagram:
		return "datagram"
	case SockSeqPacket:
		return "seqpacket"
	default:
		return "unknown"
	}
}

func ParseSockType(s string) (SockType, bool) {
	switch s {
	case "stream":
		return SockStream, true
	case "datagram":
		return SockDatagram, true
	case "seqpacket":
		return SockSeqPacket, true
	default:
		return SockStream, false
	}
}

// connectionOriented reports whether a listen() makes sense for this
// socket type — the §3 invariant "accept ⇒ every port ... connection-
// oriented (stream or seqpacket)".
func (t SockType) connectionOriented() bool {
	return t == SockStream || t == SockSeqPacket
}

// Address is the parsed form of one listen_* directive. Exactly one of
// (IP, UnixPath, NetlinkGroup) is meaningful, selected by Family.
type Address struct {
	Family   Family
	SockType SockType

	IP   net.IP
	Port int

	// AF_UNIX. A leading '@' denotes an abstract-namespace socket.
	UnixPath string

	// AF_NETLINK.
	NetlinkFamily int
	NetlinkGroup  uint32
}

// Literal renders the address the way it is written in a unit file and
// the way the serializer (§4.7) encodes it, so that deserialize can
// match a restored descriptor back to its Port by literal equality.
func (a Address) Literal() string {
	switch a.Family {
	case FamilyInet:
		return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
	case FamilyInet6:
		if v4 := a.IP.To4(); v4 != nil {
			return fmt.Sprintf("%s:%d", v4.String(), a.Port)
		}

		return fmt.Sprintf("[%s]:%d", a.IP.String(), a.Port)
	case FamilyUnix:
		return a.UnixPath
	case FamilyNetlink:
		return fmt.Sprintf("netlink:%d:%d", a.NetlinkFamily, a.NetlinkGroup)
	default:
		return ""
	}
}

// ParseAddress parses one listen_stream/listen_datagram/listen_seqpacket
// value into an Address. Accepted forms: "host:port", "[v6]:port",
// an absolute or '@'-prefixed path for AF_UNIX.
func ParseAddress(sockType SockType, value string) (Address, error) {
	if strings.HasPrefix(value, "/") || strings.HasPrefix(value, "@") {
		return Address{Family: FamilyUnix, SockType: sockType, UnixPath: value}, nil
	}

	host, portStr, err := net.SplitHostPort(value)
	if err != nil {
		return Address{}, newErr(ErrValidation, fmt.Sprintf("invalid listen address %q", value), err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, newErr(ErrValidation, fmt.Sprintf("invalid port in %q", value), err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, newErr(ErrValidation, fmt.Sprintf("invalid address %q", value), nil)
	}

	fam := FamilyInet
	if ip.To4() == nil {
		fam = FamilyInet6
	}

	return Address{Family: fam, SockType: sockType, IP: ip, Port: port}, nil
}

// ParseNetlinkAddress builds the Address for one listen_netlink
// directive from its netlink family name and multicast group, e.g.
// ("route", 1).
func ParseNetlinkAddress(netlinkFamily string, group uint32) (Address, error) {
	fam, ok := netlinkFamilyByName[netlinkFamily]
	if !ok {
		return Address{}, newErr(ErrValidation, fmt.Sprintf("unknown netlink family %q", netlinkFamily), nil)
	}

	return Address{Family: FamilyNetlink, SockType: SockDatagram, NetlinkFamily: fam, NetlinkGroup: group}, nil
}

var netlinkFamilyByName = map[string]int{
	"route":    0,
	"kobject":  15,
	"selinux":  7,
	"audit":    9,
	"firewall": 3,
}
