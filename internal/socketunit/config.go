package socketunit

import (
	"time"

	"github.com/coreunitd/unitd/internal/manager"
)

// BindIPv6OnlyMode mirrors the bind_ipv6_only tri-state.
type BindIPv6OnlyMode int

const (
	BindIPv6Default BindIPv6OnlyMode = iota
	BindIPv6Both
	BindIPv6OnlyOn
)

// KillMode re-exports manager.KillMode so config.go doesn't need
// callers to import the manager package just to build a Config.
type KillMode = manager.KillMode

const (
	KillControlGroup = manager.KillControlGroup
	KillProcess      = manager.KillProcess
	KillMixed        = manager.KillMixed
	KillNone         = manager.KillNone
)

// Config is the validated, already-parsed configuration block (spec
// §3). Parsing unit files into this struct is a CLI-layer concern
// (cmd/unitd); the core only ever consumes a Config value.
type Config struct {
	Identity string

	ListenStream    []string
	ListenDatagram  []string
	ListenSeqpacket []string
	ListenNetlink   []NetlinkListen
	ListenFIFO      []string
	ListenSpecial   []string
	ListenMqueue    []MqueueListen

	Backlog uint32

	BindIPv6Only BindIPv6OnlyMode
	BindToDevice string
	FreeBind     bool
	Transparent  bool
	Broadcast    bool

	KeepAlive      bool
	PassCredential bool
	PassSecurity   bool

	Priority      int32 // -1 = unset
	IPTOS         int32
	IPTTL         int32
	Mark          int32
	ReceiveBuffer uint64 // 0 = unset
	SendBuffer    uint64
	PipeSize      uint64
	TCPCongestion string

	DirectoryMode uint32
	SocketMode    uint32

	Accept         bool
	MaxConnections uint32

	Timeout time.Duration

	StartPre  []manager.Command
	StartPost []manager.Command
	StopPre   []manager.Command
	StopPost  []manager.Command

	KillMode     KillMode
	SendSigkill  bool

	// SharedService is the single triggered unit in non-accept mode.
	// Invalid (and ignored) when Accept is true (§3 invariant).
	SharedService string

	// TemplatePrefix is the service-name prefix used to synthesize
	// per-connection instances in accept mode: "<prefix>@<instance>.service".
	TemplatePrefix string
}

// NetlinkListen is one listen_netlink directive.
type NetlinkListen struct {
	Family string
	Group  uint32
}

// MqueueListen is one listen_mqueue directive.
type MqueueListen struct {
	Path        string
	MaxMessages int64
	MessageSize int64
}

const defaultMaxConnections = 64

// DefaultConfig returns a Config with every documented default (§3)
// applied; callers fill in the listen_* directives and any overrides.
func DefaultConfig(identity string) Config {
	return Config{
		Identity:       identity,
		Backlog:        0, // 0 here means "system maximum", resolved in port.go
		Priority:       -1,
		IPTOS:          -1,
		IPTTL:          -1,
		Mark:           -1,
		DirectoryMode:  0755,
		SocketMode:     0666,
		MaxConnections: defaultMaxConnections,
		Timeout:        90 * time.Second,
		KillMode:       KillControlGroup,
	}
}

// Validate enforces the §3 invariants that don't depend on runtime
// socket state. The errors it returns are permanent and reported at
// load (§7); address parsing in NewPortTable reports malformed listen
// values with the same ErrValidation kind.
func (c *Config) Validate() error {
	nPorts := len(c.ListenStream) + len(c.ListenDatagram) + len(c.ListenSeqpacket) +
		len(c.ListenNetlink) + len(c.ListenFIFO) + len(c.ListenSpecial) + len(c.ListenMqueue)

	if nPorts == 0 {
		return newErr(ErrValidation, "socket unit has no listen directives", nil)
	}

	if c.Accept {
		if c.MaxConnections == 0 {
			return newErr(ErrValidation, "accept=true requires max_connections > 0", nil)
		}

		if len(c.ListenDatagram) > 0 || len(c.ListenNetlink) > 0 || len(c.ListenFIFO) > 0 ||
			len(c.ListenSpecial) > 0 || len(c.ListenMqueue) > 0 {
			return newErr(ErrValidation, "accept=true requires every port to be a connection-oriented socket", nil)
		}

		if len(c.ListenSeqpacket) == 0 && len(c.ListenStream) == 0 {
			return newErr(ErrValidation, "accept=true requires at least one listen_stream or listen_seqpacket", nil)
		}

		if c.SharedService != "" {
			return newErr(ErrValidation, "accept=true must not set an explicit shared service", nil)
		}

		if c.TemplatePrefix == "" {
			return newErr(ErrValidation, "accept=true requires a template prefix to synthesize instance unit names", nil)
		}
	}

	if c.DirectoryMode == 0 {
		return newErr(ErrValidation, "directory_mode must be non-zero", nil)
	}

	return nil
}

func (c *Config) allPhaseCommands(p Phase) []manager.Command {
	switch p {
	case PhaseStartPre:
		return c.StartPre
	case PhaseStartPost:
		return c.StartPost
	case PhaseStopPre:
		return c.StopPre
	case PhaseStopPost:
		return c.StopPost
	default:
		return nil
	}
}
