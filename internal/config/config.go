// Package config loads a socket unit file from YAML into the
// socketunit.Config the core consumes. Parsing unit files is
// explicitly a CLI-layer concern (spec.md §1 "out of scope"); the core
// package never imports this one.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"

	"github.com/coreunitd/unitd/internal/manager"
	"github.com/coreunitd/unitd/internal/socketunit"
)

// File is the on-disk shape of a socket unit file.
type File struct {
	Identity string `yaml:"identity"`

	ListenStream    []string `yaml:"listen_stream"`
	ListenDatagram  []string `yaml:"listen_datagram"`
	ListenSeqpacket []string `yaml:"listen_seqpacket"`
	ListenFIFO      []string `yaml:"listen_fifo"`
	ListenSpecial   []string `yaml:"listen_special"`

	ListenNetlink []NetlinkListen `yaml:"listen_netlink"`
	ListenMqueue  []MqueueListen  `yaml:"listen_mqueue"`

	Backlog uint32 `yaml:"backlog"`

	BindIPv6Only string `yaml:"bind_ipv6_only"`
	BindToDevice string `yaml:"bind_to_device"`
	FreeBind     bool   `yaml:"free_bind"`
	Transparent  bool   `yaml:"transparent"`
	Broadcast    bool   `yaml:"broadcast"`

	KeepAlive      bool `yaml:"keep_alive"`
	PassCredential bool `yaml:"pass_credentials"`
	PassSecurity   bool `yaml:"pass_security"`

	Priority      *int32 `yaml:"priority"`
	IPTOS         *int32 `yaml:"ip_tos"`
	IPTTL         *int32 `yaml:"ip_ttl"`
	Mark          *int32 `yaml:"mark"`
	ReceiveBuffer uint64 `yaml:"receive_buffer"`
	SendBuffer    uint64 `yaml:"send_buffer"`
	PipeSize      uint64 `yaml:"pipe_size"`
	TCPCongestion string `yaml:"tcp_congestion"`

	DirectoryMode uint32 `yaml:"directory_mode"`
	SocketMode    uint32 `yaml:"socket_mode"`

	Accept         bool   `yaml:"accept"`
	MaxConnections uint32 `yaml:"max_connections"`

	Timeout string `yaml:"timeout"`

	StartPre  []string `yaml:"exec_start_pre"`
	StartPost []string `yaml:"exec_start_post"`
	StopPre   []string `yaml:"exec_stop_pre"`
	StopPost  []string `yaml:"exec_stop_post"`

	KillMode    string `yaml:"kill_mode"`
	SendSigkill bool   `yaml:"send_sigkill"`

	SharedService  string `yaml:"service"`
	TemplatePrefix string `yaml:"template_prefix"`
}

// NetlinkListen mirrors socketunit.NetlinkListen for YAML decoding.
type NetlinkListen struct {
	Family string `yaml:"family"`
	Group  uint32 `yaml:"group"`
}

// MqueueListen mirrors socketunit.MqueueListen for YAML decoding.
type MqueueListen struct {
	Path        string `yaml:"path"`
	MaxMessages int64  `yaml:"max_messages"`
	MessageSize int64  `yaml:"message_size"`
}

// LoadFile reads and decodes a unit file, returning a Config ready for
// socketunit.New (which itself calls Validate).
func LoadFile(path string) (*socketunit.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	return f.toConfig()
}

func (f *File) toConfig() (*socketunit.Config, error) {
	cfg := socketunit.DefaultConfig(f.Identity)

	cfg.ListenStream = f.ListenStream
	cfg.ListenDatagram = f.ListenDatagram
	cfg.ListenSeqpacket = f.ListenSeqpacket
	cfg.ListenFIFO = f.ListenFIFO
	cfg.ListenSpecial = f.ListenSpecial

	for _, nl := range f.ListenNetlink {
		cfg.ListenNetlink = append(cfg.ListenNetlink, socketunit.NetlinkListen{Family: nl.Family, Group: nl.Group})
	}

	for _, mq := range f.ListenMqueue {
		cfg.ListenMqueue = append(cfg.ListenMqueue, socketunit.MqueueListen{
			Path: mq.Path, MaxMessages: mq.MaxMessages, MessageSize: mq.MessageSize,
		})
	}

	if f.Backlog > 0 {
		cfg.Backlog = f.Backlog
	}

	switch f.BindIPv6Only {
	case "both":
		cfg.BindIPv6Only = socketunit.BindIPv6Both
	case "ipv6-only":
		cfg.BindIPv6Only = socketunit.BindIPv6OnlyOn
	}

	cfg.BindToDevice = f.BindToDevice
	cfg.FreeBind = f.FreeBind
	cfg.Transparent = f.Transparent
	cfg.Broadcast = f.Broadcast
	cfg.KeepAlive = f.KeepAlive
	cfg.PassCredential = f.PassCredential
	cfg.PassSecurity = f.PassSecurity

	if f.Priority != nil {
		cfg.Priority = *f.Priority
	}

	if f.IPTOS != nil {
		cfg.IPTOS = *f.IPTOS
	}

	if f.IPTTL != nil {
		cfg.IPTTL = *f.IPTTL
	}

	if f.Mark != nil {
		cfg.Mark = *f.Mark
	}

	cfg.ReceiveBuffer = f.ReceiveBuffer
	cfg.SendBuffer = f.SendBuffer
	cfg.PipeSize = f.PipeSize
	cfg.TCPCongestion = f.TCPCongestion

	if f.DirectoryMode > 0 {
		cfg.DirectoryMode = f.DirectoryMode
	}

	if f.SocketMode > 0 {
		cfg.SocketMode = f.SocketMode
	}

	cfg.Accept = f.Accept
	if f.MaxConnections > 0 {
		cfg.MaxConnections = f.MaxConnections
	}

	if f.Timeout != "" {
		d, err := time.ParseDuration(f.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", f.Timeout, err)
		}

		cfg.Timeout = d
	}

	cfg.StartPre = parseCommands(f.StartPre)
	cfg.StartPost = parseCommands(f.StartPost)
	cfg.StopPre = parseCommands(f.StopPre)
	cfg.StopPost = parseCommands(f.StopPost)

	switch f.KillMode {
	case "process":
		cfg.KillMode = socketunit.KillProcess
	case "mixed":
		cfg.KillMode = socketunit.KillMixed
	case "none":
		cfg.KillMode = socketunit.KillNone
	default:
		cfg.KillMode = socketunit.KillControlGroup
	}

	cfg.SendSigkill = f.SendSigkill
	cfg.SharedService = f.SharedService
	cfg.TemplatePrefix = f.TemplatePrefix

	return &cfg, nil
}

// parseCommands turns each "path arg1 arg2" string into a
// manager.Command, honoring a leading '-' to mean "ignore this
// command's exit status" the way systemd unit files do.
func parseCommands(lines []string) []manager.Command {
	cmds := make([]manager.Command, 0, len(lines))

	for _, line := range lines {
		ignore := false
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "-") {
			ignore = true
			line = line[1:]
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		cmds = append(cmds, manager.Command{Path: fields[0], Argv: fields, IgnoreErr: ignore})
	}

	return cmds
}
