//  config.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/19/2025.
//
//  Declares the engine configuration, its YAML form and the validated
//  settings the stack is built from.

package engine

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/relativecompanies/netbridge/bridge"
)

const (
	defaultMTU        = 1500
	defaultQueueSize  = 256
	defaultDNSTimeout = 5 * time.Second
	dnsPort           = 53

	minMTU = 576
	maxMTU = 9000
)

// Config contains the tunables of an Engine.
type Config struct {
	// MTU is the link MTU, without the Ethernet header.
	MTU int `yaml:"mtu"`
	// MAC is the interface hardware address. Defaults to a locally
	// administered address derived from Address.
	MAC string `yaml:"mac"`
	// Address is the IPv4 interface address in CIDR form, e.g. 10.0.0.2/24.
	Address string `yaml:"address"`
	// Gateway is the default route.
	Gateway string `yaml:"gateway"`
	// DNS lists name servers as ip or ip:port.
	DNS []string `yaml:"dns"`
	// DNSTimeout bounds one query to one server.
	DNSTimeout time.Duration `yaml:"dns-timeout"`
	// Hosts is a static name table consulted before DNS.
	Hosts map[string]string `yaml:"hosts"`
	// QueueSize bounds both the inbound and the outbound frame queue.
	QueueSize int `yaml:"queue-size"`
	// MemoryLimit is a soft heap ceiling for constrained processes, e.g.
	// "32MiB". Empty leaves the runtime default.
	MemoryLimit string `yaml:"memory-limit"`
	// GCPercent overrides GOGC when non-zero.
	GCPercent int `yaml:"gc-percent"`
	// LogLevel sets the global log level when non-empty.
	LogLevel string `yaml:"log-level"`
}

// LoadConfig parses a YAML document into a validated Config.
func LoadConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if _, err := cfg.settings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// settings is Config after defaults and parsing.
type settings struct {
	mtu         int
	mac         tcpip.LinkAddress
	prefix      netip.Prefix
	gateway     netip.Addr
	dns         []netip.AddrPort
	dnsTimeout  time.Duration
	hosts       map[string]netip.Addr
	queueSize   int
	memoryLimit int64
	gcPercent   int
	logLevel    string
}

func invalid(field, value string, err error) error {
	if err == nil {
		return fmt.Errorf("config: %s %q: %w", field, value, bridge.ErrInvalidArgument)
	}
	return fmt.Errorf("config: %s %q: %w: %v", field, value, bridge.ErrInvalidArgument, err)
}

func (c *Config) settings() (*settings, error) {
	s := &settings{
		mtu:        c.MTU,
		dnsTimeout: c.DNSTimeout,
		queueSize:  c.QueueSize,
		gcPercent:  c.GCPercent,
		logLevel:   c.LogLevel,
		hosts:      make(map[string]netip.Addr, len(c.Hosts)),
	}
	if s.mtu == 0 {
		s.mtu = defaultMTU
	}
	if s.mtu < minMTU || s.mtu > maxMTU {
		return nil, invalid("mtu", fmt.Sprint(c.MTU), nil)
	}
	if s.queueSize <= 0 {
		s.queueSize = defaultQueueSize
	}
	if s.dnsTimeout <= 0 {
		s.dnsTimeout = defaultDNSTimeout
	}

	if c.Address != "" {
		prefix, err := netip.ParsePrefix(c.Address)
		if err != nil || !prefix.Addr().Is4() {
			return nil, invalid("address", c.Address, err)
		}
		s.prefix = prefix
	}

	if c.Gateway != "" {
		gw, err := netip.ParseAddr(c.Gateway)
		if err != nil || !gw.Is4() {
			return nil, invalid("gateway", c.Gateway, err)
		}
		if s.prefix.IsValid() && !s.prefix.Masked().Contains(gw) {
			return nil, invalid("gateway", c.Gateway, fmt.Errorf("outside %s", s.prefix.Masked()))
		}
		s.gateway = gw
	}

	if c.MAC != "" {
		hw, err := net.ParseMAC(c.MAC)
		if err != nil || len(hw) != 6 {
			return nil, invalid("mac", c.MAC, err)
		}
		s.mac = tcpip.LinkAddress(hw)
	} else {
		s.mac = defaultMAC(s.prefix.Addr())
	}

	for _, server := range c.DNS {
		ap, err := parseServer(server)
		if err != nil {
			return nil, invalid("dns", server, err)
		}
		s.dns = append(s.dns, ap)
	}

	for name, value := range c.Hosts {
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is4() {
			return nil, invalid("hosts", name, err)
		}
		s.hosts[canonicalName(name)] = addr
	}

	if c.MemoryLimit != "" {
		limit, err := units.RAMInBytes(c.MemoryLimit)
		if err != nil || limit <= 0 {
			return nil, invalid("memory-limit", c.MemoryLimit, err)
		}
		s.memoryLimit = limit
	}
	return s, nil
}

func parseServer(server string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(server); err == nil {
		if !ap.Addr().Is4() {
			return netip.AddrPort{}, bridge.ErrInvalidArgument
		}
		return ap, nil
	}
	addr, err := netip.ParseAddr(server)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !addr.Is4() {
		return netip.AddrPort{}, bridge.ErrInvalidArgument
	}
	return netip.AddrPortFrom(addr, dnsPort), nil
}

// defaultMAC derives 02:00:a:b:c:d from the interface address so engines on
// one segment get distinct link addresses without configuration.
func defaultMAC(addr netip.Addr) tcpip.LinkAddress {
	mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	if addr.Is4() {
		a := addr.As4()
		copy(mac[2:], a[:])
	}
	return tcpip.LinkAddress(mac[:])
}

// canonicalName lowercases name and drops a trailing root dot.
func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
