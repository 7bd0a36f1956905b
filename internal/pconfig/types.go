// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pconfig holds the data model shared between the proxyc launcher
// and the preloaded core: ProxySpec, Config, and the TOML/JSON codecs that
// move a Config from a file on disk into the target process's environment.
package pconfig

import (
	"fmt"
	"net"
)

// Protocol identifies the wire protocol spoken to reach the next hop.
type Protocol int

const (
	// Raw represents the caller's real destination. It is synthesized
	// internally by the chain engine and never appears in a configured
	// proxy list.
	Raw Protocol = iota
	Http
	Socks4
	Socks5
)

func (p Protocol) String() string {
	switch p {
	case Raw:
		return "raw"
	case Http:
		return "http"
	case Socks4:
		return "socks4"
	case Socks5:
		return "socks5"
	default:
		return "unknown"
	}
}

// Auth is a username/password pair, valid only on Http and Socks5 hops.
type Auth struct {
	User string
	Pass string
}

// ProxySpec describes one hop: an upstream proxy, or (Protocol == Raw) the
// caller's real target.
type ProxySpec struct {
	Protocol Protocol
	IP       net.IP
	Port     uint16
	Auth     *Auth
}

// Validate enforces the invariants from spec.md §3: auth is permitted only
// for Http and Socks5; Socks4 hops must be IPv4.
func (p ProxySpec) Validate() error {
	if p.Auth != nil && p.Protocol != Http && p.Protocol != Socks5 {
		return fmt.Errorf("pconfig: auth not permitted on %s hop", p.Protocol)
	}
	if p.Protocol == Socks4 && p.IP.To4() == nil {
		return fmt.Errorf("pconfig: socks4 hop requires an IPv4 address, got %s", p.IP)
	}
	return nil
}

// rawTarget builds the synthetic Raw ProxySpec representing the caller's
// real destination for the final leg of a chain traversal. Unexported: Raw
// must never be parseable from user-supplied configuration.
func rawTarget(ip net.IP, port uint16) ProxySpec {
	return ProxySpec{Protocol: Raw, IP: ip, Port: port}
}

// RawTarget is the exported constructor used by internal/hooks, which lives
// outside this package.
func RawTarget(ip net.IP, port uint16) ProxySpec {
	return rawTarget(ip, port)
}

// ChainType selects the traversal order over the configured proxy list.
type ChainType int

const (
	Strict ChainType = iota
	Dynamic
	Random
)

func ParseChainType(s string) (ChainType, error) {
	switch s {
	case "strict", "":
		return Strict, nil
	case "dynamic":
		return Dynamic, nil
	case "random":
		return Random, nil
	default:
		return Strict, fmt.Errorf("pconfig: unknown chain_type %q", s)
	}
}

func (c ChainType) String() string {
	switch c {
	case Strict:
		return "strict"
	case Dynamic:
		return "dynamic"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// LogLevel mirrors spec.md §6's recognized log_level values.
type LogLevel int

const (
	LogOff LogLevel = iota
	LogError
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "off":
		return LogOff, nil
	case "error":
		return LogError, nil
	case "warn":
		return LogWarn, nil
	case "info", "":
		return LogInfo, nil
	case "debug":
		return LogDebug, nil
	case "trace":
		return LogTrace, nil
	default:
		return LogInfo, fmt.Errorf("pconfig: unknown log_level %q", s)
	}
}

// IgnoreSubnet is one bypass-admission rule: targets within CIDR (and,
// optionally, matching Port exactly) skip the chain engine entirely.
type IgnoreSubnet struct {
	CIDR *net.IPNet
	Port *uint16 // nil means "any port"
}

const (
	// DefaultTCPReadTimeoutMs is spec.md §3's default tcp_read_timeout_ms.
	DefaultTCPReadTimeoutMs = 15000
	// DefaultTCPConnectTimeoutMs is spec.md §3's default tcp_connect_timeout_ms.
	DefaultTCPConnectTimeoutMs = 8000
	// DefaultDNSSubnet is spec.md §3's default dns_subnet.
	DefaultDNSSubnet = 224
)

// Config is the process-wide, read-only-after-init configuration singleton.
type Config struct {
	Proxies             []ProxySpec
	ChainType           ChainType
	LogLevel            LogLevel
	TCPReadTimeoutMs     int
	TCPConnectTimeoutMs  int
	ProxyDNS             bool
	DNSSubnet            byte
	IgnoreSubnets        []IgnoreSubnet
}

// Validate checks the whole-config invariants from spec.md §3: the proxy
// list must be non-empty, and every entry must individually validate.
func (c *Config) Validate() error {
	if len(c.Proxies) == 0 {
		return fmt.Errorf("pconfig: proxies list must not be empty")
	}
	for i, p := range c.Proxies {
		if p.Protocol == Raw {
			return fmt.Errorf("pconfig: proxies[%d]: raw is not a configurable protocol", i)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pconfig: proxies[%d]: %w", i, err)
		}
	}
	return nil
}

// WithDefaults returns a copy of c with zero-valued tunables replaced by
// spec.md §3's defaults.
func (c Config) WithDefaults() Config {
	if c.TCPReadTimeoutMs == 0 {
		c.TCPReadTimeoutMs = DefaultTCPReadTimeoutMs
	}
	if c.TCPConnectTimeoutMs == 0 {
		c.TCPConnectTimeoutMs = DefaultTCPConnectTimeoutMs
	}
	if c.DNSSubnet == 0 {
		c.DNSSubnet = DefaultDNSSubnet
	}
	return c
}
