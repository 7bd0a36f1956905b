// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pconfig

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/AdguardTeam/golibs/log"
)

// EnvVar is the well-known environment variable the launcher uses to hand
// the serialized Config to the preloaded core (spec.md §6).
const EnvVar = "PROXYC_CONFIG"

// wireAuth and wireProxySpec/wireConfig are the JSON-on-the-wire shapes.
// Kept distinct from the in-memory types so the transfer format doesn't
// silently change shape if the in-memory representation grows unexported
// fields.
type wireAuth struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

type wireProxySpec struct {
	Protocol string    `json:"protocol"`
	IP       string    `json:"ip"`
	Port     uint16    `json:"port"`
	Auth     *wireAuth `json:"auth,omitempty"`
}

type wireIgnoreSubnet struct {
	CIDR string  `json:"cidr"`
	Port *uint16 `json:"port,omitempty"`
}

type wireConfig struct {
	Proxies             []wireProxySpec    `json:"proxies"`
	ChainType           string             `json:"chain_type"`
	LogLevel            string             `json:"log_level"`
	TCPReadTimeoutMs    int                `json:"tcp_read_timeout_ms"`
	TCPConnectTimeoutMs int                `json:"tcp_connect_timeout_ms"`
	ProxyDNS            bool               `json:"proxy_dns"`
	DNSSubnet           byte               `json:"dns_subnet"`
	IgnoreSubnets       []wireIgnoreSubnet `json:"ignore_subnets"`
}

func toWireProtocol(p Protocol) string { return p.String() }

func fromWireProtocol(s string) (Protocol, error) {
	switch s {
	case "http":
		return Http, nil
	case "socks4":
		return Socks4, nil
	case "socks5":
		return Socks5, nil
	default:
		return Raw, fmt.Errorf("pconfig: unknown wire protocol %q", s)
	}
}

// Encode serializes c into the JSON envelope transferred via EnvVar.
func Encode(c *Config) ([]byte, error) {
	w := wireConfig{
		ChainType:           c.ChainType.String(),
		LogLevel:            logLevelString(c.LogLevel),
		TCPReadTimeoutMs:    c.TCPReadTimeoutMs,
		TCPConnectTimeoutMs: c.TCPConnectTimeoutMs,
		ProxyDNS:            c.ProxyDNS,
		DNSSubnet:           c.DNSSubnet,
	}
	for _, p := range c.Proxies {
		wp := wireProxySpec{
			Protocol: toWireProtocol(p.Protocol),
			IP:       p.IP.String(),
			Port:     p.Port,
		}
		if p.Auth != nil {
			wp.Auth = &wireAuth{User: p.Auth.User, Pass: p.Auth.Pass}
		}
		w.Proxies = append(w.Proxies, wp)
	}
	for _, s := range c.IgnoreSubnets {
		w.IgnoreSubnets = append(w.IgnoreSubnets, wireIgnoreSubnet{
			CIDR: s.CIDR.String(),
			Port: s.Port,
		})
	}
	return json.Marshal(w)
}

// Decode parses the JSON envelope back into a Config.
func Decode(data []byte) (*Config, error) {
	var w wireConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("pconfig: decode: %w", err)
	}

	c := &Config{
		LogLevel:            mustLogLevel(w.LogLevel),
		TCPReadTimeoutMs:    w.TCPReadTimeoutMs,
		TCPConnectTimeoutMs: w.TCPConnectTimeoutMs,
		ProxyDNS:            w.ProxyDNS,
		DNSSubnet:           w.DNSSubnet,
	}

	ct, err := ParseChainType(w.ChainType)
	if err != nil {
		return nil, err
	}
	c.ChainType = ct

	for i, wp := range w.Proxies {
		proto, err := fromWireProtocol(wp.Protocol)
		if err != nil {
			return nil, fmt.Errorf("pconfig: proxies[%d]: %w", i, err)
		}
		ip := net.ParseIP(wp.IP)
		if ip == nil {
			return nil, fmt.Errorf("pconfig: proxies[%d]: invalid ip %q", i, wp.IP)
		}
		ps := ProxySpec{Protocol: proto, IP: ip, Port: wp.Port}
		if wp.Auth != nil {
			ps.Auth = &Auth{User: wp.Auth.User, Pass: wp.Auth.Pass}
		}
		c.Proxies = append(c.Proxies, ps)
	}

	for i, ws := range w.IgnoreSubnets {
		_, ipnet, err := net.ParseCIDR(ws.CIDR)
		if err != nil {
			return nil, fmt.Errorf("pconfig: ignore_subnets[%d]: %w", i, err)
		}
		c.IgnoreSubnets = append(c.IgnoreSubnets, IgnoreSubnet{CIDR: ipnet, Port: ws.Port})
	}

	*c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func logLevelString(l LogLevel) string {
	switch l {
	case LogOff:
		return "off"
	case LogError:
		return "error"
	case LogWarn:
		return "warn"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	case LogTrace:
		return "trace"
	default:
		return "info"
	}
}

func mustLogLevel(s string) LogLevel {
	l, err := ParseLogLevel(s)
	if err != nil {
		return LogInfo
	}
	return l
}

// ApplyLogLevel sets the process-wide golibs/log verbosity from l. golibs
// exposes OFF/ERROR/INFO/DEBUG; Warn and Trace fold onto the nearest
// coarser/finer level it has (spec.md §6's log_level values are a superset).
func ApplyLogLevel(l LogLevel) {
	switch l {
	case LogOff:
		log.SetLevel(log.OFF)
	case LogError, LogWarn:
		log.SetLevel(log.ERROR)
	case LogDebug, LogTrace:
		log.SetLevel(log.DEBUG)
	default:
		log.SetLevel(log.INFO)
	}
}

var (
	singletonOnce sync.Once
	singleton     *Config
	singletonErr  error
)

// Get lazily decodes the process-wide Config from EnvVar on first use and
// caches it for the lifetime of the process, per spec.md §3's "Lifecycle:
// deserialized lazily on first use from the transport envelope; never
// mutated afterward."
func Get() (*Config, error) {
	singletonOnce.Do(func() {
		raw := os.Getenv(EnvVar)
		if raw == "" {
			singletonErr = fmt.Errorf("pconfig: %s not set", EnvVar)
			return
		}
		singleton, singletonErr = Decode([]byte(raw))
		if singletonErr != nil {
			log.Error("pconfig: failed to decode %s: %v", EnvVar, singletonErr)
			return
		}
		ApplyLogLevel(singleton.LogLevel)
	})
	return singleton, singletonErr
}

// SetForTest publishes a Config directly, bypassing the environment
// variable. Only intended for use from _test.go files in this module.
func SetForTest(c *Config) {
	singletonOnce.Do(func() {})
	singleton = c
	singletonErr = nil
}
