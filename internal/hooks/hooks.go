// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package hooks holds the decision logic behind the four intercepted libc
// symbols (spec.md §4.5): connect, getaddrinfo, gethostbyname, freeaddrinfo.
// It is deliberately cgo-free — every function here takes and returns
// plain Go values, so the thin cgo shim in cmd/libproxyc is the only place
// that ever marshals to or from a C struct, and everything in this file is
// unit-testable without a preloaded process.
package hooks

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/AdguardTeam/golibs/log"

	"github.com/evn-ch/proxyc/internal/chain"
	"github.com/evn-ch/proxyc/internal/chainerr"
	"github.com/evn-ch/proxyc/internal/drivers"
	"github.com/evn-ch/proxyc/internal/fakedns"
	"github.com/evn-ch/proxyc/internal/ignoresubnet"
	"github.com/evn-ch/proxyc/internal/pconfig"
)

var (
	dnsTableOnce sync.Once
	dnsTable     *fakedns.Table
)

func dnsTableFor(cfg *pconfig.Config) *fakedns.Table {
	dnsTableOnce.Do(func() {
		dnsTable = fakedns.New(cfg.DNSSubnet)
	})
	return dnsTable
}

// ConnectOutcome is the hook's decision for a single connect(2) call.
type ConnectOutcome struct {
	// Delegate means the hook must call the real connect symbol unchanged.
	Delegate bool
	// Handled is set when the chain engine ran; Errno is ECONNREFUSED on
	// failure (spec.md §4.5: chosen so nmap-style callers see "refused"
	// rather than a generic error) and zero on success.
	Handled bool
	Errno   unix.Errno
}

// Connect decides and, unless delegating, executes the chain-engine path
// for a connect(fd, family, socktype, ip, port) call.
func Connect(fd int, family int, socktype int, ip net.IP, port uint16) ConnectOutcome {
	if family != unix.AF_INET && family != unix.AF_INET6 {
		return ConnectOutcome{Delegate: true}
	}
	if socktype != unix.SOCK_STREAM {
		return ConnectOutcome{Delegate: true}
	}

	cfg, err := pconfig.Get()
	if err != nil {
		return ConnectOutcome{Delegate: true}
	}
	if ignoresubnet.Matches(cfg.IgnoreSubnets, ip, port) {
		return ConnectOutcome{Delegate: true}
	}

	origFlags, ferr := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if ferr != nil {
		return ConnectOutcome{Handled: true, Errno: unix.ECONNREFUSED}
	}
	if origFlags&unix.O_NONBLOCK != 0 {
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, origFlags&^unix.O_NONBLOCK)
	}
	defer func() {
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, origFlags)
	}()

	var resolver drivers.Resolver
	if cfg.ProxyDNS {
		resolver = dnsTableFor(cfg)
	}

	target := pconfig.RawTarget(ip, port)
	if err := chain.Run(fd, target, cfg, resolver); err != nil {
		log.Debug("hooks: chain to %s:%d failed: %v", ip, port, err)
		return ConnectOutcome{Handled: true, Errno: unix.ECONNREFUSED}
	}
	return ConnectOutcome{Handled: true, Errno: 0}
}

// AddrInfoResult is the hook's decision for a single getaddrinfo(3) call.
type AddrInfoResult struct {
	Delegate bool
	IP       net.IP
	Port     uint16
	Family   int
}

// resolvePort mirrors getservbyname_r-then-atoi (spec.md §4.5): a literal
// port number is tried first since it can never collide with a service
// name, falling back to a services-file lookup. Empty service means 0.
func resolvePort(service string) (uint16, error) {
	if service == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(service); err == nil {
		if n < 0 || n > 65535 {
			return 0, fmt.Errorf("hooks: port %d out of range", n)
		}
		return uint16(n), nil
	}
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return 0, fmt.Errorf("hooks: unknown service %q: %w", service, err)
	}
	return uint16(port), nil
}

// GetAddrInfo resolves node/service per spec.md §4.5's getaddrinfo hook.
func GetAddrInfo(node, service string, aiNumericHost bool) (AddrInfoResult, error) {
	cfg, err := pconfig.Get()
	if err != nil || !cfg.ProxyDNS {
		return AddrInfoResult{Delegate: true}, nil
	}

	port, err := resolvePort(service)
	if err != nil {
		log.Debug("hooks: getaddrinfo: %v", err)
		return AddrInfoResult{}, chainerr.NewMissingData(err)
	}

	if ip := net.ParseIP(node); ip != nil {
		family := unix.AF_INET
		if ip.To4() == nil {
			family = unix.AF_INET6
		}
		return AddrInfoResult{IP: ip, Port: port, Family: family}, nil
	}

	if aiNumericHost {
		return AddrInfoResult{}, chainerr.NewMissingData(fmt.Errorf("hooks: AI_NUMERICHOST set for non-numeric node %q", node))
	}

	ip, err := dnsTableFor(cfg).Assign(node)
	if err != nil {
		log.Error("hooks: getaddrinfo: assigning synthetic address for %q: %v", node, err)
		return AddrInfoResult{}, err
	}
	log.Debug("hooks: getaddrinfo: %s -> %s (synthetic)", node, ip)
	return AddrInfoResult{IP: ip, Port: port, Family: unix.AF_INET}, nil
}

// GetHostByName resolves node per spec.md §4.5's gethostbyname hook.
func GetHostByName(node string) (ip net.IP, delegate bool, err error) {
	cfg, cerr := pconfig.Get()
	if cerr != nil || !cfg.ProxyDNS {
		return nil, true, nil
	}
	if parsed := net.ParseIP(node); parsed != nil {
		return parsed, false, nil
	}
	assigned, aerr := dnsTableFor(cfg).Assign(node)
	if aerr != nil {
		log.Error("hooks: gethostbyname: assigning synthetic address for %q: %v", node, aerr)
		return nil, false, aerr
	}
	log.Debug("hooks: gethostbyname: %s -> %s (synthetic)", node, assigned)
	return assigned, false, nil
}

// ShouldFreeLocally reports whether freeaddrinfo must free the block this
// library allocated, rather than delegating to the real libc freeaddrinfo
// (spec.md §4.5: the structure was allocated by us, not libc, whenever
// proxy_dns is enabled).
func ShouldFreeLocally() bool {
	cfg, err := pconfig.Get()
	return err == nil && cfg.ProxyDNS
}
