// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chain implements the proxy chain traversal engine (spec.md §4.4):
// given a caller's intended destination, it opens a scratch socket, walks it
// through every configured upstream hop, and on success hands the tunneled
// fd back to the caller in place of its own. Grounded on the "pick one
// proxy implementation and dial through it" shape of intra/ipn/proxies.go's
// proxifier, generalized here to an ordered multi-hop walk.
package chain

import (
	"math/rand"
	"net"

	"golang.org/x/sys/unix"

	"github.com/evn-ch/proxyc/internal/chainerr"
	"github.com/evn-ch/proxyc/internal/drivers"
	"github.com/evn-ch/proxyc/internal/ioprim"
	"github.com/evn-ch/proxyc/internal/pconfig"
)

// driverFor returns the Driver implementation for a hop's protocol. Raw
// never appears in the chain's middle; only as the synthetic final target.
func driverFor(p pconfig.Protocol) drivers.Driver {
	switch p {
	case pconfig.Http:
		return drivers.HTTP{}
	case pconfig.Socks4:
		return drivers.Socks4{}
	case pconfig.Socks5:
		return drivers.Socks5{}
	default:
		return rawDriver{}
	}
}

// rawDriver is the no-op terminal driver: by the time it would run, the
// preceding real proxy has already been asked to CONNECT to this target.
type rawDriver struct{}

func (rawDriver) Connect(int, pconfig.ProxySpec, pconfig.ProxySpec, int, drivers.Resolver) error {
	return nil
}

// order returns the traversal sequence over cfg.Proxies for cfg.ChainType.
func order(cfg *pconfig.Config) []pconfig.ProxySpec {
	switch cfg.ChainType {
	case pconfig.Random:
		shuffled := make([]pconfig.ProxySpec, len(cfg.Proxies))
		copy(shuffled, cfg.Proxies)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled
	default: // Strict and Dynamic share configured order; Dynamic differs
		// only in which first-hop dial failures it skips (see
		// connectFirstHop). Failures later in the walk abort in both.
		out := make([]pconfig.ProxySpec, len(cfg.Proxies))
		copy(out, cfg.Proxies)
		return out
	}
}

func family(ip net.IP) int {
	if ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func sockaddrFor(p pconfig.ProxySpec) unix.Sockaddr {
	if v4 := p.IP.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &unix.SockaddrInet4{Port: int(p.Port), Addr: addr}
	}
	var addr [16]byte
	copy(addr[:], p.IP.To16())
	return &unix.SockaddrInet6{Port: int(p.Port), Addr: addr}
}

func rawConnect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

// Run walks callerFd's intended target through cfg's configured proxy
// chain. On success it dup2s the fully tunneled scratch socket onto
// callerFd; callerFd is left untouched on any failure (spec.md §4.4
// invariants).
func Run(callerFd int, target pconfig.ProxySpec, cfg *pconfig.Config, resolver drivers.Resolver) error {
	scratchFd, err := unix.Socket(family(target.IP), unix.SOCK_STREAM, 0)
	if err != nil {
		return chainerr.NewIo(err)
	}
	defer func() {
		if scratchFd >= 0 {
			unix.Close(scratchFd)
		}
	}()

	hops := order(cfg)
	if len(hops) == 0 {
		return chainerr.NewGeneric("chain: no proxies configured")
	}

	remaining, err := connectFirstHop(scratchFd, hops, cfg)
	if err != nil {
		return err
	}

	if err := walk(scratchFd, remaining, target, cfg, resolver); err != nil {
		return err
	}

	if err := unix.Dup2(scratchFd, callerFd); err != nil {
		return chainerr.NewIo(err)
	}
	unix.Close(scratchFd)
	scratchFd = -1
	return nil
}

// connectFirstHop dials scratchFd to the first proxy in the traversal
// order, skipping ahead in Dynamic mode when a connection-level failure
// (not a connect-timeout) occurs (spec.md §4.4 step 2, §9 Open Question 1).
// It returns the suffix of hops starting at whichever hop was actually
// dialed, for walk to drive the rest of the chain from.
func connectFirstHop(scratchFd int, hops []pconfig.ProxySpec, cfg *pconfig.Config) ([]pconfig.ProxySpec, error) {
	for i, hop := range hops {
		err := ioprim.TimedConnect(scratchFd, sockaddrFor(hop), cfg.TCPConnectTimeoutMs, rawConnect)
		if err == nil {
			return hops[i:], nil
		}
		if cfg.ChainType != pconfig.Dynamic || chainerr.Is(err, chainerr.Timeout) {
			return nil, err
		}
		// Dynamic: a connection-level error on this hop skips to the next.
	}
	return nil, chainerr.NewConnectError(nil)
}

// walk drives each hop's protocol handshake in turn, tunneling toward the
// next hop in the sequence, and finally toward target.
func walk(fd int, hops []pconfig.ProxySpec, target pconfig.ProxySpec, cfg *pconfig.Config, resolver drivers.Resolver) error {
	for i, hop := range hops {
		next := target
		if i+1 < len(hops) {
			next = hops[i+1]
		}
		d := driverFor(hop.Protocol)
		if err := d.Connect(fd, hop, next, cfg.TCPReadTimeoutMs, resolver); err != nil {
			return err
		}
	}
	return nil
}
