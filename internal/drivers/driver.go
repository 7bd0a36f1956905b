// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package drivers implements the three upstream proxy protocol drivers —
// HTTP CONNECT, SOCKS4, SOCKS5 — behind a single "tunnel the current stream
// to the next hop" contract (spec.md §4.3).
package drivers

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/evn-ch/proxyc/internal/chainerr"
	"github.com/evn-ch/proxyc/internal/pconfig"
)

// Resolver recovers a hostname previously assigned a synthetic address, and
// reports whether an address falls within the synthetic subnet at all. The
// SOCKS5 driver uses it to pick ATYP=3 DOMAINNAME over ATYP=1 IPv4 (spec.md
// §4.3, ATYP priority rule). Implemented by *internal/fakedns.Table; pass
// nil when proxy_dns is disabled.
type Resolver interface {
	InSubnet(ip net.IP) bool
	HostnameOf(ip net.IP) (string, error)
}

// Driver tunnels an already-connected fd, currently speaking to hop, through
// to target. On success the fd is ready for the caller (or the next driver
// in the chain) to treat as a raw stream to target. resolver may be nil.
type Driver interface {
	Connect(fd int, hop, target pconfig.ProxySpec, readTimeoutMs int, resolver Resolver) error
}

func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return chainerr.NewIo(err)
		}
		buf = buf[n:]
	}
	return nil
}
