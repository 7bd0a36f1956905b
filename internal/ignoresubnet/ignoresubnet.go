// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ignoresubnet implements the connect-hook admission check that
// lets a configured set of destinations bypass the chain engine entirely
// (spec.md §4.5, connect hook: "If the target matches an ignore_subnets
// entry ... delegate").
//
// This is plain CIDR and optional-port matching, not a keyed lookup, so it
// is built on the standard library's net.IPNet rather than the hostname trie used elsewhere in
// this codebase (see DESIGN.md).
package ignoresubnet

import (
	"net"

	"github.com/evn-ch/proxyc/internal/pconfig"
)

// Matches reports whether ip:port should bypass interception under any of
// the configured subnets.
func Matches(subnets []pconfig.IgnoreSubnet, ip net.IP, port uint16) bool {
	for _, s := range subnets {
		if s.CIDR == nil || !s.CIDR.Contains(ip) {
			continue
		}
		if s.Port != nil && *s.Port != port {
			continue
		}
		return true
	}
	return false
}
