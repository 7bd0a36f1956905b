// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ignoresubnet

import (
	"net"
	"testing"

	"github.com/evn-ch/proxyc/internal/pconfig"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", s, err)
	}
	return n
}

func TestMatchesByCIDROnly(t *testing.T) {
	subnets := []pconfig.IgnoreSubnet{{CIDR: mustCIDR(t, "192.168.0.0/16")}}
	if !Matches(subnets, net.ParseIP("192.168.1.1"), 443) {
		t.Fatal("expected match")
	}
	if Matches(subnets, net.ParseIP("10.0.0.1"), 443) {
		t.Fatal("expected no match outside CIDR")
	}
}

func TestMatchesRequiresExactPortWhenSet(t *testing.T) {
	port := uint16(22)
	subnets := []pconfig.IgnoreSubnet{{CIDR: mustCIDR(t, "10.0.0.0/8"), Port: &port}}
	if !Matches(subnets, net.ParseIP("10.1.2.3"), 22) {
		t.Fatal("expected match on cidr+port")
	}
	if Matches(subnets, net.ParseIP("10.1.2.3"), 80) {
		t.Fatal("expected no match when port differs")
	}
}
