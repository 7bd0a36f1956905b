// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chain

import (
	"net"
	"testing"

	"github.com/evn-ch/proxyc/internal/pconfig"
)

func TestOrderStrictPreservesConfiguredSequence(t *testing.T) {
	cfg := &pconfig.Config{
		ChainType: pconfig.Strict,
		Proxies: []pconfig.ProxySpec{
			{Protocol: pconfig.Http, IP: net.ParseIP("10.0.0.1"), Port: 1},
			{Protocol: pconfig.Socks5, IP: net.ParseIP("10.0.0.2"), Port: 2},
		},
	}
	got := order(cfg)
	if len(got) != 2 || !got[0].IP.Equal(net.ParseIP("10.0.0.1")) || !got[1].IP.Equal(net.ParseIP("10.0.0.2")) {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestOrderRandomIsAPermutation(t *testing.T) {
	proxies := []pconfig.ProxySpec{
		{Protocol: pconfig.Http, IP: net.ParseIP("10.0.0.1"), Port: 1},
		{Protocol: pconfig.Socks5, IP: net.ParseIP("10.0.0.2"), Port: 2},
		{Protocol: pconfig.Socks4, IP: net.ParseIP("10.0.0.3"), Port: 3},
	}
	cfg := &pconfig.Config{ChainType: pconfig.Random, Proxies: proxies}
	got := order(cfg)
	if len(got) != len(proxies) {
		t.Fatalf("expected %d entries, got %d", len(proxies), len(got))
	}
	seen := make(map[uint16]bool)
	for _, p := range got {
		seen[p.Port] = true
	}
	for _, p := range proxies {
		if !seen[p.Port] {
			t.Fatalf("missing proxy with port %d in permutation", p.Port)
		}
	}
}

func TestDriverForRawIsNoOp(t *testing.T) {
	d := driverFor(pconfig.Raw)
	if err := d.Connect(-1, pconfig.ProxySpec{}, pconfig.ProxySpec{}, 100, nil); err != nil {
		t.Fatalf("raw driver should be a no-op, got %v", err)
	}
}

func TestDriverForSelectsByProtocol(t *testing.T) {
	cases := []pconfig.Protocol{pconfig.Http, pconfig.Socks4, pconfig.Socks5}
	for _, p := range cases {
		if driverFor(p) == nil {
			t.Errorf("driverFor(%s) returned nil", p)
		}
	}
}
