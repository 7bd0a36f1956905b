// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package fakedns

import (
	"net"
	"testing"
)

func TestAssignIsIdempotent(t *testing.T) {
	tbl := New(224)
	a, err := tbl.Assign("example.com")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	b, err := tbl.Assign("example.com")
	if err != nil {
		t.Fatalf("Assign (second): %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected same address, got %s and %s", a, b)
	}
}

func TestAssignDistinctHostnamesGetDistinctAddresses(t *testing.T) {
	tbl := New(224)
	a, _ := tbl.Assign("one.example.com")
	b, _ := tbl.Assign("two.example.com")
	if a.Equal(b) {
		t.Fatalf("expected distinct addresses, got %s for both", a)
	}
}

func TestHostnameOfRecoversAssignedHostname(t *testing.T) {
	tbl := New(224)
	ip, err := tbl.Assign("reverse.example.com")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	host, err := tbl.HostnameOf(ip)
	if err != nil {
		t.Fatalf("HostnameOf: %v", err)
	}
	if host != "reverse.example.com" {
		t.Fatalf("got %q, want %q", host, "reverse.example.com")
	}
}

func TestHostnameOfRejectsAddressOutsideSubnet(t *testing.T) {
	tbl := New(224)
	if _, err := tbl.HostnameOf(net.ParseIP("10.0.0.1")); err == nil {
		t.Fatal("expected error for out-of-subnet address")
	}
}

func TestHostnameOfRejectsUnassignedAddressInSubnet(t *testing.T) {
	tbl := New(224)
	if _, err := tbl.HostnameOf(net.IPv4(224, 0, 0, 1)); err == nil {
		t.Fatal("expected error for never-assigned address")
	}
}

func TestAssignRejectsEmptyHostname(t *testing.T) {
	tbl := New(224)
	if _, err := tbl.Assign(""); err == nil {
		t.Fatal("expected error for empty hostname")
	}
}

func TestInSubnet(t *testing.T) {
	tbl := New(224)
	if !tbl.InSubnet(net.IPv4(224, 1, 2, 3)) {
		t.Fatal("expected 224.1.2.3 to be in subnet")
	}
	if tbl.InSubnet(net.IPv4(10, 1, 2, 3)) {
		t.Fatal("expected 10.1.2.3 to not be in subnet")
	}
}
