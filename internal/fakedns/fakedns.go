// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fakedns implements the synthetic-IPv4 hostname table (spec.md §5,
// "Fake DNS"). Each distinct hostname resolved through the hooked
// getaddrinfo/gethostbyname path is assigned a stable address inside the
// configured /8 subnet; the chain engine later recovers the original
// hostname from that address to build a SOCKS5 DOMAINNAME (ATYP=3) request.
package fakedns

import (
	"fmt"
	"net"
	"sync"

	"github.com/k-sone/critbitgo"
	"github.com/miekg/dns"

	"github.com/evn-ch/proxyc/internal/chainerr"
)

// maxIndex is the largest value the 24-bit index space (the three octets
// below the configured subnet byte) can hold.
const maxIndex = 1<<24 - 1

// Table is a process-wide, mutex-guarded hostname<->synthetic-address map.
// The zero value is not usable; construct with New.
type Table struct {
	subnet byte

	mu       sync.Mutex
	fwd      *critbitgo.Trie // canonical hostname -> uint32 index
	rev      map[uint32]string
	next     uint32
}

// New constructs a Table over the given /8 subnet byte (spec.md §3's
// dns_subnet, default 224).
func New(subnet byte) *Table {
	return &Table{
		subnet: subnet,
		fwd:    critbitgo.NewTrie(),
		rev:    make(map[uint32]string),
		next:   1, // reserve index 0 (subnet.0.0.0) as a non-assignable network address
	}
}

func canonicalize(hostname string) (string, error) {
	if hostname == "" {
		return "", chainerr.NewMissingData(fmt.Errorf("fakedns: empty hostname"))
	}
	fqdn := dns.Fqdn(hostname)
	if !dns.IsDomainName(fqdn) {
		return "", chainerr.NewGeneric(fmt.Sprintf("fakedns: not a valid hostname: %q", hostname))
	}
	return fqdn, nil
}

// Assign returns the synthetic address for hostname, allocating a fresh one
// if this is the first time hostname has been seen. Assignment is
// idempotent: repeated calls with the same hostname (spec.md §8, property 3)
// return the same address.
func (t *Table) Assign(hostname string) (net.IP, error) {
	fqdn, err := canonicalize(hostname)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.fwd.Get([]byte(fqdn)); ok {
		return t.ipFor(v.(uint32)), nil
	}

	if t.next > maxIndex {
		return nil, chainerr.NewGeneric("fakedns: synthetic address space exhausted")
	}
	idx := t.next
	t.next++

	t.fwd.Set([]byte(fqdn), idx)
	t.rev[idx] = hostname
	return t.ipFor(idx), nil
}

// HostnameOf recovers the hostname previously Assign-ed to ip. It returns an
// error if ip does not fall within the configured subnet, or if no
// hostname has ever been assigned that address (spec.md §8, property 4:
// the reverse mapping is only ever consulted for addresses this process
// itself produced).
func (t *Table) HostnameOf(ip net.IP) (string, error) {
	v4 := ip.To4()
	if v4 == nil || v4[0] != t.subnet {
		return "", chainerr.NewMissingData(fmt.Errorf("fakedns: %s is not in the synthetic subnet", ip))
	}
	idx := indexOf(v4)

	t.mu.Lock()
	defer t.mu.Unlock()

	hostname, ok := t.rev[idx]
	if !ok {
		return "", chainerr.NewMissingData(fmt.Errorf("fakedns: no hostname assigned to %s", ip))
	}
	return hostname, nil
}

// InSubnet reports whether ip falls inside this table's configured /8.
func (t *Table) InSubnet(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4[0] == t.subnet
}

func (t *Table) ipFor(idx uint32) net.IP {
	return net.IPv4(t.subnet, byte(idx>>16), byte(idx>>8), byte(idx))
}

func indexOf(v4 net.IP) uint32 {
	return uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
