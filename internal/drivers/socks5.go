// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package drivers

import (
	"encoding/binary"
	"fmt"

	"github.com/evn-ch/proxyc/internal/chainerr"
	"github.com/evn-ch/proxyc/internal/ioprim"
	"github.com/evn-ch/proxyc/internal/pconfig"
)

const (
	socks5Version = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

var socks5ReplyErrors = map[byte]string{
	0x01: "general SOCKS server failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

// Socks5 implements the SOCKS5 CONNECT driver with RFC 1929 user/password
// auth and SOCKS5's three ATYP address encodings (spec.md §4.3).
type Socks5 struct{}

func (Socks5) Connect(fd int, hop, target pconfig.ProxySpec, readTimeoutMs int, resolver Resolver) error {
	if err := negotiateMethod(fd, hop, readTimeoutMs); err != nil {
		return err
	}
	if hop.Auth != nil {
		if err := authenticate(fd, *hop.Auth, readTimeoutMs); err != nil {
			return err
		}
	}
	return request(fd, target, readTimeoutMs, resolver)
}

func negotiateMethod(fd int, hop pconfig.ProxySpec, readTimeoutMs int) error {
	methods := []byte{methodNoAuth}
	if hop.Auth != nil {
		methods = []byte{methodUserPass}
	}
	greeting := append([]byte{socks5Version, byte(len(methods))}, methods...)
	if err := writeAll(fd, greeting); err != nil {
		return err
	}

	reply := make([]byte, 2)
	if err := ioprim.ReadExactWithTimeout(fd, reply, readTimeoutMs); err != nil {
		return err
	}
	if reply[0] != socks5Version {
		return chainerr.NewConnectError(fmt.Errorf("socks5: unexpected version %d in method reply", reply[0]))
	}
	if reply[1] == methodNoAcceptable || reply[1] != methods[0] {
		return chainerr.NewConnectError(fmt.Errorf("socks5: server rejected offered auth methods"))
	}
	return nil
}

func authenticate(fd int, auth pconfig.Auth, readTimeoutMs int) error {
	if auth.User == "" || auth.Pass == "" || len(auth.User) > 255 || len(auth.Pass) > 255 {
		return chainerr.NewGeneric("socks5: username/password must be non-empty and at most 255 bytes each")
	}
	buf := make([]byte, 0, 3+len(auth.User)+len(auth.Pass))
	buf = append(buf, 0x01, byte(len(auth.User)))
	buf = append(buf, auth.User...)
	buf = append(buf, byte(len(auth.Pass)))
	buf = append(buf, auth.Pass...)
	if err := writeAll(fd, buf); err != nil {
		return err
	}

	reply := make([]byte, 2)
	if err := ioprim.ReadExactWithTimeout(fd, reply, readTimeoutMs); err != nil {
		return err
	}
	if reply[1] != 0x00 {
		return chainerr.NewConnectError(fmt.Errorf("socks5: authentication failed"))
	}
	return nil
}

func request(fd int, target pconfig.ProxySpec, readTimeoutMs int, resolver Resolver) error {
	var addrField []byte
	var atyp byte

	if resolver != nil && resolver.InSubnet(target.IP) {
		if hostname, err := resolver.HostnameOf(target.IP); err == nil {
			atyp = atypDomain
			addrField = append([]byte{byte(len(hostname))}, hostname...)
		}
	}
	if addrField == nil {
		if v4 := target.IP.To4(); v4 != nil {
			atyp = atypIPv4
			addrField = v4
		} else {
			atyp = atypIPv6
			addrField = target.IP.To16()
		}
	}

	req := make([]byte, 0, 4+len(addrField)+2)
	req = append(req, socks5Version, 0x01, 0x00, atyp)
	req = append(req, addrField...)
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, target.Port)
	req = append(req, port...)
	if err := writeAll(fd, req); err != nil {
		return err
	}

	header := make([]byte, 4)
	if err := ioprim.ReadExactWithTimeout(fd, header, readTimeoutMs); err != nil {
		return err
	}
	if header[0] != socks5Version {
		return chainerr.NewConnectError(fmt.Errorf("socks5: unexpected version %d in request reply", header[0]))
	}
	if header[2] != 0x00 {
		return chainerr.NewConnectError(fmt.Errorf("socks5: reserved byte in reply was 0x%02x", header[2]))
	}
	if header[1] != 0x00 {
		if msg, ok := socks5ReplyErrors[header[1]]; ok {
			return chainerr.NewConnectError(fmt.Errorf("socks5: %s", msg))
		}
		return chainerr.NewConnectError(fmt.Errorf("socks5: unknown error 0x%02x", header[1]))
	}

	var tailLen int
	switch header[3] {
	case atypIPv4:
		tailLen = 4
	case atypIPv6:
		tailLen = 16
	case atypDomain:
		lenByte := make([]byte, 1)
		if err := ioprim.ReadExactWithTimeout(fd, lenByte, readTimeoutMs); err != nil {
			return err
		}
		tailLen = int(lenByte[0])
	default:
		return chainerr.NewConnectError(fmt.Errorf("socks5: unsupported bound address type 0x%02x", header[3]))
	}
	// bound address plus its trailing 2-byte port; both are the proxy's
	// outbound address, irrelevant to the caller beyond draining the wire.
	tail := make([]byte, tailLen+2)
	if err := ioprim.ReadExactWithTimeout(fd, tail, readTimeoutMs); err != nil {
		return err
	}
	return nil
}
