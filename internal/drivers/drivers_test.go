// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package drivers

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/evn-ch/proxyc/internal/pconfig"
)

// socketpair returns two connected, blocking stream fds for driving a
// Driver against a scripted "remote" side entirely in-process.
func socketpair(t *testing.T) (local, remote int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func readAll(t *testing.T, fd int, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := unix.Read(fd, buf[got:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got += m
	}
	return buf
}

func writeAllT(t *testing.T, fd int, b []byte) {
	t.Helper()
	if err := writeAll(fd, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSocks5NoAuthIPv4(t *testing.T) {
	local, remote := socketpair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		got := readAll(t, remote, 3)
		if string(got) != "\x05\x01\x00" {
			t.Errorf("method negotiation = % x", got)
		}
		writeAllT(t, remote, []byte{0x05, 0x00})

		got = readAll(t, remote, 10)
		want := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("request byte %d = %02x, want %02x", i, got[i], want[i])
			}
		}
		writeAllT(t, remote, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()

	hop := pconfig.ProxySpec{Protocol: pconfig.Socks5, IP: net.ParseIP("127.0.0.1"), Port: 1080}
	target := pconfig.RawTarget(net.ParseIP("93.184.216.34"), 80)
	if err := (Socks5{}).Connect(local, hop, target, 1000, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-done
}

func TestSocks5UserPassFailure(t *testing.T) {
	local, remote := socketpair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		got := readAll(t, remote, 3)
		if string(got) != "\x05\x01\x02" {
			t.Errorf("method negotiation = % x", got)
		}
		writeAllT(t, remote, []byte{0x05, 0x02})

		got = readAll(t, remote, 1+1+1+1+5) // ver ulen 'u' plen 'wrong'
		want := append([]byte{0x01, 0x01, 'u', 0x05}, []byte("wrong")...)
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("auth byte %d = %02x, want %02x", i, got[i], want[i])
			}
		}
		writeAllT(t, remote, []byte{0x01, 0x01})
	}()

	hop := pconfig.ProxySpec{
		Protocol: pconfig.Socks5, IP: net.ParseIP("10.0.0.2"), Port: 1080,
		Auth: &pconfig.Auth{User: "u", Pass: "wrong"},
	}
	target := pconfig.RawTarget(net.ParseIP("1.2.3.4"), 80)
	err := (Socks5{}).Connect(local, hop, target, 1000, nil)
	if err == nil {
		t.Fatal("expected auth failure error")
	}
	<-done
}

func TestSocks5DomainAddressViaResolver(t *testing.T) {
	local, remote := socketpair(t)
	resolver := fakeResolver{subnet: 224, hostnames: map[string]string{"224.0.0.1": "example.com"}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = readAll(t, remote, 3)
		writeAllT(t, remote, []byte{0x05, 0x00})

		header := readAll(t, remote, 4)
		if header[3] != atypDomain {
			t.Fatalf("atyp = %d, want DOMAINNAME", header[3])
		}
		lenByte := readAll(t, remote, 1)
		name := readAll(t, remote, int(lenByte[0]))
		if string(name) != "example.com" {
			t.Errorf("domain = %q", name)
		}
		_ = readAll(t, remote, 2) // port
		writeAllT(t, remote, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()

	hop := pconfig.ProxySpec{Protocol: pconfig.Socks5, IP: net.ParseIP("10.0.0.2"), Port: 1080}
	target := pconfig.RawTarget(net.ParseIP("224.0.0.1"), 80)
	if err := (Socks5{}).Connect(local, hop, target, 1000, resolver); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-done
}

func TestSocks5RejectsEmptyCredentials(t *testing.T) {
	local, remote := socketpair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = readAll(t, remote, 3) // method negotiation
		writeAllT(t, remote, []byte{0x05, 0x02})
		// authenticate must reject before writing anything further.
	}()

	hop := pconfig.ProxySpec{
		Protocol: pconfig.Socks5, IP: net.ParseIP("10.0.0.2"), Port: 1080,
		Auth: &pconfig.Auth{User: "", Pass: "secret"},
	}
	target := pconfig.RawTarget(net.ParseIP("1.2.3.4"), 80)
	if err := (Socks5{}).Connect(local, hop, target, 1000, nil); err == nil {
		t.Fatal("expected error for empty username")
	}
	<-done
}

func TestSocks4Success(t *testing.T) {
	local, remote := socketpair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		got := readAll(t, remote, 9)
		want := []byte{0x04, 0x01, 0x00, 0x50, 93, 184, 216, 34, 0x00}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("byte %d = %02x, want %02x", i, got[i], want[i])
			}
		}
		writeAllT(t, remote, []byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})
	}()

	hop := pconfig.ProxySpec{Protocol: pconfig.Socks4, IP: net.ParseIP("10.0.0.3"), Port: 1081}
	target := pconfig.RawTarget(net.ParseIP("93.184.216.34"), 80)
	if err := (Socks4{}).Connect(local, hop, target, 1000, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-done
}

func TestSocks4RejectsIPv6Target(t *testing.T) {
	local, remote := socketpair(t)
	defer unix.Close(remote)
	hop := pconfig.ProxySpec{Protocol: pconfig.Socks4, IP: net.ParseIP("10.0.0.3"), Port: 1081}
	target := pconfig.RawTarget(net.ParseIP("::1"), 80)
	if err := (Socks4{}).Connect(local, hop, target, 1000, nil); err == nil {
		t.Fatal("expected error for ipv6 target")
	}
}

func TestHTTPConnectSuccess(t *testing.T) {
	local, remote := socketpair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		n, err := unix.Read(remote, buf)
		if err != nil {
			t.Fatalf("read request: %v", err)
		}
		req := string(buf[:n])
		if req != "CONNECT 10.0.0.2:1080 HTTP/1.0\r\n\r\n" {
			t.Errorf("request = %q", req)
		}
		writeAllT(t, remote, []byte("HTTP/1.0 200 OK\r\n\r\n"))
	}()

	hop := pconfig.ProxySpec{Protocol: pconfig.Http, IP: net.ParseIP("10.0.0.1"), Port: 3128}
	target := pconfig.RawTarget(net.ParseIP("10.0.0.2"), 1080)
	if err := (HTTP{}).Connect(local, hop, target, 1000, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-done
}

func TestHTTPConnectNon2xxFails(t *testing.T) {
	local, remote := socketpair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		if _, err := unix.Read(remote, buf); err != nil {
			t.Fatalf("read request: %v", err)
		}
		writeAllT(t, remote, []byte("HTTP/1.0 502 Bad Gateway\r\n\r\n"))
	}()

	hop := pconfig.ProxySpec{Protocol: pconfig.Http, IP: net.ParseIP("10.0.0.1"), Port: 3128}
	target := pconfig.RawTarget(net.ParseIP("10.0.0.2"), 1080)
	if err := (HTTP{}).Connect(local, hop, target, 1000, nil); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	<-done
}

type fakeResolver struct {
	subnet    byte
	hostnames map[string]string
}

func (r fakeResolver) InSubnet(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4[0] == r.subnet
}

func (r fakeResolver) HostnameOf(ip net.IP) (string, error) {
	if h, ok := r.hostnames[ip.String()]; ok {
		return h, nil
	}
	return "", errNotFound
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }
