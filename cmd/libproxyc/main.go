// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command libproxyc is the preloaded shared library: it exports connect,
// getaddrinfo, gethostbyname, and freeaddrinfo so the dynamic loader's
// symbol resolution finds these instead of libc's when LD_PRELOAD names
// this object. Every exported function is a thin shim — parse the C
// arguments, hand plain Go values to internal/hooks, marshal the verdict
// back into C memory. All decision logic lives in internal/hooks.
package main

/*
#define _GNU_SOURCE
#include <arpa/inet.h>
#include <errno.h>
#include <netdb.h>
#include <netinet/in.h>
#include <stdlib.h>
#include <string.h>
#include <sys/socket.h>

// proxyc_sockaddr_to_parts extracts family, a dotted/colon address string,
// and a host-byte-order port from a struct sockaddr. Returns 0 on success.
static int proxyc_sockaddr_to_parts(const struct sockaddr *sa, int *family, char *out, size_t outlen, unsigned short *port) {
	if (sa->sa_family == AF_INET) {
		const struct sockaddr_in *sin = (const struct sockaddr_in *)sa;
		if (!inet_ntop(AF_INET, &sin->sin_addr, out, outlen)) {
			return -1;
		}
		*family = AF_INET;
		*port = ntohs(sin->sin_port);
		return 0;
	}
	if (sa->sa_family == AF_INET6) {
		const struct sockaddr_in6 *sin6 = (const struct sockaddr_in6 *)sa;
		if (!inet_ntop(AF_INET6, &sin6->sin6_addr, out, outlen)) {
			return -1;
		}
		*family = AF_INET6;
		*port = ntohs(sin6->sin6_port);
		return 0;
	}
	*family = sa->sa_family;
	return -1;
}

// proxyc_build_addrinfo allocates one contiguous addrinfo + sockaddr_in
// block for an IPv4 result so freeaddrinfo can release it with a single
// free(). The block holds no name buffer: ai_canonname is always NULL.
static struct addrinfo *proxyc_build_addrinfo(unsigned int ipv4_be, unsigned short port_be, int socktype, int protocol, int flags) {
	size_t total = sizeof(struct addrinfo) + sizeof(struct sockaddr_in);
	char *block = calloc(1, total);
	if (!block) {
		return NULL;
	}
	struct addrinfo *ai = (struct addrinfo *)block;
	struct sockaddr_in *sin = (struct sockaddr_in *)(block + sizeof(struct addrinfo));

	sin->sin_family = AF_INET;
	sin->sin_port = port_be;
	sin->sin_addr.s_addr = ipv4_be;

	ai->ai_family = AF_INET;
	ai->ai_socktype = socktype;
	ai->ai_protocol = protocol;
	ai->ai_flags = flags;
	ai->ai_addrlen = sizeof(struct sockaddr_in);
	ai->ai_addr = (struct sockaddr *)sin;
	ai->ai_canonname = NULL;
	ai->ai_next = NULL;
	return ai;
}

static int proxyc_hints_socktype(const struct addrinfo *hints) {
	return hints ? hints->ai_socktype : 0;
}
static int proxyc_hints_protocol(const struct addrinfo *hints) {
	return hints ? hints->ai_protocol : 0;
}
static int proxyc_hints_flags(const struct addrinfo *hints) {
	if (hints) {
		return hints->ai_flags;
	}
	return AI_V4MAPPED | AI_ADDRCONFIG;
}
static int proxyc_hints_has_numerichost(const struct addrinfo *hints) {
	return hints && (hints->ai_flags & AI_NUMERICHOST);
}

// proxyc_set_errno exists because errno is a macro (commonly expanding to
// a call like *__errno_location()), not a plain global, so it cannot be
// assigned to directly from Go through cgo.
static void proxyc_set_errno(int e) {
	errno = e;
}

// proxyc_hostent_storage is process-static scratch space for
// gethostbyname's result, matching libc's classic "valid until next call"
// contract (spec.md §4.5).
struct proxyc_hostent_storage {
	struct hostent he;
	char *aliases[1];
	char *addr_list[2];
	unsigned char addr[4];
	char name[256];
};

static struct proxyc_hostent_storage g_hostent_storage;

static struct hostent *proxyc_fill_hostent(const char *name, unsigned int ipv4_be) {
	struct proxyc_hostent_storage *s = &g_hostent_storage;
	memset(s, 0, sizeof(*s));

	strncpy(s->name, name, sizeof(s->name) - 1);
	memcpy(s->addr, &ipv4_be, 4);

	s->aliases[0] = NULL;
	s->addr_list[0] = (char *)s->addr;
	s->addr_list[1] = NULL;

	s->he.h_name = s->name;
	s->he.h_aliases = s->aliases;
	s->he.h_addrtype = AF_INET;
	s->he.h_length = 4;
	s->he.h_addr_list = s->addr_list;
	return &s->he;
}
*/
import "C"

import (
	"encoding/binary"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/evn-ch/proxyc/internal/hooks"
	"github.com/evn-ch/proxyc/internal/nextsym"
)

func main() {} // required by cgo for a c-shared build, never executed

//export connect
func connect(fd C.int, addr *C.struct_sockaddr, length C.socklen_t) C.int {
	if err := nextsym.Resolve(); err != nil {
		C.proxyc_set_errno(C.int(unix.ECONNREFUSED))
		return -1
	}

	var cFamily C.int
	var cPort C.ushort
	buf := make([]byte, 64)
	if C.proxyc_sockaddr_to_parts(addr, &cFamily, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf)), &cPort) != 0 {
		return C.int(nextsym.Connect(int(fd), unsafe.Pointer(addr), uint32(length)))
	}

	ip := net.ParseIP(C.GoString((*C.char)(unsafe.Pointer(&buf[0]))))
	if ip == nil {
		return C.int(nextsym.Connect(int(fd), unsafe.Pointer(addr), uint32(length)))
	}

	out := hooks.Connect(int(fd), int(cFamily), socketType(int(fd)), ip, uint16(cPort))
	if out.Delegate {
		return C.int(nextsym.Connect(int(fd), unsafe.Pointer(addr), uint32(length)))
	}
	if out.Handled && out.Errno != 0 {
		C.proxyc_set_errno(C.int(out.Errno))
		return -1
	}
	return 0
}

// socketType reads SO_TYPE off fd, mirroring the connect hook's check that
// the socket is SOCK_STREAM before handing it to the chain engine.
func socketType(fd int) int {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return -1
	}
	return v
}

//export getaddrinfo
func getaddrinfo(node, service *C.char, hints *C.struct_addrinfo, res **C.struct_addrinfo) C.int {
	if err := nextsym.Resolve(); err != nil {
		return C.EAI_FAIL
	}

	nodeStr := ""
	if node != nil {
		nodeStr = C.GoString(node)
	}
	serviceStr := ""
	if service != nil {
		serviceStr = C.GoString(service)
	}
	numericHost := C.proxyc_hints_has_numerichost(hints) != 0

	result, err := hooks.GetAddrInfo(nodeStr, serviceStr, numericHost)
	if err != nil {
		return C.EAI_NONAME
	}
	if result.Delegate {
		return nextsym.GetAddrInfo(node, service, unsafe.Pointer(hints), unsafe.Pointer(res))
	}

	v4 := result.IP.To4()
	if v4 == nil {
		return C.EAI_FAMILY // only IPv4 results are built; a numeric IPv6 node gets EAI_FAMILY
	}

	ai := C.proxyc_build_addrinfo(
		binary.NativeEndian.Uint32(v4), // reinterprets v4's byte sequence as s_addr's in-memory bytes
		C.ushort(htons(result.Port)),
		C.proxyc_hints_socktype(hints),
		C.proxyc_hints_protocol(hints),
		C.proxyc_hints_flags(hints),
	)
	if ai == nil {
		return C.EAI_MEMORY
	}
	*res = ai
	return 0
}

func htons(port uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], port)
	return binary.NativeEndian.Uint16(b[:])
}

//export freeaddrinfo
func freeaddrinfo(res *C.struct_addrinfo) {
	if err := nextsym.Resolve(); err != nil {
		return
	}
	if hooks.ShouldFreeLocally() {
		if res != nil {
			C.free(unsafe.Pointer(res))
		}
		return
	}
	nextsym.FreeAddrInfo(unsafe.Pointer(res))
}

//export gethostbyname
func gethostbyname(name *C.char) *C.struct_hostent {
	if err := nextsym.Resolve(); err != nil {
		return nil
	}
	nameStr := ""
	if name != nil {
		nameStr = C.GoString(name)
	}

	ip, delegate, err := hooks.GetHostByName(nameStr)
	if delegate {
		return (*C.struct_hostent)(nextsym.GetHostByName(name))
	}
	if err != nil {
		return nil
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	return C.proxyc_fill_hostent(name, binary.NativeEndian.Uint32(v4))
}
