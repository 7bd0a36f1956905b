// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nextsym resolves and calls the next-in-chain libc symbols this
// library shadows (connect, getaddrinfo, gethostbyname, freeaddrinfo) via
// dlsym(RTLD_NEXT, ...). The cgo shim in cmd/libproxyc calls here whenever
// a hook decides to delegate, and whenever it needs to reach the real
// implementation after handling a call itself — resolving through
// RTLD_NEXT rather than calling the symbol this process itself exports
// is what keeps a hook from recursing into its own export.
//
// Every exported function takes its C arguments as unsafe.Pointer so this
// package's "C" pseudo-package never has to be shared across a Go package
// boundary; cmd/libproxyc casts its own cgo pointer types down to
// unsafe.Pointer at the call site, and this package casts them back up to
// the matching local C type, which has identical layout since both sides
// include the same system headers.
package nextsym

/*
#define _GNU_SOURCE
#include <dlfcn.h>
#include <sys/socket.h>
#include <netdb.h>

typedef int (*connect_fn)(int, const struct sockaddr *, socklen_t);
typedef int (*getaddrinfo_fn)(const char *, const char *, const struct addrinfo *, struct addrinfo **);
typedef struct hostent *(*gethostbyname_fn)(const char *);
typedef void (*freeaddrinfo_fn)(struct addrinfo *);

static connect_fn       g_real_connect;
static getaddrinfo_fn   g_real_getaddrinfo;
static gethostbyname_fn g_real_gethostbyname;
static freeaddrinfo_fn  g_real_freeaddrinfo;

static int proxyc_resolve_next_symbols(void) {
	g_real_connect       = (connect_fn)dlsym(RTLD_NEXT, "connect");
	g_real_getaddrinfo   = (getaddrinfo_fn)dlsym(RTLD_NEXT, "getaddrinfo");
	g_real_gethostbyname = (gethostbyname_fn)dlsym(RTLD_NEXT, "gethostbyname");
	g_real_freeaddrinfo  = (freeaddrinfo_fn)dlsym(RTLD_NEXT, "freeaddrinfo");
	if (!g_real_connect || !g_real_getaddrinfo || !g_real_gethostbyname || !g_real_freeaddrinfo) {
		return -1;
	}
	return 0;
}

static int proxyc_call_real_connect(int fd, const struct sockaddr *addr, socklen_t len) {
	return g_real_connect(fd, addr, len);
}

static int proxyc_call_real_getaddrinfo(const char *node, const char *service,
		const struct addrinfo *hints, struct addrinfo **res) {
	return g_real_getaddrinfo(node, service, hints, res);
}

static struct hostent *proxyc_call_real_gethostbyname(const char *name) {
	return g_real_gethostbyname(name);
}

static void proxyc_call_real_freeaddrinfo(struct addrinfo *res) {
	g_real_freeaddrinfo(res);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

var (
	resolveOnce sync.Once
	resolveErr  error
)

// Resolve locates every next-in-chain symbol via dlsym(RTLD_NEXT, ...).
// Idempotent and safe to call from any of the four exported hooks; the
// first caller pays the resolution cost.
func Resolve() error {
	resolveOnce.Do(func() {
		if C.proxyc_resolve_next_symbols() != 0 {
			resolveErr = fmt.Errorf("nextsym: dlsym(RTLD_NEXT, ...) failed to resolve one or more symbols")
		}
	})
	return resolveErr
}

// Connect invokes the real connect(2). addr must point to a struct sockaddr
// of addrlen bytes; errno is left exactly as the libc call set it.
func Connect(fd int, addr unsafe.Pointer, addrlen uint32) int {
	return int(C.proxyc_call_real_connect(
		C.int(fd),
		(*C.struct_sockaddr)(addr),
		C.socklen_t(addrlen),
	))
}

// GetAddrInfo invokes the real getaddrinfo(3).
func GetAddrInfo(node, service *C.char, hints, res unsafe.Pointer) int {
	return int(C.proxyc_call_real_getaddrinfo(
		node, service,
		(*C.struct_addrinfo)(hints),
		(**C.struct_addrinfo)(res),
	))
}

// GetHostByName invokes the real gethostbyname(3).
func GetHostByName(name *C.char) unsafe.Pointer {
	return unsafe.Pointer(C.proxyc_call_real_gethostbyname(name))
}

// FreeAddrInfo invokes the real freeaddrinfo(3).
func FreeAddrInfo(res unsafe.Pointer) {
	C.proxyc_call_real_freeaddrinfo((*C.struct_addrinfo)(res))
}
