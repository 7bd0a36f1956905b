// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package drivers

import (
	"fmt"

	"github.com/evn-ch/proxyc/internal/chainerr"
	"github.com/evn-ch/proxyc/internal/ioprim"
	"github.com/evn-ch/proxyc/internal/pconfig"
)

// maxHTTPResponse bounds the CONNECT response read; a response that doesn't
// terminate in this many bytes is treated as truncated (spec.md §4.3).
const maxHTTPResponse = 1024

// HTTP implements the HTTP CONNECT driver. Auth credentials on hop are
// accepted by configuration but never sent on the wire (spec.md §9, Open
// Question 3: no Proxy-Authorization header support).
type HTTP struct{}

func (HTTP) Connect(fd int, hop, target pconfig.ProxySpec, readTimeoutMs int, _ Resolver) error {
	// IPv6 literals are rendered without brackets, matching observed
	// upstream source behavior (spec.md §9, Open Question 2).
	req := fmt.Sprintf("CONNECT %s:%d HTTP/1.0\r\n\r\n", target.IP.String(), target.Port)
	if err := writeAll(fd, []byte(req)); err != nil {
		return err
	}

	buf := make([]byte, 0, maxHTTPResponse)
	one := make([]byte, 1)
	for {
		if len(buf) == maxHTTPResponse {
			return chainerr.NewMissingData(fmt.Errorf("http connect: response exceeded %d bytes without terminator", maxHTTPResponse))
		}
		if err := ioprim.ReadExactWithTimeout(fd, one, readTimeoutMs); err != nil {
			return err
		}
		buf = append(buf, one[0])
		if hasTerminator(buf) {
			break
		}
	}

	if len(buf) < 12 {
		return chainerr.NewMissingData(fmt.Errorf("http connect: response too short to carry a status code"))
	}
	if buf[9] == '2' && buf[10] == '0' && buf[11] == '0' {
		return nil
	}
	return chainerr.NewConnectError(fmt.Errorf("http connect: non-2xx response: %q", buf))
}

func hasTerminator(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	tail := buf[len(buf)-4:]
	return tail[0] == '\r' && tail[1] == '\n' && tail[2] == '\r' && tail[3] == '\n'
}
