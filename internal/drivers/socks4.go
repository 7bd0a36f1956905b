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

// Socks4 implements the SOCKS4 CONNECT driver (Ylonen's pre-RFC1928 draft,
// no SOCKS4A hostname extension; spec.md §9, Open Question 5).
type Socks4 struct{}

func (Socks4) Connect(fd int, hop, target pconfig.ProxySpec, readTimeoutMs int, _ Resolver) error {
	v4 := target.IP.To4()
	if v4 == nil {
		return chainerr.NewGeneric(fmt.Sprintf("socks4: %s is not an IPv4 address", target.IP))
	}

	req := make([]byte, 9)
	req[0] = 0x04
	req[1] = 0x01 // CMD=1 CONNECT
	binary.BigEndian.PutUint16(req[2:4], target.Port)
	copy(req[4:8], v4)
	req[8] = 0x00 // USERID, zero-terminated, empty
	if err := writeAll(fd, req); err != nil {
		return err
	}

	reply := make([]byte, 8)
	if err := ioprim.ReadExactWithTimeout(fd, reply, readTimeoutMs); err != nil {
		return err
	}
	if reply[0] != 0x00 {
		return chainerr.NewConnectError(fmt.Errorf("socks4: malformed reply, byte 0 = 0x%02x", reply[0]))
	}
	switch reply[1] {
	case 0x5A:
		return nil
	case 0x5B:
		return chainerr.NewConnectError(fmt.Errorf("socks4: request rejected or failed"))
	case 0x5C, 0x5D:
		return chainerr.NewConnectError(fmt.Errorf("socks4: identd-related permission denied"))
	default:
		return chainerr.NewConnectError(fmt.Errorf("socks4: invalid reply code 0x%02x", reply[1]))
	}
}
