// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ioprim implements the bounded-time I/O building blocks the chain
// engine and proxy drivers are built on: a poll loop with a wall-clock
// deadline, an exact-length read with the same, and a connect that behaves
// as blocking to its caller while enforcing a millisecond timeout.
package ioprim

import (
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/evn-ch/proxyc/internal/chainerr"
)

// RawConnector issues a single, non-retrying connect(2) on fd. It must not
// go through the hooked libc connect, so TimedConnect never recurses back
// into a hook. internal/chain passes unix.Connect, which issues the connect
// system call directly rather than calling the connect symbol resolved by
// internal/nextsym.
type RawConnector func(fd int, sa unix.Sockaddr) error

// monotonicMillis reports milliseconds elapsed against a monotonic clock.
// time.Time subtraction in Go is already monotonic-safe when both values
// come from time.Now. Nothing in this package calls it: PollRetry measures
// its budget with time.Since directly.
func monotonicMillis(since time.Time) int64 {
	return time.Since(since).Milliseconds()
}

// PollRetry polls fd for events, retrying on EINTR with a recomputed
// remaining budget derived from a monotonic clock. It returns a Timeout
// error once the budget is exhausted, including the tie-break case where
// poll returns exactly as the deadline elapses.
func PollRetry(fd int, events int16, timeoutMs int) error {
	start := time.Now()
	budget := time.Duration(timeoutMs) * time.Millisecond

	for {
		remaining := budget - time.Since(start)
		if remaining <= 0 {
			return chainerr.NewTimeout(nil)
		}

		pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(pfd, int(remaining.Milliseconds())+1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return chainerr.NewIo(err)
		}

		// Tie-break (spec.md §4.1): if poll returned and the budget is
		// exactly exhausted, Timeout wins over a late readiness signal.
		if budget-time.Since(start) <= 0 {
			return chainerr.NewTimeout(nil)
		}
		if n == 0 {
			continue // spurious wakeup within budget; recompute and retry
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && pfd[0].Revents&events == 0 {
			return chainerr.NewSocketError(nil)
		}
		return nil
	}
}

// TimedConnect issues connect(fd, addr) via raw, honoring timeoutMs while
// appearing blocking to the caller. fd is temporarily switched to
// non-blocking; the original flags are always restored before return.
func TimedConnect(fd int, sa unix.Sockaddr, timeoutMs int, raw RawConnector) error {
	origFlags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return chainerr.NewIo(err)
	}

	wasNonblocking := origFlags&unix.O_NONBLOCK != 0
	if !wasNonblocking {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, origFlags|unix.O_NONBLOCK); err != nil {
			return chainerr.NewIo(err)
		}
	}
	defer func() {
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, origFlags)
	}()

	err = raw(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return chainerr.NewIo(err)
	}

	if perr := PollRetry(fd, unix.POLLOUT, timeoutMs); perr != nil {
		return perr
	}

	soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return chainerr.NewIo(gerr)
	}
	if soerr != 0 {
		return chainerr.NewSocketError(unix.Errno(soerr))
	}
	return nil
}

// ReadExactWithTimeout fills buf by repeated read(2), each waited on with
// PollRetry. The timeout applies per poll wait, not cumulatively across the
// whole read (spec.md §4.1, Open Question 4).
func ReadExactWithTimeout(fd int, buf []byte, timeoutMs int) error {
	read := 0
	for read < len(buf) {
		if err := PollRetry(fd, unix.POLLIN, timeoutMs); err != nil {
			return err
		}
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return chainerr.NewIo(err)
		}
		if n == 0 {
			return chainerr.NewMissingData(io.ErrUnexpectedEOF)
		}
		read += n
	}
	return nil
}
