// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package tcptransport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Linux-specific socket options for outgoing and listening TCP sockets, based on the tcp(7) and socket(7) manual
// pages. The keepalive settings make a dead peer visible long before the receive timeout would.

// dialControl is the net.Dialer's Control function for outgoing connections.
func dialControl(_, _ string, rawConn syscall.RawConn) (err error) {
	const (
		// dialTcpKeepCnt sets TCP_KEEPCNT, the number of unanswered keepalives before dropping.
		dialTcpKeepCnt int = 3

		// dialTcpKeepIdle sets TCP_KEEPIDLE, the idle time in seconds before probing starts.
		dialTcpKeepIdle int = 5

		// dialTcpKeepIntvl sets TCP_KEEPINTVL, the time in seconds between keepalives.
		dialTcpKeepIntvl int = 3

		// dialTcpUserTimeout sets TCP_USER_TIMEOUT, the time in milliseconds data may remain unacknowledged.
		dialTcpUserTimeout int = 15000
	)

	opts := map[int]int{
		unix.TCP_KEEPCNT:      dialTcpKeepCnt,
		unix.TCP_KEEPIDLE:     dialTcpKeepIdle,
		unix.TCP_KEEPINTVL:    dialTcpKeepIntvl,
		unix.TCP_USER_TIMEOUT: dialTcpUserTimeout,
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return
		}
		for opt, value := range opts {
			if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value); err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}

// listenControl creates the net.ListenConfig's Control function, optionally setting SO_REUSEADDR.
func listenControl(reuseAddr bool) func(string, string, syscall.RawConn) error {
	return func(_, _ string, rawConn syscall.RawConn) (err error) {
		if !reuseAddr {
			return nil
		}

		ctrlErr := rawConn.Control(func(fd uintptr) {
			err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if ctrlErr != nil {
			return ctrlErr
		}
		return
	}
}
