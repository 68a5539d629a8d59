// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// udpControl sets SO_REUSEADDR, allowing several nodes on one host to listen, and SO_BROADCAST.
func udpControl(_, _ string, rawConn syscall.RawConn) (err error) {
	ctrlErr := rawConn.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_BROADCAST} {
			if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}
