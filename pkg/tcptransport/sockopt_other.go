// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package tcptransport

import (
	"syscall"
)

// This file covers operating systems next to Linux. The net.Dialer's KeepAlive field is used instead of dedicated
// socket options and SO_REUSEADDR is left to the runtime's defaults.

var dialControl func(string, string, syscall.RawConn) error = nil

func listenControl(_ bool) func(string, string, syscall.RawConn) error {
	return nil
}
