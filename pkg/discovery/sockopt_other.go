// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !unix

package discovery

import (
	"syscall"
)

var udpControl func(string, string, syscall.RawConn) error = nil
