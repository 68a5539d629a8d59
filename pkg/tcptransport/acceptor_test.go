// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func testListener(t *testing.T) *net.TCPListener {
	addr, err := net.ResolveTCPAddr("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

func TestAcceptorCountDropsBeforePause(t *testing.T) {
	// The count is above the limit at the first check only. A resume running in between finds the acceptor
	// still running, so the acceptor must notice the drop itself.
	var checks atomic.Int32
	var a *acceptor
	a = newAcceptor("tcp4", testListener(t), func(c net.Conn) { _ = c.Close() }, func() bool {
		if checks.Add(1) == 1 {
			if a.resume() {
				t.Error("resumed an acceptor which was not paused")
			}
			return true
		}
		return false
	})

	go a.run()
	defer a.stop()

	deadline := time.Now().Add(time.Second)
	for a.rearmCount() != 1 || a.currentState() != acceptRunning {
		if time.Now().After(deadline) {
			t.Fatalf("acceptor is %v after %d re-arms", a.currentState(), a.rearmCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if n := a.rearmCount(); n != 1 {
		t.Fatalf("acceptor was re-armed %d times", n)
	}
}

func TestAcceptorPauseResume(t *testing.T) {
	var over atomic.Bool
	over.Store(true)

	a := newAcceptor("tcp4", testListener(t), func(c net.Conn) { _ = c.Close() }, over.Load)
	go a.run()
	defer a.stop()

	deadline := time.Now().Add(time.Second)
	for a.currentState() != acceptPaused {
		if time.Now().After(deadline) {
			t.Fatal("acceptor did not pause")
		}
		time.Sleep(10 * time.Millisecond)
	}

	over.Store(false)
	if !a.resume() {
		t.Fatal("paused acceptor was not resumed")
	}
	if a.resume() {
		t.Fatal("acceptor was resumed twice")
	}

	a.stop()
	if state := a.currentState(); state != acceptStopped {
		t.Fatalf("acceptor is %v after stopping", state)
	}
}
