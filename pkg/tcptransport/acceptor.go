// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type acceptState int

const (
	acceptRunning acceptState = iota
	acceptPaused
	acceptStopped
)

func (s acceptState) String() string {
	switch s {
	case acceptRunning:
		return "running"
	case acceptPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// acceptor runs the accept loop of one address family's listener. While the connection limit is exceeded, accepting
// is paused until resume re-arms it.
type acceptor struct {
	family    string
	listener  *net.TCPListener
	handle    func(net.Conn)
	overLimit func() bool

	mu     sync.Mutex
	state  acceptState
	rearms int

	resumeChan chan struct{}
	stopSyn    chan struct{}
	stopAck    chan struct{}
}

func newAcceptor(family string, listener *net.TCPListener, handle func(net.Conn), overLimit func() bool) *acceptor {
	return &acceptor{
		family:     family,
		listener:   listener,
		handle:     handle,
		overLimit:  overLimit,
		resumeChan: make(chan struct{}, 1),
		stopSyn:    make(chan struct{}),
		stopAck:    make(chan struct{}),
	}
}

func (a *acceptor) log() *log.Entry {
	return log.WithFields(log.Fields{
		"family": a.family,
		"listen": a.listener.Addr(),
	})
}

func (a *acceptor) run() {
	defer close(a.stopAck)
	defer a.listener.Close()

	for {
		select {
		case <-a.stopSyn:
			return
		default:
		}

		if a.overLimit() && a.pause() {
			a.log().Info("Connection limit exceeded, pausing accepting connections")

			// The count might have dropped before the pause; such a resume found us still running.
			if !a.overLimit() {
				a.resume()
			}

			select {
			case <-a.resumeChan:
				a.log().Info("Resumed accepting connections")
				continue
			case <-a.stopSyn:
				return
			}
		}

		_ = a.listener.SetDeadline(time.Now().Add(50 * time.Millisecond))
		conn, err := a.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			a.log().WithError(err).Warn("Accepting connection errored")
			continue
		}

		a.handle(conn)
	}
}

func (a *acceptor) pause() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != acceptRunning {
		return false
	}
	a.state = acceptPaused
	return true
}

// resume a paused acceptor. Each pause is resumed exactly once.
func (a *acceptor) resume() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != acceptPaused {
		return false
	}
	a.state = acceptRunning
	a.rearms++
	a.resumeChan <- struct{}{}
	return true
}

func (a *acceptor) currentState() acceptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *acceptor) rearmCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rearms
}

func (a *acceptor) stop() {
	a.mu.Lock()
	if a.state == acceptStopped {
		a.mu.Unlock()
		<-a.stopAck
		return
	}
	a.state = acceptStopped
	close(a.stopSyn)
	a.mu.Unlock()

	<-a.stopAck
}
