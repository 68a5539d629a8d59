// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// closeListeners are invoked once when the Transport closes. Functions added afterwards are invoked immediately.
type closeListeners struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]func()
	fired     bool
}

func newCloseListeners() *closeListeners {
	return &closeListeners{listeners: make(map[uint64]func())}
}

// add a function and return its id for remove.
func (cl *closeListeners) add(f func()) uint64 {
	cl.mu.Lock()
	if cl.fired {
		cl.mu.Unlock()
		invoke(f)
		return 0
	}

	cl.next++
	id := cl.next
	cl.listeners[id] = f
	cl.mu.Unlock()
	return id
}

func (cl *closeListeners) remove(id uint64) {
	cl.mu.Lock()
	delete(cl.listeners, id)
	cl.mu.Unlock()
}

func (cl *closeListeners) fire() {
	cl.mu.Lock()
	if cl.fired {
		cl.mu.Unlock()
		return
	}
	cl.fired = true
	fs := make([]func(), 0, len(cl.listeners))
	for _, f := range cl.listeners {
		fs = append(fs, f)
	}
	cl.listeners = make(map[uint64]func())
	cl.mu.Unlock()

	for _, f := range fs {
		invoke(f)
	}
}

func invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Warn("Close listener panicked")
		}
	}()
	f()
}
