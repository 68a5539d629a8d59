// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"fmt"
	"sync"
	"time"
	"weak"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// registry maps local endpoint ids to established Connections. Connections still within their handshake and those
// being closed are only referenced weakly.
type registry struct {
	mu       sync.Mutex
	conns    map[uint32]*Connection
	incoming []weak.Pointer[Connection]
	closing  []weak.Pointer[Connection]

	// onRemoved is called without holding mu after the count might have decreased.
	onRemoved func()
}

func newRegistry() *registry {
	return &registry{conns: make(map[uint32]*Connection)}
}

func (r *registry) removed() {
	if r.onRemoved != nil {
		r.onRemoved()
	}
}

// register an established Connection under its local endpoint id.
func (r *registry) register(c *Connection) error {
	id := c.LocalEndpoint()
	if id == 0 {
		return rrerr.New(rrerr.Internal, "connection has no local endpoint")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[id]; ok && existing != c {
		return rrerr.New(rrerr.Internal, fmt.Sprintf("local endpoint %d is already registered", id))
	}
	r.conns[id] = c
	r.incoming = dropPointer(r.incoming, c)
	return nil
}

func (r *registry) lookup(id uint32) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	return c, ok
}

// erase the entry of an endpoint id, but only if it still refers to c.
func (r *registry) erase(id uint32, c *Connection) bool {
	r.mu.Lock()
	existing, ok := r.conns[id]
	if !ok || existing != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	if !c.isClosed() {
		r.closing = append(r.closing, weak.Make(c))
	}
	r.mu.Unlock()

	r.removed()
	return true
}

// addIncoming tracks an accepted Connection until it is registered or closed.
func (r *registry) addIncoming(c *Connection) {
	r.mu.Lock()
	r.incoming = append(r.incoming, weak.Make(c))
	r.mu.Unlock()
}

func (r *registry) removeIncoming(c *Connection) {
	r.mu.Lock()
	before := len(r.incoming)
	r.incoming = dropPointer(r.incoming, c)
	changed := len(r.incoming) != before
	r.mu.Unlock()

	if changed {
		r.removed()
	}
}

// count of established and accepted, not yet closed Connections.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.conns)
	for _, wp := range r.incoming {
		if c := wp.Value(); c != nil && !c.isClosed() {
			n++
		}
	}
	return n
}

func (r *registry) snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// sweep removes disconnected Connections and prunes the weak lists. Sweeping twice equals sweeping once.
func (r *registry) sweep() {
	r.mu.Lock()
	removed := 0
	for id, c := range r.conns {
		if !c.IsConnected() {
			delete(r.conns, id)
			removed++
			if !c.isClosed() {
				r.closing = append(r.closing, weak.Make(c))
			}
		}
	}
	r.incoming = pruneClosed(r.incoming)
	r.closing = pruneClosed(r.closing)
	r.mu.Unlock()

	if removed > 0 {
		log.WithField("removed", removed).Debug("Swept disconnected connections")
		r.removed()
	}
}

// closeAll closes every known Connection and waits up to timeout for them to finish. Stragglers are force closed.
func (r *registry) closeAll(timeout, poll time.Duration) {
	r.mu.Lock()
	var conns []*Connection
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	for _, list := range [][]weak.Pointer[Connection]{r.incoming, r.closing} {
		for _, wp := range list {
			if c := wp.Value(); c != nil {
				conns = append(conns, c)
			}
		}
	}
	r.conns = make(map[uint32]*Connection)
	r.incoming = nil
	r.closing = nil
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	deadline := time.Now().Add(timeout)
	for {
		open := 0
		for _, c := range conns {
			if !c.isClosed() {
				open++
			}
		}
		if open == 0 {
			return
		}

		if time.Now().After(deadline) {
			var errs error
			for _, c := range conns {
				if c.isClosed() {
					continue
				}
				if err := c.forceClose(); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
			if errs != nil {
				log.WithError(errs).Debug("Force closing connections errored")
			}
			log.WithField("connections", open).Info("Force closed connections after timeout")
			return
		}

		time.Sleep(poll)
	}
}

func dropPointer(list []weak.Pointer[Connection], c *Connection) []weak.Pointer[Connection] {
	wc := weak.Make(c)
	out := list[:0]
	for _, wp := range list {
		if wp != wc {
			out = append(out, wp)
		}
	}
	return out
}

func pruneClosed(list []weak.Pointer[Connection]) []weak.Pointer[Connection] {
	out := list[:0]
	for _, wp := range list {
		if c := wp.Value(); c != nil && !c.isClosed() {
			out = append(out, wp)
		}
	}
	return out
}
