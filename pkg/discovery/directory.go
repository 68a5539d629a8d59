// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
)

// NodeInfo describes a discovered node.
type NodeInfo struct {
	NodeID            nodeid.NodeID `json:"node_id"`
	NodeName          string        `json:"node_name"`
	URLs              []string      `json:"urls"`
	ServiceStateNonce string        `json:"service_state_nonce,omitempty"`
	LastSeen          time.Time     `json:"last_seen"`
}

type directoryEntry struct {
	name     string
	nonce    string
	lastSeen time.Time
	urls     map[string]time.Time
}

func (entry *directoryEntry) info(id nodeid.NodeID) NodeInfo {
	urls := make([]string, 0, len(entry.urls))
	for u := range entry.urls {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	return NodeInfo{
		NodeID:            id,
		NodeName:          entry.name,
		URLs:              urls,
		ServiceStateNonce: entry.nonce,
		LastSeen:          entry.lastSeen,
	}
}

// Directory caches discovered nodes. Each URL expires individually after the TTL; a node without URLs is removed.
type Directory struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	nodes map[nodeid.NodeID]*directoryEntry
}

// NewDirectory with a TTL for announced URLs.
func NewDirectory(ttl time.Duration) *Directory {
	return &Directory{
		ttl:   ttl,
		now:   time.Now,
		nodes: make(map[nodeid.NodeID]*directoryEntry),
	}
}

// Update merges an announced NodeInfo. It reports if the node or one of its URLs was unknown, or if its name or
// ServiceStateNonce changed.
func (d *Directory) Update(info NodeInfo) (NodeInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if info.LastSeen.IsZero() {
		info.LastSeen = now
	}

	entry, ok := d.nodes[info.NodeID]
	changed := !ok
	if !ok {
		entry = &directoryEntry{urls: make(map[string]time.Time)}
		d.nodes[info.NodeID] = entry
	}

	if entry.name != info.NodeName && info.NodeName != "" {
		entry.name = info.NodeName
		changed = true
	}
	if entry.nonce != info.ServiceStateNonce && info.ServiceStateNonce != "" {
		entry.nonce = info.ServiceStateNonce
		changed = true
	}
	if info.LastSeen.After(entry.lastSeen) {
		entry.lastSeen = info.LastSeen
	}

	for _, u := range info.URLs {
		if _, known := entry.urls[u]; !known {
			changed = true
		}
		entry.urls[u] = info.LastSeen
	}

	return entry.info(info.NodeID), changed
}

// Get a node's NodeInfo.
func (d *Directory) Get(id nodeid.NodeID) (NodeInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return entry.info(id), true
}

// Nodes returns all known nodes, ordered by their name and NodeID.
func (d *Directory) Nodes() []NodeInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]NodeInfo, 0, len(d.nodes))
	for id, entry := range d.nodes {
		infos = append(infos, entry.info(id))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].NodeName != infos[j].NodeName {
			return infos[i].NodeName < infos[j].NodeName
		}
		return infos[i].NodeID.String() < infos[j].NodeID.String()
	})
	return infos
}

// Remove a node.
func (d *Directory) Remove(id nodeid.NodeID) {
	d.mu.Lock()
	delete(d.nodes, id)
	d.mu.Unlock()
}

// Expire URLs older than the TTL and return the number of removed nodes.
func (d *Directory) Expire() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	deadline := d.now().Add(-d.ttl)
	removed := 0
	for id, entry := range d.nodes {
		for u, seen := range entry.urls {
			if seen.Before(deadline) {
				delete(entry.urls, u)
			}
		}
		if len(entry.urls) == 0 {
			delete(d.nodes, id)
			removed++
		}
	}
	return removed
}
