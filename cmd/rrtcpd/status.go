// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/discovery"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/tcptransport"
)

// statusSource is the part of a Transport inspected by the status API.
type statusSource interface {
	Connections() []tcptransport.ConnectionInfo
	DiscoveredNodes() []discovery.NodeInfo
	DiscoveredNode(id nodeid.NodeID) (discovery.NodeInfo, bool)
}

// statusAgent serves a read-only JSON view of connections and discovered nodes.
type statusAgent struct {
	source statusSource
	store  *discovery.Store
}

func newStatusAgent(router *mux.Router, source statusSource, store *discovery.Store) *statusAgent {
	sa := &statusAgent{source: source, store: store}

	router.HandleFunc("/connections", sa.handleConnections).Methods(http.MethodGet)
	router.HandleFunc("/nodes", sa.handleNodes).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}", sa.handleNode).Methods(http.MethodGet)

	return sa
}

func (sa *statusAgent) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write status response")
	}
}

func (sa *statusAgent) handleConnections(w http.ResponseWriter, _ *http.Request) {
	sa.writeJSON(w, http.StatusOK, sa.source.Connections())
}

// handleNodes lists the currently discovered nodes, extended by those only known to the store.
func (sa *statusAgent) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := sa.source.DiscoveredNodes()

	if sa.store != nil {
		known := make(map[nodeid.NodeID]struct{}, len(nodes))
		for _, n := range nodes {
			known[n.NodeID] = struct{}{}
		}

		if stored, err := sa.store.All(); err != nil {
			log.WithError(err).Warn("Failed to list stored nodes")
		} else {
			for _, n := range stored {
				if _, ok := known[n.NodeID]; !ok {
					nodes = append(nodes, n)
				}
			}
		}
	}

	sa.writeJSON(w, http.StatusOK, nodes)
}

func (sa *statusAgent) handleNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeid.Parse(mux.Vars(r)["id"])
	if err != nil {
		sa.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if info, ok := sa.source.DiscoveredNode(id); ok {
		sa.writeJSON(w, http.StatusOK, info)
		return
	}
	if sa.store != nil {
		if info, err := sa.store.Get(id); err == nil {
			sa.writeJSON(w, http.StatusOK, info)
			return
		}
	}

	sa.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
}
