// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/discovery"
	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/tcptransport"
)

// daemon is the Node owning the Transport.
type daemon struct {
	id   nodeid.NodeID
	name string

	conf      tcptransport.Config
	port      int
	watchCert bool
	listen    bool
	announce  bool
	request   bool
	storeDir  string
	status    string
	peers     [][]string

	transport *tcptransport.Transport
	store     *discovery.Store
	watcher   *certWatcher
	server    *http.Server
}

func (d *daemon) NodeID() nodeid.NodeID { return d.id }

func (d *daemon) NodeName() string { return d.name }

func (d *daemon) MessageReceived(msg *message.Message) {
	fields := log.Fields{
		"sender":   msg.Header.SenderNodeID,
		"endpoint": msg.Header.ReceiverEndpoint,
		"entries":  len(msg.Entries),
	}
	if len(msg.Entries) > 0 {
		fields["member"] = msg.First().MemberName
	}
	log.WithFields(fields).Info("Received message")
}

func (d *daemon) TransportConnectionClosed(endpoint uint32) {
	log.WithField("endpoint", endpoint).Info("Transport connection was closed")
}

// NodeDetected persists each detected node, if a store is configured.
func (d *daemon) NodeDetected(info discovery.NodeInfo) {
	if d.store == nil {
		return
	}
	if err := d.store.Save(info); err != nil {
		log.WithError(err).WithField("node", info.NodeID).Warn("Failed to store detected node")
	}
}

// start the Transport, discovery, the status API and the static peers.
func (d *daemon) start() (err error) {
	if d.storeDir != "" {
		if d.store, err = discovery.OpenStore(d.storeDir); err != nil {
			return
		}
		if n, expErr := d.store.DeleteExpired(time.Now().Add(-d.conf.Discovery.NodeInfoTTL)); expErr != nil {
			log.WithError(expErr).Warn("Failed to delete expired nodes")
		} else if n > 0 {
			log.WithField("nodes", n).Debug("Deleted expired nodes from store")
		}
	}

	if d.transport, err = tcptransport.NewTransport(d, d.conf); err != nil {
		return
	}

	if d.conf.NodeCertificate != "" {
		if certErr := d.transport.LoadTLSNodeCertificate(); certErr == nil && d.watchCert {
			if d.watcher, err = newCertWatcher(d.conf.NodeCertificate, d.reloadCertificate); err != nil {
				return
			}
		}
	}

	if err = d.transport.StartServer(d.port); err != nil {
		return
	}

	if d.listen {
		if err = d.transport.EnableNodeDiscoveryListening(); err != nil {
			return
		}
	}
	if d.announce {
		if err = d.transport.EnableNodeAnnounce(); err != nil {
			return
		}
	}
	if d.request {
		d.transport.SendDiscoveryRequest()
	}

	if d.status != "" {
		d.startStatus()
	}

	for _, urls := range d.peers {
		d.transport.ConnectAsync(urls, func(c *tcptransport.Connection, err error) {
			if err != nil {
				log.WithError(err).WithField("urls", urls).Warn("Failed to connect to peer")
				return
			}
			log.WithFields(log.Fields{
				"endpoint": c.LocalEndpoint(),
				"remote":   c.RemoteNodeID(),
			}).Info("Connected to peer")
		})
	}

	log.WithFields(log.Fields{
		"node": d.id,
		"name": d.name,
		"port": d.transport.Port(),
	}).Info("Started node")
	return
}

func (d *daemon) reloadCertificate() {
	if err := d.transport.LoadTLSNodeCertificate(); err == nil {
		log.WithField("file", d.conf.NodeCertificate).Info("Reloaded node certificate")
	}
}

func (d *daemon) startStatus() {
	router := mux.NewRouter()
	newStatusAgent(router, d.transport, d.store)

	d.server = &http.Server{
		Addr:              d.status,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("listen", srv.Addr).Warn("Status API errored")
		}
	}(d.server)
}

func (d *daemon) close() {
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := d.server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Shutting down the status API errored")
		}
		cancel()
	}

	if d.watcher != nil {
		d.watcher.close()
	}

	if d.transport != nil {
		d.transport.Close()
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.WithError(err).Warn("Closing the node store errored")
		}
	}
}
