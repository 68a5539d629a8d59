// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"
)

// carrier repeats the latest announce through an IPv4 multicast group, reaching networks which filter broadcasts.
type carrier struct {
	conf   Config
	notify func(data []byte, src netip.AddrPort)

	mu       sync.Mutex
	payload  []byte
	stopChan chan struct{}
	closed   bool
}

func newCarrier(conf Config, notify func(data []byte, src netip.AddrPort)) *carrier {
	return &carrier{
		conf:   conf,
		notify: notify,
	}
}

// update the announced payload. peerdiscovery's payload is fixed, so a changed payload restarts it. A closed carrier
// stays closed.
func (c *carrier) update(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || bytes.Equal(payload, c.payload) {
		return
	}
	c.stopLocked()
	c.payload = payload

	c.stopChan = make(chan struct{})
	set := peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", c.conf.CarrierPort),
		MulticastAddress: c.conf.CarrierAddress,
		Payload:          payload,
		Delay:            c.conf.AnnouncePeriod,
		TimeLimit:        -1,
		StopChan:         c.stopChan,
		AllowSelf:        true,
		IPVersion:        peerdiscovery.IPv4,
		Notify:           c.notifyDiscovered,
	}

	discoverErrChan := make(chan error, 1)
	go func() {
		_, discoverErr := peerdiscovery.Discover(set)
		discoverErrChan <- discoverErr
	}()

	select {
	case discoverErr := <-discoverErrChan:
		if discoverErr != nil {
			log.WithError(discoverErr).WithField("group", c.conf.CarrierAddress).Warn("Multicast carrier errored")
		}

	case <-time.After(time.Second):
		break
	}
}

func (c *carrier) notifyDiscovered(discovered peerdiscovery.Discovered) {
	addr, err := netip.ParseAddr(discovered.Address)
	if err != nil {
		log.WithError(err).WithField("address", discovered.Address).Trace("Carrier peer has an invalid address")
		return
	}
	c.notify(discovered.Payload, netip.AddrPortFrom(addr, uint16(c.conf.CarrierPort)))
}

func (c *carrier) stopLocked() {
	if c.stopChan != nil {
		close(c.stopChan)
		c.stopChan = nil
	}
}

func (c *carrier) close() {
	c.mu.Lock()
	c.stopLocked()
	c.payload = nil
	c.closed = true
	c.mu.Unlock()
}
