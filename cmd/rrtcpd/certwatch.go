// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// certDebounce collapses the burst of events caused by replacing a file.
const certDebounce = 250 * time.Millisecond

// certWatcher calls reload after the node certificate file was written or replaced.
type certWatcher struct {
	file   string
	reload func()

	watcher *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// newCertWatcher watches the certificate's directory, which survives an atomic replacement of the file.
func newCertWatcher(file string, reload func()) (cw *certWatcher, err error) {
	cw = &certWatcher{
		file:    filepath.Clean(file),
		reload:  reload,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	if cw.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, err
	}
	if err = cw.watcher.Add(filepath.Dir(cw.file)); err != nil {
		_ = cw.watcher.Close()
		return nil, err
	}

	go cw.handler()
	return cw, nil
}

func (cw *certWatcher) handler() {
	defer close(cw.stopAck)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	for {
		select {
		case <-cw.stopSyn:
			if timer != nil {
				timer.Stop()
			}
			return

		case e, ok := <-cw.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != cw.file || e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			log.WithFields(log.Fields{
				"file":      e.Name,
				"operation": e.Op.String(),
			}).Debug("Node certificate changed")

			if timer == nil {
				timer = time.NewTimer(certDebounce)
			} else {
				timer.Reset(certDebounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}
			log.WithError(err).Warn("fsnotify errored")
		}
	}
}

func (cw *certWatcher) close() {
	close(cw.stopSyn)
	<-cw.stopAck
	_ = cw.watcher.Close()
}
