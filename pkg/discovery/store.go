// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
)

const dirBadger string = "nodes"

// nodeRecord is the persisted form of a NodeInfo.
type nodeRecord struct {
	ID string `badgerhold:"key"`

	NodeName          string `badgerholdIndex:"NodeName"`
	URLs              []string
	ServiceStateNonce string
	LastSeen          time.Time `badgerholdIndex:"LastSeen"`
}

func newNodeRecord(info NodeInfo) nodeRecord {
	return nodeRecord{
		ID:                info.NodeID.String(),
		NodeName:          info.NodeName,
		URLs:              info.URLs,
		ServiceStateNonce: info.ServiceStateNonce,
		LastSeen:          info.LastSeen,
	}
}

func (rec nodeRecord) info() (NodeInfo, error) {
	id, err := nodeid.Parse(rec.ID)
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{
		NodeID:            id,
		NodeName:          rec.NodeName,
		URLs:              rec.URLs,
		ServiceStateNonce: rec.ServiceStateNonce,
		LastSeen:          rec.LastSeen,
	}, nil
}

// Store persists discovered nodes across restarts.
type Store struct {
	bh *badgerhold.Store
}

// OpenStore creates a new Store or opens an existing Store from the given path.
func OpenStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{bh: bh}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Save a NodeInfo, replacing a previous one of the same NodeID.
func (s *Store) Save(info NodeInfo) error {
	rec := newNodeRecord(info)

	var known nodeRecord
	if err := s.bh.Get(rec.ID, &known); err == badgerhold.ErrNotFound {
		log.WithFields(log.Fields{
			"node": rec.ID,
			"name": rec.NodeName,
		}).Debug("Store inserts unknown node")

		return s.bh.Insert(rec.ID, rec)
	} else if err != nil {
		return err
	}

	return s.bh.Update(rec.ID, rec)
}

// Get a stored node by its NodeID.
func (s *Store) Get(id nodeid.NodeID) (info NodeInfo, err error) {
	var rec nodeRecord
	if err = s.bh.Get(id.String(), &rec); err != nil {
		return
	}
	rec.ID = id.String()
	return rec.info()
}

// FindByName returns all stored nodes of a name.
func (s *Store) FindByName(name string) ([]NodeInfo, error) {
	var recs []nodeRecord
	if err := s.bh.Find(&recs, badgerhold.Where("NodeName").Eq(name)); err != nil {
		return nil, err
	}
	return recordInfos(recs), nil
}

// All stored nodes.
func (s *Store) All() ([]NodeInfo, error) {
	var recs []nodeRecord
	if err := s.bh.Find(&recs, nil); err != nil {
		return nil, err
	}
	return recordInfos(recs), nil
}

// Delete a node.
func (s *Store) Delete(id nodeid.NodeID) error {
	return s.bh.Delete(id.String(), nodeRecord{})
}

// DeleteExpired removes all nodes last seen before the given time.
func (s *Store) DeleteExpired(before time.Time) (int, error) {
	var recs []nodeRecord
	if err := s.bh.Find(&recs, badgerhold.Where("LastSeen").Lt(before)); err != nil {
		return 0, err
	}

	for _, rec := range recs {
		log.WithField("node", rec.ID).Info("Store deletes expired node")

		if err := s.bh.Delete(rec.ID, nodeRecord{}); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func recordInfos(recs []nodeRecord) []NodeInfo {
	infos := make([]NodeInfo, 0, len(recs))
	for _, rec := range recs {
		info, err := rec.info()
		if err != nil {
			log.WithError(err).WithField("node", rec.ID).Warn("Store contains a malformed node")
			continue
		}
		infos = append(infos, info)
	}
	return infos
}
