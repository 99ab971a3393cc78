// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists network records in a bbolt file.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-msgpack/codec"
	bolt "go.etcd.io/bbolt"

	"vxlanmesh.io/internal/network"
)

// Layout:
//
//	bucket(networks) ->
//		<network id> -> msgpack(network.Record)
var bucketKeyNetworks = []byte("networks")

var handle = &codec.MsgpackHandle{}

// Store is a network.Store backed by bbolt. Every Put and Delete is
// its own transaction and is fsynced before it returns.
type Store struct {
	logger log.Logger
	db     *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(logger log.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeyNetworks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store %s: %w", path, err)
	}
	return &Store{logger: log.With(logger, "component", "store"), db: db}, nil
}

// OpenReadOnly opens an existing database without locking out other
// readers. It's for inspection tools; Put and Delete will fail.
func OpenReadOnly(logger log.Logger, path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	return &Store{logger: log.With(logger, "component", "store"), db: db}, nil
}

// Load returns every record in the store. Records that can't be
// decoded, or that have no id, are logged and skipped.
func (s *Store) Load() ([]network.Record, error) {
	recs := []network.Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketKeyNetworks)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			var rec network.Record
			if err := codec.NewDecoderBytes(v, handle).Decode(&rec); err != nil {
				level.Error(s.logger).Log("op", "load", "key", string(k), "error", err)
				return nil
			}
			if rec.ID == "" {
				level.Error(s.logger).Log("op", "load", "key", string(k), "msg", "load network error, id is empty")
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading networks: %w", err)
	}
	return recs, nil
}

// Put writes rec under its id.
func (s *Store) Put(rec network.Record) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, handle).Encode(&rec); err != nil {
		return fmt.Errorf("encoding network %s: %w", rec.ID, err)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyNetworks).Put([]byte(rec.ID), buf)
	}); err != nil {
		return fmt.Errorf("writing network %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record for id. Deleting a missing id is not an
// error.
func (s *Store) Delete(id string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyNetworks).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("deleting network %s: %w", id, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
