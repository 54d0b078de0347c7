// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltcache implements a bbolt backed cache of already validated
// relay descriptors, keyed by fingerprint.
package boltcache

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/onion/core/pki"
)

const (
	metadataBucket    = "metadata"
	descriptorsBucket = "descriptors"
	namesBucket       = "names"
	versionKey        = "version"

	cacheVersion = 0
)

// ErrNotFound is the error returned when a descriptor is not cached.
var ErrNotFound = errors.New("boltcache: descriptor not found")

// Cache is a persistent descriptor cache.
type Cache struct {
	sync.Mutex

	db *bolt.DB
}

// Put adds or replaces a descriptor.
func (c *Cache) Put(d *pki.RelayDescriptor) error {
	b, err := d.Marshal()
	if err != nil {
		return err
	}
	fp := d.Fingerprint()

	return c.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket([]byte(namesBucket))
		if old := names.Get([]byte(strings.ToLower(d.Name))); old != nil && string(old) != string(fp[:]) {
			// The nickname moved to a different identity, drop the stale entry.
			if err := tx.Bucket([]byte(descriptorsBucket)).Delete(old); err != nil {
				return err
			}
		}
		if err := names.Put([]byte(strings.ToLower(d.Name)), fp[:]); err != nil {
			return err
		}
		return tx.Bucket([]byte(descriptorsBucket)).Put(fp[:], b)
	})
}

// Get returns the descriptor with the given fingerprint.
func (c *Cache) Get(fp [pki.FingerprintLength]byte) (*pki.RelayDescriptor, error) {
	var d *pki.RelayDescriptor
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = get(tx, fp[:])
		return err
	})
	return d, err
}

// GetByName returns the descriptor with the given nickname.
func (c *Cache) GetByName(name string) (*pki.RelayDescriptor, error) {
	var d *pki.RelayDescriptor
	err := c.db.View(func(tx *bolt.Tx) error {
		fp := tx.Bucket([]byte(namesBucket)).Get([]byte(strings.ToLower(name)))
		if fp == nil {
			return ErrNotFound
		}
		var err error
		d, err = get(tx, fp)
		return err
	})
	return d, err
}

// Remove deletes the descriptor with the given fingerprint.
func (c *Cache) Remove(fp [pki.FingerprintLength]byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		d, err := get(tx, fp[:])
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(namesBucket)).Delete([]byte(strings.ToLower(d.Name))); err != nil {
			return err
		}
		return tx.Bucket([]byte(descriptorsBucket)).Delete(fp[:])
	})
}

// All returns every cached descriptor.
func (c *Cache) All() ([]*pki.RelayDescriptor, error) {
	var ret []*pki.RelayDescriptor
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(descriptorsBucket)).ForEach(func(k, v []byte) error {
			d := new(pki.RelayDescriptor)
			if err := d.Unmarshal(v); err != nil {
				return fmt.Errorf("boltcache: corrupted entry %x: %v", k, err)
			}
			ret = append(ret, d)
			return nil
		})
	})
	return ret, err
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	c.Lock()
	defer c.Unlock()

	if c.db == nil {
		return nil
	}
	c.db.Sync()
	err := c.db.Close()
	c.db = nil
	return err
}

func get(tx *bolt.Tx, fp []byte) (*pki.RelayDescriptor, error) {
	raw := tx.Bucket([]byte(descriptorsBucket)).Get(fp)
	if raw == nil {
		return nil, ErrNotFound
	}
	d := new(pki.RelayDescriptor)
	if err := d.Unmarshal(raw); err != nil {
		return nil, err
	}
	return d, nil
}

// New creates (or loads) a descriptor cache with the given file name f.
func New(f string) (*Cache, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{descriptorsBucket, namesBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != cacheVersion {
				return fmt.Errorf("boltcache: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{cacheVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}
