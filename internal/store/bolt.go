// Package store is the operator-auth side's persistence: a small BoltDB
// database holding users, sessions, roles, API tokens, and simple settings
// for the fleet coordination server's HTTP shim (C9). The agent-fleet
// domain itself (hosts, queue, reboot orchestration) lives in the
// relational internal/agentfleet/store package; this package only backs
// internal/auth's operator login and API-token flows, the same bucket
// layout the teacher uses for its own operator accounts.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSettings = []byte("settings")

// Store wraps a BoltDB database for operator-auth persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// the settings bucket exists. Call EnsureAuthBuckets afterward to set up
// the auth-specific buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSetting stores a setting key-value pair in the settings bucket.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key from the settings bucket.
// Returns empty string if the key doesn't exist.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		v := b.Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// GetAllSettings returns all key-value pairs from the settings bucket.
func (s *Store) GetAllSettings() (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)
			return nil
		})
	})
	return result, err
}
