package peer

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketStrikes = []byte("strikes")
	bucketBans    = []byte("bans")
	bucketURLs    = []byte("urls")
)

// Store persists strike counters, the permanent ban set, and registered
// peer service URLs across restarts.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("peer: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketStrikes, bucketBans, bucketURLs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("peer: init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddStrike increments the strike counter for a peer and returns the new
// count.
func (s *Store) AddStrike(vault string, chainID uint64) (int, error) {
	key := []byte(cacheKey(vault, chainID))
	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketStrikes)
		count = decodeCount(bucket.Get(key)) + 1
		return bucket.Put(key, encodeCount(count))
	})
	return count, err
}

// ResetStrikes clears the counter after a valid key-origin observation; the
// ban only fires on consecutive invalid observations.
func (s *Store) ResetStrikes(vault string, chainID uint64) error {
	key := []byte(cacheKey(vault, chainID))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStrikes).Delete(key)
	})
}

// Strikes reads the current counter.
func (s *Store) Strikes(vault string, chainID uint64) (int, error) {
	key := []byte(cacheKey(vault, chainID))
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = decodeCount(tx.Bucket(bucketStrikes).Get(key))
		return nil
	})
	return count, err
}

// Ban marks a peer permanently banned. Bans are never lifted.
func (s *Store) Ban(vault string, chainID uint64) error {
	key := []byte(cacheKey(vault, chainID))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Put(key, []byte{1})
	})
}

// Banned reports whether a peer is in the permanent ban set.
func (s *Store) Banned(vault string, chainID uint64) (bool, error) {
	key := []byte(cacheKey(vault, chainID))
	var banned bool
	err := s.db.View(func(tx *bolt.Tx) error {
		banned = tx.Bucket(bucketBans).Get(key) != nil
		return nil
	})
	return banned, err
}

// RegisterURL stores the service URL a peer advertises for its storefront.
func (s *Store) RegisterURL(vault, url string) error {
	vault = strings.ToLower(strings.TrimSpace(vault))
	url = strings.TrimSpace(url)
	if vault == "" || url == "" {
		return fmt.Errorf("peer: vault and url required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketURLs).Put([]byte(vault), []byte(url))
	})
}

// URL fetches a registered peer service URL, or empty when unknown.
func (s *Store) URL(vault string) (string, error) {
	vault = strings.ToLower(strings.TrimSpace(vault))
	var url string
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketURLs).Get([]byte(vault)); raw != nil {
			url = string(raw)
		}
		return nil
	})
	return url, err
}

func encodeCount(count int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func decodeCount(raw []byte) int {
	if len(raw) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(raw))
}
