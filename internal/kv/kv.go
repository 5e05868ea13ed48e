// Package kv is the device-local key/value store holding drafts, the send
// queue and pending read receipts. Values survive restarts.
package kv

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

var bucketEntries = []byte("entries")

// Key prefixes of the records kept by the sync components.
const (
	DraftPrefix          = "draft_"
	QueuePrefix          = "queue_"
	PendingReceiptPrefix = "pending_read_receipt_"
)

// DraftKey is the key of userID's draft in threadID.
func DraftKey(threadID, userID string) string {
	return DraftPrefix + threadID + "_" + userID
}

// QueueKey is the key of a queued message.
func QueueKey(tempID string) string {
	return QueuePrefix + tempID
}

// PendingReceiptKey is the key of an unsent read marker.
func PendingReceiptKey(threadID, userID string) string {
	return PendingReceiptPrefix + threadID + "_" + userID
}

// Store is a persistent string-keyed byte store.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
}

// Bolt implements Store on a single bbolt bucket.
type Bolt struct {
	db *bbolt.DB
}

// Open opens (or creates) the bbolt file at path.
func Open(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *Bolt) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), value)
	})
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Bolt) Remove(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// Keys lists keys starting with prefix in byte order.
func (s *Bolt) Keys(prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// SetValue encodes v and stores it under key. Types implementing
// encoding.BinaryMarshaler control their own encoding; anything else is
// msgpack encoded.
func SetValue(s Store, key string, v any) error {
	var (
		data []byte
		err  error
	)
	if m, ok := v.(encoding.BinaryMarshaler); ok {
		data, err = m.MarshalBinary()
	} else {
		data, err = msgpack.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(key, data)
}

// GetValue loads key into v, the counterpart of SetValue.
func GetValue(s Store, key string, v any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if u, ok := v.(encoding.BinaryUnmarshaler); ok {
		err = u.UnmarshalBinary(data)
	} else {
		err = msgpack.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
