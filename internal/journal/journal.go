// Package journal provides a local BoltDB (bbolt) audit trail of denied
// admissions. It is deliberately separate from the SQL store: the journal
// must stay writable even when the relational store is unreachable, which
// is exactly when denial context matters most.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for organizing data
var (
	// BucketDenials stores denial entries keyed by a monotonically
	// increasing sequence number.
	BucketDenials = []byte("denials")
)

// Kind classifies why an admission was denied.
type Kind string

const (
	KindDirectBan     Kind = "direct_ban"     // ACTIVE ban on the identity itself
	KindIPCorrelation Kind = "ip_correlation" // connecting address matches a recorded ban IP
	KindEvasion       Kind = "evasion"        // IP history overlaps a banned identity's address
)

// Denial is one denied admission.
type Denial struct {
	SteamID string    `json:"steamid"`
	Address string    `json:"address,omitempty"`
	Kind    Kind      `json:"kind"`
	BanID   int64     `json:"ban_id,omitempty"`
	At      time.Time `json:"at"`
}

// Options configures the journal.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode
}

// Journal wraps a BoltDB database holding denial entries.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal database at the specified path.
func Open(opts Options) (*Journal, error) {
	if opts.Path == "" {
		opts.Path = "warden-journal.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(BucketDenials)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends a denial entry.
func (j *Journal) Record(ctx context.Context, d Denial) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketDenials)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketDenials)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal denial: %w", err)
		}

		return bucket.Put(seqKey(seq), data)
	})
}

// Recent returns up to limit denials, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Denial, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Denial

	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketDenials)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var d Denial
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeOlderThan removes entries recorded before the cutoff and returns
// how many were dropped.
func (j *Journal) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketDenials)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var d Denial
			if err := json.Unmarshal(v, &d); err != nil {
				// Unreadable entries are purged too.
				if err := c.Delete(); err != nil {
					return err
				}
				n++
				continue
			}
			if d.At.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Len returns the number of stored denials.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketDenials)
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}
