// Package bolt stores referral state in an embedded bbolt database, one JSON
// document per user.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

var (
	bucketUsers           = []byte("users")
	bucketFirstEngagement = []byte("first_engagement")
	bucketAddresses       = []byte("addresses")
)

type confirmedDoc struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
	At  int64  `json:"at"`
}

type userDoc struct {
	Name       string           `json:"name"`
	Seq        int64            `json:"seq"`
	Enabled    bool             `json:"enabled"`
	Claimed    bool             `json:"claimed"`
	ReferredBy string           `json:"referredBy,omitempty"`
	Confirmed  []confirmedDoc   `json:"confirmed"`
	Pending    map[string]int64 `json:"pending"`
}

// Backend is a bbolt-backed store.Backend.
type Backend struct {
	path    string
	options *bbolt.Options
	db      *bbolt.DB
}

var _ store.Backend = (*Backend)(nil)

// New returns a backend for the database file at path. A nil options uses a
// one-second lock timeout.
func New(path string, options *bbolt.Options) *Backend {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	return &Backend{path: path, options: options}
}

// Kind implements store.Backend.
func (b *Backend) Kind() store.Kind {
	return store.KindBolt
}

// Initialize opens the file and creates the buckets.
func (b *Backend) Initialize(ctx context.Context) error {
	if b.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db, err := bbolt.Open(b.path, 0o600, b.options)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketUsers, bucketFirstEngagement, bucketAddresses} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("create buckets: %w", err)
	}
	b.db = db
	return nil
}

// Close releases the file lock. Safe to call more than once.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// LoadAll implements store.Backend.
func (b *Backend) LoadAll(ctx context.Context) (*store.Snapshot, error) {
	if b.db == nil {
		return nil, store.ErrNotInitialized
	}
	snap := store.NewSnapshot()
	err := b.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var doc userDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode user %s: %w", k, err)
			}
			snap.Records = append(snap.Records, fromDoc(referral.UserID(k), doc))
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFirstEngagement).ForEach(func(k, v []byte) error {
			ms, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return fmt.Errorf("decode first engagement %s: %w", k, err)
			}
			snap.FirstEngagement[referral.UserID(k)] = store.FromMillis(ms)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketAddresses).ForEach(func(k, v []byte) error {
			snap.Addresses[referral.UserID(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	snap.Finish()
	return snap, nil
}

// SaveRecord implements store.Backend.
func (b *Backend) SaveRecord(ctx context.Context, rec referral.Record) error {
	return b.SaveAll(ctx, []referral.Record{rec})
}

// SaveAll implements store.Backend.
func (b *Backend) SaveAll(ctx context.Context, recs []referral.Record) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketUsers)
		for _, rec := range recs {
			payload, err := json.Marshal(toDoc(rec))
			if err != nil {
				return fmt.Errorf("encode user %s: %w", rec.ID, err)
			}
			if err := bucket.Put([]byte(rec.ID), payload); err != nil {
				return fmt.Errorf("write user %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// SaveFirstEngagement implements store.Backend.
func (b *Backend) SaveFirstEngagement(ctx context.Context, id referral.UserID, at time.Time) error {
	return b.put(bucketFirstEngagement, id, []byte(strconv.FormatInt(store.ToMillis(at), 10)))
}

// SaveAddress implements store.Backend.
func (b *Backend) SaveAddress(ctx context.Context, id referral.UserID, address string) error {
	return b.put(bucketAddresses, id, []byte(address))
}

func (b *Backend) put(bucket []byte, id referral.UserID, value []byte) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), value)
	}); err != nil {
		return fmt.Errorf("write %s %s: %w", bucket, id, err)
	}
	return nil
}

func toDoc(rec referral.Record) userDoc {
	doc := userDoc{
		Name:       rec.Name,
		Seq:        rec.Seq,
		Enabled:    rec.Enabled,
		Claimed:    rec.ClaimedPayout,
		ReferredBy: string(rec.ReferredBy),
		Confirmed:  make([]confirmedDoc, 0, len(rec.Confirmed)),
		Pending:    make(map[string]int64, len(rec.Pending)),
	}
	for _, c := range rec.Confirmed {
		doc.Confirmed = append(doc.Confirmed, confirmedDoc{ID: string(c.User), Seq: c.Seq, At: store.ToMillis(c.ConfirmedAt)})
	}
	for id, at := range rec.Pending {
		doc.Pending[string(id)] = store.ToMillis(at)
	}
	return doc
}

func fromDoc(id referral.UserID, doc userDoc) referral.Record {
	rec := referral.NewRecord(id, doc.Name, doc.Seq)
	rec.Enabled = doc.Enabled
	rec.ClaimedPayout = doc.Claimed
	rec.ReferredBy = referral.UserID(doc.ReferredBy)
	for _, c := range doc.Confirmed {
		rec.Confirmed = append(rec.Confirmed, referral.ConfirmedReferral{
			User:        referral.UserID(c.ID),
			Seq:         c.Seq,
			ConfirmedAt: store.FromMillis(c.At),
		})
	}
	for pid, at := range doc.Pending {
		rec.Pending[referral.UserID(pid)] = store.FromMillis(at)
	}
	return *rec
}
