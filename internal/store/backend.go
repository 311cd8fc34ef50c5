package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/referra/internal/referral"
)

// ErrNotInitialized is returned by backend operations called before Initialize.
var ErrNotInitialized = errors.New("store: backend not initialized")

// Kind names a storage backend.
type Kind string

const (
	KindFile     Kind = "file"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindBolt     Kind = "bolt"
)

// Kinds lists the supported backend kinds.
var Kinds = []Kind{KindFile, KindSQLite, KindPostgres, KindBolt}

// ParseKind resolves a configured backend name, ignoring case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "yml", "yaml":
		return KindFile, nil
	case "sqlite", "sqlite3":
		return KindSQLite, nil
	case "postgres", "postgresql":
		return KindPostgres, nil
	case "bolt", "bbolt":
		return KindBolt, nil
	default:
		return "", fmt.Errorf("unknown backend type %q: must be one of %v", s, Kinds)
	}
}

// Backend persists referral state. Implementations are called by a single
// writer goroutine plus load/close during startup, reload and shutdown.
//
// SaveRecord overwrites the record's full edge set; it never merges.
// Close must be safe after a failed or skipped Initialize, and safe twice.
type Backend interface {
	Initialize(ctx context.Context) error
	LoadAll(ctx context.Context) (*Snapshot, error)
	SaveRecord(ctx context.Context, rec referral.Record) error
	SaveAll(ctx context.Context, recs []referral.Record) error
	SaveFirstEngagement(ctx context.Context, id referral.UserID, at time.Time) error
	SaveAddress(ctx context.Context, id referral.UserID, address string) error
	Close() error
	Kind() Kind
}

// Snapshot is everything a backend holds.
type Snapshot struct {
	// Records are ordered by Seq, then ID.
	Records         []referral.Record
	ReferredBy      map[referral.UserID]referral.UserID
	FirstEngagement map[referral.UserID]time.Time
	Addresses       map[referral.UserID]string
}

// NewSnapshot returns an empty snapshot with non-nil maps.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Records:         []referral.Record{},
		ReferredBy:      make(map[referral.UserID]referral.UserID),
		FirstEngagement: make(map[referral.UserID]time.Time),
		Addresses:       make(map[referral.UserID]string),
	}
}

// Finish orders the records and derives the referred-by index from both the
// stored provenance and the outgoing edges.
func (s *Snapshot) Finish() {
	sort.SliceStable(s.Records, func(i, j int) bool {
		if s.Records[i].Seq != s.Records[j].Seq {
			return s.Records[i].Seq < s.Records[j].Seq
		}
		return s.Records[i].ID < s.Records[j].ID
	})
	for i := range s.Records {
		rec := &s.Records[i]
		rec.SortConfirmed()
		if rec.ReferredBy != "" {
			s.ReferredBy[rec.ID] = rec.ReferredBy
		}
		for _, id := range rec.Referred() {
			s.ReferredBy[id] = rec.ID
		}
	}
}

// MaxSeq returns the highest record or confirmation sequence in the snapshot.
func (s *Snapshot) MaxSeq() int64 {
	var max int64
	for _, rec := range s.Records {
		if rec.Seq > max {
			max = rec.Seq
		}
		for _, c := range rec.Confirmed {
			if c.Seq > max {
				max = c.Seq
			}
		}
	}
	return max
}

// ToMillis converts a time to the Unix-millisecond form every backend stores.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of ToMillis, in UTC.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
