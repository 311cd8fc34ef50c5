// Package yamlfile stores referral state in a single YAML document.
//
// The whole document is rewritten on every save through a temporary file
// and a rename, so a crash leaves either the old or the new document.
package yamlfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

type confirmedDoc struct {
	ID  string `yaml:"id"`
	Seq int64  `yaml:"seq"`
	At  int64  `yaml:"at"`
}

type userDoc struct {
	Name       string           `yaml:"name"`
	Seq        int64            `yaml:"seq"`
	Enabled    bool             `yaml:"enabled"`
	Claimed    bool             `yaml:"claimed"`
	ReferredBy string           `yaml:"referred_by,omitempty"`
	Confirmed  []confirmedDoc   `yaml:"confirmed"`
	Pending    map[string]int64 `yaml:"pending"`
}

type document struct {
	Users           map[string]*userDoc `yaml:"users"`
	FirstEngagement map[string]int64    `yaml:"first_engagement"`
	Addresses       map[string]string   `yaml:"addresses"`
}

func newDocument() *document {
	return &document{
		Users:           map[string]*userDoc{},
		FirstEngagement: map[string]int64{},
		Addresses:       map[string]string{},
	}
}

// Backend is a YAML-file store.Backend.
type Backend struct {
	path string

	mu  sync.Mutex
	doc *document
}

var _ store.Backend = (*Backend)(nil)

// New returns a backend for the document at path.
func New(path string) *Backend {
	return &Backend{path: path}
}

// Kind implements store.Backend.
func (b *Backend) Kind() store.Kind {
	return store.KindFile
}

// Initialize creates the directory and an empty document if needed, then
// reads the document into memory.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.doc != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	doc, err := readDocument(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		doc = newDocument()
		if err := writeDocument(b.path, doc); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	b.doc = doc
	return nil
}

// LoadAll implements store.Backend.
func (b *Backend) LoadAll(ctx context.Context) (*store.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.doc == nil {
		return nil, store.ErrNotInitialized
	}

	snap := store.NewSnapshot()
	for id, u := range b.doc.Users {
		rec := referral.NewRecord(referral.UserID(id), u.Name, u.Seq)
		rec.Enabled = u.Enabled
		rec.ClaimedPayout = u.Claimed
		rec.ReferredBy = referral.UserID(u.ReferredBy)
		for _, c := range u.Confirmed {
			rec.Confirmed = append(rec.Confirmed, referral.ConfirmedReferral{
				User:        referral.UserID(c.ID),
				Seq:         c.Seq,
				ConfirmedAt: store.FromMillis(c.At),
			})
		}
		for pid, at := range u.Pending {
			rec.Pending[referral.UserID(pid)] = store.FromMillis(at)
		}
		snap.Records = append(snap.Records, *rec)
	}
	for id, at := range b.doc.FirstEngagement {
		snap.FirstEngagement[referral.UserID(id)] = store.FromMillis(at)
	}
	for id, addr := range b.doc.Addresses {
		snap.Addresses[referral.UserID(id)] = addr
	}
	snap.Finish()
	return snap, nil
}

// SaveRecord implements store.Backend.
func (b *Backend) SaveRecord(ctx context.Context, rec referral.Record) error {
	return b.update(func(doc *document) {
		doc.Users[string(rec.ID)] = toDoc(rec)
	})
}

// SaveAll implements store.Backend.
func (b *Backend) SaveAll(ctx context.Context, recs []referral.Record) error {
	return b.update(func(doc *document) {
		for _, rec := range recs {
			doc.Users[string(rec.ID)] = toDoc(rec)
		}
	})
}

// SaveFirstEngagement implements store.Backend.
func (b *Backend) SaveFirstEngagement(ctx context.Context, id referral.UserID, at time.Time) error {
	return b.update(func(doc *document) {
		doc.FirstEngagement[string(id)] = store.ToMillis(at)
	})
}

// SaveAddress implements store.Backend.
func (b *Backend) SaveAddress(ctx context.Context, id referral.UserID, address string) error {
	return b.update(func(doc *document) {
		doc.Addresses[string(id)] = address
	})
}

// Close drops the in-memory document. The file on disk is already current.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doc = nil
	return nil
}

func (b *Backend) update(fn func(doc *document)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.doc == nil {
		return store.ErrNotInitialized
	}
	fn(b.doc)
	return writeDocument(b.path, b.doc)
}

func toDoc(rec referral.Record) *userDoc {
	u := &userDoc{
		Name:       rec.Name,
		Seq:        rec.Seq,
		Enabled:    rec.Enabled,
		Claimed:    rec.ClaimedPayout,
		ReferredBy: string(rec.ReferredBy),
		Confirmed:  make([]confirmedDoc, 0, len(rec.Confirmed)),
		Pending:    make(map[string]int64, len(rec.Pending)),
	}
	for _, c := range rec.Confirmed {
		u.Confirmed = append(u.Confirmed, confirmedDoc{ID: string(c.User), Seq: c.Seq, At: store.ToMillis(c.ConfirmedAt)})
	}
	for id, at := range rec.Pending {
		u.Pending[string(id)] = store.ToMillis(at)
	}
	return u
}

func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc := newDocument()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// sections absent from the file decode as nil
	if doc.Users == nil {
		doc.Users = map[string]*userDoc{}
	}
	if doc.FirstEngagement == nil {
		doc.FirstEngagement = map[string]int64{}
	}
	if doc.Addresses == nil {
		doc.Addresses = map[string]string{}
	}
	for _, u := range doc.Users {
		if u.Pending == nil {
			u.Pending = map[string]int64{}
		}
	}
	return doc, nil
}

func writeDocument(path string, doc *document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
