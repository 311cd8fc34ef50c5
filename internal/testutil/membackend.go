package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

// MemBackend is an in-memory store.Backend with failure injection.
//
// Operation names for Fail are the method names in snake case:
// "initialize", "load_all", "save_record", "save_all",
// "save_first_engagement", "save_address".
type MemBackend struct {
	mu              sync.Mutex
	kind            store.Kind
	initialized     bool
	closed          int
	records         map[referral.UserID]referral.Record
	firstEngagement map[referral.UserID]time.Time
	addresses       map[referral.UserID]string
	failures        map[string]error
	calls           map[string]int
	gate            chan struct{}
}

// NewMemBackend returns an empty backend reporting kind.
func NewMemBackend(kind store.Kind) *MemBackend {
	if kind == "" {
		kind = store.KindFile
	}
	return &MemBackend{
		kind:            kind,
		records:         make(map[referral.UserID]referral.Record),
		firstEngagement: make(map[referral.UserID]time.Time),
		addresses:       make(map[referral.UserID]string),
		failures:        make(map[string]error),
		calls:           make(map[string]int),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (m *MemBackend) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Block makes writes wait until Unblock is called.
func (m *MemBackend) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// Unblock releases writes held by Block.
func (m *MemBackend) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Calls returns how many times op was invoked, failed or not.
func (m *MemBackend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Closed returns how many times Close was called.
func (m *MemBackend) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stored returns the persisted copy of a record.
func (m *MemBackend) Stored(id referral.UserID) (referral.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return referral.Record{}, false
	}
	return rec.Clone(), true
}

// Put seeds a record as if it had been saved earlier.
func (m *MemBackend) Put(rec referral.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
}

// StoredAddress returns the persisted address of a user.
func (m *MemBackend) StoredAddress(id referral.UserID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.addresses[id]
	return a, ok
}

// StoredFirstEngagement returns the persisted first engagement of a user.
func (m *MemBackend) StoredFirstEngagement(id referral.UserID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.firstEngagement[id]
	return t, ok
}

// begin records the call and returns the injected error, waiting first if
// writes are blocked.
func (m *MemBackend) begin(op string, write bool) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if write && gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err := m.failures[op]; err != nil {
		return err
	}
	if op != "initialize" && !m.initialized {
		return store.ErrNotInitialized
	}
	return nil
}

// Initialize implements store.Backend.
func (m *MemBackend) Initialize(ctx context.Context) error {
	if err := m.begin("initialize", false); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

// LoadAll implements store.Backend.
func (m *MemBackend) LoadAll(ctx context.Context) (*store.Snapshot, error) {
	if err := m.begin("load_all", false); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := store.NewSnapshot()
	for _, rec := range m.records {
		snap.Records = append(snap.Records, rec.Clone())
	}
	for id, at := range m.firstEngagement {
		snap.FirstEngagement[id] = at
	}
	for id, a := range m.addresses {
		snap.Addresses[id] = a
	}
	snap.Finish()
	return snap, nil
}

// SaveRecord implements store.Backend.
func (m *MemBackend) SaveRecord(ctx context.Context, rec referral.Record) error {
	if err := m.begin("save_record", true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	return nil
}

// SaveAll implements store.Backend.
func (m *MemBackend) SaveAll(ctx context.Context, recs []referral.Record) error {
	if err := m.begin("save_all", true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.records[rec.ID] = rec.Clone()
	}
	return nil
}

// SaveFirstEngagement implements store.Backend.
func (m *MemBackend) SaveFirstEngagement(ctx context.Context, id referral.UserID, at time.Time) error {
	if err := m.begin("save_first_engagement", true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstEngagement[id] = at
	return nil
}

// SaveAddress implements store.Backend.
func (m *MemBackend) SaveAddress(ctx context.Context, id referral.UserID, address string) error {
	if err := m.begin("save_address", true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses[id] = address
	return nil
}

// Close implements store.Backend.
func (m *MemBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	m.initialized = false
	return nil
}

// Kind implements store.Backend.
func (m *MemBackend) Kind() store.Kind {
	return m.kind
}

var _ store.Backend = (*MemBackend)(nil)
