// Package store defines the storage backend contract for referral state.
//
// Backends mirror the ledger's in-memory state; they are never the source of
// truth while the process runs. Implementations live in sub-packages:
//
//   - yamlfile: a single YAML document rewritten atomically
//   - sqlite: embedded SQLite (WAL, single writer connection)
//   - postgres: networked relational store through gorm
//   - bolt: embedded bbolt key/value store
//
// # Layout
//
// Relational backends share one layout:
//
//	users(id, name, enabled, claimed, seq, referred_by, first_engagement)
//	confirmed_edges(referrer_id, referred_id, confirmed_seq, confirmed_at)
//	pending_edges(referrer_id, referred_id, created_at)
//	user_addresses(user_id, address)
//
// All times are stored as Unix milliseconds. Confirmed edges carry the
// sequence that defines claim order, so every backend reloads them in the
// order they were confirmed.
package store
