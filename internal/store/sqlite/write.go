package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

// SaveRecord replaces the stored record and its outgoing edges.
func (b *Backend) SaveRecord(ctx context.Context, rec referral.Record) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return writeRecord(ctx, tx, rec)
	})
}

// SaveAll writes every record in one transaction.
func (b *Backend) SaveAll(ctx context.Context, recs []referral.Record) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := writeRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveFirstEngagement stores the first-engagement time, inserting a
// placeholder user row when the user has none yet.
func (b *Backend) SaveFirstEngagement(ctx context.Context, id referral.UserID, at time.Time) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO users (id, name, first_engagement) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_engagement = excluded.first_engagement
	`, string(id), referral.PlaceholderName, store.ToMillis(at))
	if err != nil {
		return fmt.Errorf("write first engagement %s: %w", id, err)
	}
	return nil
}

// SaveAddress stores the user's last-seen address.
func (b *Backend) SaveAddress(ctx context.Context, id referral.UserID, address string) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO user_addresses (user_id, address) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET address = excluded.address
	`, string(id), address)
	if err != nil {
		return fmt.Errorf("write address %s: %w", id, err)
	}
	return nil
}

func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// writeRecord upserts the user row, preserving first_engagement, then
// replaces both edge sets.
func writeRecord(ctx context.Context, tx *sql.Tx, rec referral.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, name, enabled, claimed, seq, referred_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			claimed = excluded.claimed,
			seq = excluded.seq,
			referred_by = excluded.referred_by
	`, string(rec.ID), rec.Name, rec.Enabled, rec.ClaimedPayout, rec.Seq, nullableID(rec.ReferredBy))
	if err != nil {
		return fmt.Errorf("write user %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM confirmed_edges WHERE referrer_id = ?", string(rec.ID)); err != nil {
		return fmt.Errorf("clear confirmed edges %s: %w", rec.ID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_edges WHERE referrer_id = ?", string(rec.ID)); err != nil {
		return fmt.Errorf("clear pending edges %s: %w", rec.ID, err)
	}

	for _, c := range rec.Confirmed {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO confirmed_edges (referrer_id, referred_id, confirmed_seq, confirmed_at)
			VALUES (?, ?, ?, ?)
		`, string(rec.ID), string(c.User), c.Seq, store.ToMillis(c.ConfirmedAt))
		if err != nil {
			return fmt.Errorf("write confirmed edge %s -> %s: %w", rec.ID, c.User, err)
		}
	}

	for id, at := range rec.Pending {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_edges (referrer_id, referred_id, created_at)
			VALUES (?, ?, ?)
		`, string(rec.ID), string(id), store.ToMillis(at))
		if err != nil {
			return fmt.Errorf("write pending edge %s -> %s: %w", rec.ID, id, err)
		}
	}

	return nil
}

func nullableID(id referral.UserID) sql.NullString {
	return sql.NullString{String: string(id), Valid: id != ""}
}
