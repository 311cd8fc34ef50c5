package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

// LoadAll reads every user, edge, first-engagement time and address.
func (b *Backend) LoadAll(ctx context.Context) (*store.Snapshot, error) {
	if b.db == nil {
		return nil, store.ErrNotInitialized
	}

	snap := store.NewSnapshot()
	byID := make(map[referral.UserID]int)

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, enabled, claimed, seq, referred_by, first_engagement
		FROM users
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	for rows.Next() {
		var (
			id, name   string
			enabled    bool
			claimed    bool
			seq        int64
			referredBy sql.NullString
			firstMs    sql.NullInt64
		)
		if err := rows.Scan(&id, &name, &enabled, &claimed, &seq, &referredBy, &firstMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user: %w", err)
		}
		rec := referral.NewRecord(referral.UserID(id), name, seq)
		rec.Enabled = enabled
		rec.ClaimedPayout = claimed
		rec.ReferredBy = referral.UserID(referredBy.String)
		byID[rec.ID] = len(snap.Records)
		snap.Records = append(snap.Records, *rec)
		if firstMs.Valid {
			snap.FirstEngagement[rec.ID] = store.FromMillis(firstMs.Int64)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}

	rows, err = b.db.QueryContext(ctx, `
		SELECT referrer_id, referred_id, confirmed_seq, confirmed_at
		FROM confirmed_edges
		ORDER BY referrer_id ASC, confirmed_seq ASC, referred_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query confirmed edges: %w", err)
	}
	for rows.Next() {
		var (
			referrer, referred string
			seq, atMs          int64
		)
		if err := rows.Scan(&referrer, &referred, &seq, &atMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan confirmed edge: %w", err)
		}
		i, ok := byID[referral.UserID(referrer)]
		if !ok {
			continue
		}
		snap.Records[i].Confirmed = append(snap.Records[i].Confirmed, referral.ConfirmedReferral{
			User:        referral.UserID(referred),
			Seq:         seq,
			ConfirmedAt: store.FromMillis(atMs),
		})
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("query confirmed edges: %w", err)
	}

	rows, err = b.db.QueryContext(ctx, "SELECT referrer_id, referred_id, created_at FROM pending_edges")
	if err != nil {
		return nil, fmt.Errorf("query pending edges: %w", err)
	}
	for rows.Next() {
		var (
			referrer, referred string
			atMs               int64
		)
		if err := rows.Scan(&referrer, &referred, &atMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending edge: %w", err)
		}
		i, ok := byID[referral.UserID(referrer)]
		if !ok {
			continue
		}
		snap.Records[i].Pending[referral.UserID(referred)] = store.FromMillis(atMs)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("query pending edges: %w", err)
	}

	rows, err = b.db.QueryContext(ctx, "SELECT user_id, address FROM user_addresses")
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	for rows.Next() {
		var id, address string
		if err := rows.Scan(&id, &address); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan address: %w", err)
		}
		snap.Addresses[referral.UserID(id)] = address
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}

	snap.Finish()
	return snap, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}
