// Package postgres stores referral state in a networked relational database
// through gorm. The driver owns connection pooling and networking.
package postgres

import (
	"context"
	"fmt"
	"time"

	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

// Options configures the connection.
type Options struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxPoolSize    int
	ConnectTimeout time.Duration
	// OpTimeout bounds every backend call. Zero means no extra bound.
	OpTimeout time.Duration
}

// DSN renders the libpq-style connection string.
func (o Options) DSN() string {
	sslmode := o.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		o.Host, o.Port, o.User, o.Password, o.Database, sslmode)
	if o.ConnectTimeout > 0 {
		secs := int(o.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		dsn += fmt.Sprintf(" connect_timeout=%d", secs)
	}
	return dsn
}

// Backend is a gorm-backed store.Backend.
type Backend struct {
	dialector gorm.Dialector
	poolSize  int
	opTimeout time.Duration

	db *gorm.DB
}

var _ store.Backend = (*Backend)(nil)

// New returns a backend that connects to PostgreSQL.
func New(opts Options) *Backend {
	b := NewWithDialector(pgdriver.Open(opts.DSN()), opts.MaxPoolSize)
	b.opTimeout = opts.OpTimeout
	return b
}

// NewWithDialector returns a backend over any gorm dialector.
func NewWithDialector(d gorm.Dialector, poolSize int) *Backend {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Backend{dialector: d, poolSize: poolSize}
}

// Kind implements store.Backend.
func (b *Backend) Kind() store.Kind {
	return store.KindPostgres
}

// Initialize connects, sizes the pool and migrates the tables.
func (b *Backend) Initialize(ctx context.Context) error {
	if b.db != nil {
		return nil
	}

	db, err := gorm.Open(b.dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(b.poolSize)
	sqlDB.SetMaxIdleConns(b.poolSize)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := b.opContext(ctx)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&userRow{}, &confirmedEdgeRow{}, &pendingEdgeRow{}, &addressRow{}); err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	b.db = db
	return nil
}

// Close releases the pool. Safe to call more than once.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	b.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadAll implements store.Backend.
func (b *Backend) LoadAll(ctx context.Context) (*store.Snapshot, error) {
	if b.db == nil {
		return nil, store.ErrNotInitialized
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	db := b.db.WithContext(ctx)

	var users []userRow
	if err := db.Order("seq ASC").Order("id ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	var confirmed []confirmedEdgeRow
	if err := db.Order("referrer_id ASC").Order("confirmed_seq ASC").Find(&confirmed).Error; err != nil {
		return nil, fmt.Errorf("query confirmed edges: %w", err)
	}
	var pending []pendingEdgeRow
	if err := db.Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("query pending edges: %w", err)
	}
	var addresses []addressRow
	if err := db.Find(&addresses).Error; err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}

	snap := store.NewSnapshot()
	byID := make(map[string]int, len(users))
	for _, u := range users {
		rec := referral.NewRecord(referral.UserID(u.ID), u.Name, u.Seq)
		rec.Enabled = u.Enabled
		rec.ClaimedPayout = u.Claimed
		if u.ReferredBy != nil {
			rec.ReferredBy = referral.UserID(*u.ReferredBy)
		}
		if u.FirstEngagement != nil {
			snap.FirstEngagement[rec.ID] = store.FromMillis(*u.FirstEngagement)
		}
		byID[u.ID] = len(snap.Records)
		snap.Records = append(snap.Records, *rec)
	}
	for _, e := range confirmed {
		i, ok := byID[e.ReferrerID]
		if !ok {
			continue
		}
		snap.Records[i].Confirmed = append(snap.Records[i].Confirmed, referral.ConfirmedReferral{
			User:        referral.UserID(e.ReferredID),
			Seq:         e.ConfirmedSeq,
			ConfirmedAt: store.FromMillis(e.ConfirmedAt),
		})
	}
	for _, e := range pending {
		i, ok := byID[e.ReferrerID]
		if !ok {
			continue
		}
		snap.Records[i].Pending[referral.UserID(e.ReferredID)] = store.FromMillis(e.CreatedAt)
	}
	for _, a := range addresses {
		snap.Addresses[referral.UserID(a.UserID)] = a.Address
	}

	snap.Finish()
	return snap, nil
}

// SaveRecord implements store.Backend.
func (b *Backend) SaveRecord(ctx context.Context, rec referral.Record) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return writeRecord(tx, rec)
	})
}

// SaveAll implements store.Backend.
func (b *Backend) SaveAll(ctx context.Context, recs []referral.Record) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range recs {
			if err := writeRecord(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveFirstEngagement implements store.Backend. A placeholder user row is
// created when the user has none.
func (b *Backend) SaveFirstEngagement(ctx context.Context, id referral.UserID, at time.Time) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	ms := store.ToMillis(at)
	row := userRow{ID: string(id), Name: referral.PlaceholderName, Enabled: true, FirstEngagement: &ms}
	err := b.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_engagement"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("write first engagement %s: %w", id, err)
	}
	return nil
}

// SaveAddress implements store.Backend.
func (b *Backend) SaveAddress(ctx context.Context, id referral.UserID, address string) error {
	if b.db == nil {
		return store.ErrNotInitialized
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	row := addressRow{UserID: string(id), Address: address}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("write address %s: %w", id, err)
	}
	return nil
}

func (b *Backend) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.opTimeout)
}

func writeRecord(tx *gorm.DB, rec referral.Record) error {
	row := userRow{
		ID:      string(rec.ID),
		Name:    rec.Name,
		Enabled: rec.Enabled,
		Claimed: rec.ClaimedPayout,
		Seq:     rec.Seq,
	}
	if rec.ReferredBy != "" {
		referredBy := string(rec.ReferredBy)
		row.ReferredBy = &referredBy
	}

	err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "enabled", "claimed", "seq", "referred_by"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("write user %s: %w", rec.ID, err)
	}

	if err := tx.Where("referrer_id = ?", row.ID).Delete(&confirmedEdgeRow{}).Error; err != nil {
		return fmt.Errorf("clear confirmed edges %s: %w", rec.ID, err)
	}
	if err := tx.Where("referrer_id = ?", row.ID).Delete(&pendingEdgeRow{}).Error; err != nil {
		return fmt.Errorf("clear pending edges %s: %w", rec.ID, err)
	}

	if len(rec.Confirmed) > 0 {
		confirmed := make([]confirmedEdgeRow, 0, len(rec.Confirmed))
		for _, c := range rec.Confirmed {
			confirmed = append(confirmed, confirmedEdgeRow{
				ReferrerID:   row.ID,
				ReferredID:   string(c.User),
				ConfirmedSeq: c.Seq,
				ConfirmedAt:  store.ToMillis(c.ConfirmedAt),
			})
		}
		if err := tx.Create(&confirmed).Error; err != nil {
			return fmt.Errorf("write confirmed edges %s: %w", rec.ID, err)
		}
	}

	if len(rec.Pending) > 0 {
		pending := make([]pendingEdgeRow, 0, len(rec.Pending))
		for id, at := range rec.Pending {
			pending = append(pending, pendingEdgeRow{
				ReferrerID: row.ID,
				ReferredID: string(id),
				CreatedAt:  store.ToMillis(at),
			})
		}
		if err := tx.Create(&pending).Error; err != nil {
			return fmt.Errorf("write pending edges %s: %w", rec.ID, err)
		}
	}

	return nil
}
