package app

import (
	"fmt"

	"github.com/roach88/referra/internal/config"
	"github.com/roach88/referra/internal/store"
	"github.com/roach88/referra/internal/store/bolt"
	"github.com/roach88/referra/internal/store/postgres"
	"github.com/roach88/referra/internal/store/sqlite"
	"github.com/roach88/referra/internal/store/yamlfile"
)

// NewBackend builds the configured backend. It is not initialized.
func NewBackend(cfg config.Config) (store.Backend, error) {
	kind, err := store.ParseKind(cfg.Database.Type)
	if err != nil {
		return nil, err
	}
	return NewBackendOfKind(cfg, kind)
}

// NewBackendOfKind builds a backend of the given kind using cfg's settings
// for it, regardless of database.type.
func NewBackendOfKind(cfg config.Config, kind store.Kind) (store.Backend, error) {
	db := cfg.Database
	switch kind {
	case store.KindFile:
		return yamlfile.New(db.File.Path), nil
	case store.KindSQLite:
		return sqlite.New(db.SQLite.Path), nil
	case store.KindBolt:
		return bolt.New(db.Bolt.Path, nil), nil
	case store.KindPostgres:
		pg := db.Postgres
		return postgres.New(postgres.Options{
			Host:           pg.Host,
			Port:           pg.Port,
			Database:       pg.Database,
			User:           pg.User,
			Password:       pg.Password,
			SSLMode:        pg.SSLMode,
			MaxPoolSize:    pg.MaxPoolSize,
			ConnectTimeout: msToDuration(pg.ConnectTimeoutMS),
			OpTimeout:      cfg.OpTimeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", kind)
	}
}
