package factory

import (
	"errors"
	"strings"

	"github.com/loykin/procyard/internal/store"
	pg "github.com/loykin/procyard/internal/store/postgres"
	sq "github.com/loykin/procyard/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		db, err := pg.New(d)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	if strings.HasPrefix(ld, "sqlite://") {
		d = d[len("sqlite://"):]
	}
	db, err := sq.New(d)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Kind reports which backend NewFromDSN would pick.
func Kind(dsn string) string {
	ld := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}
