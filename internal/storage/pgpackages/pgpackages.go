package pgpackages

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

type Storage struct {
	db *pgxpool.Pool
}

// New connects and brings the schema up to date.
func New(connString string) (*Storage, error) {
	if err := Migrate(connString); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "pg ping")
}

// SQLDB exposes the pool through database/sql for repositories that are
// written against it.
func (s *Storage) SQLDB() *sql.DB {
	return stdlib.OpenDBFromPool(s.db)
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
