package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/soochol/exectrack/internal/db"
)

// PostgresStore is a KeyValueStore over the kv_store table. Values must be
// JSON documents because the column is JSONB.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore connects to databaseURL and runs migrations.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	database, err := db.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return &PostgresStore{db: database}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.db.GetValue(ctx, key)
	if errors.Is(err, db.ErrNoValue) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, err
}

func (s *PostgresStore) Update(ctx context.Context, key string, value []byte) error {
	return s.db.PutValue(ctx, key, value)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
