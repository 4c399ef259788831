// Package users provides the persisted user model and its PostgreSQL store.
package users

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// User is one accepted upload record.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Age       int       `json:"age"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a user store over an open database handle.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("users: database connection is required")
	}

	return &PostgresStore{db: db}, nil
}

// BulkInsert writes one batch inside a single transaction. Either every
// record in the batch commits or none does; a unique-email conflict with
// already stored data fails the whole batch.
func (s *PostgresStore) BulkInsert(ctx context.Context, batch []User) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("users: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (name, email, age)
		VALUES ($1, $2, $3)
	`)
	if err != nil {
		return fmt.Errorf("users: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range batch {
		if _, err := stmt.ExecContext(ctx, u.Name, u.Email, u.Age); err != nil {
			return fmt.Errorf("users: failed to insert %q: %w", u.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("users: failed to commit batch: %w", err)
	}

	return nil
}

// Count returns the number of stored users.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("users: count failed: %w", err)
	}
	return count, nil
}

// Ping checks the health of the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("users: ping failed: %w", err)
	}
	return nil
}
