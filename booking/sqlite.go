package booking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore reads bookings and user credentials from the reservation
// application's SQLite database. This service only queries; all writes
// happen in the booking application.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens the shared reservation database read-side.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open booking database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach booking database: %w", err)
	}

	logger.Info("Opened booking database", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// IsBookedAt reports whether identity holds the booking for slot. A query
// error is logged and treated as "not booked"; authorization fails closed.
func (s *SQLiteStore) IsBookedAt(ctx context.Context, identity string, slot int) (bool, error) {
	var booked bool
	err := s.db.QueryRowContext(ctx,
		"SELECT is_booked FROM slots WHERE id = ? AND booked_by = ?",
		slot, identity,
	).Scan(&booked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		s.logger.Error("Booking lookup failed", "identity", identity, "slot", slot, "error", err)
		return false, fmt.Errorf("booking lookup: %w", err)
	}
	return booked, nil
}

// PasswordHash returns the stored bcrypt hash for email, or sql.ErrNoRows
// wrapped if the user does not exist. Satisfies auth.CredentialStore.
func (s *SQLiteStore) PasswordHash(ctx context.Context, email string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT password_hash FROM users WHERE email = ?",
		email,
	).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("user lookup for %s: %w", email, err)
	}
	return hash, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
