package db

import (
	"context"
	"fmt"
	"time"
)

// Registration is one entry in the registration history.
type Registration struct {
	ID        int64     `json:"id"`
	ProfileID int64     `json:"-"`
	Event     string    `json:"event"`
	UUID      uint32    `json:"uuid"`
	Flags     uint32    `json:"flags"`
	Address   uint8     `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// RegistrationStore records discovery events. It is a log only: the
// controller's registry is never rebuilt from it.
type RegistrationStore interface {
	Append(ctx context.Context, r *Registration) error
	List(ctx context.Context, profileID int64, limit int) ([]*Registration, error)
}

// Registrations returns a RegistrationStore for this database.
func (db *DB) Registrations() RegistrationStore {
	return &registrationStore{db: db}
}

type registrationStore struct {
	db *DB
}

func (s *registrationStore) Append(ctx context.Context, r *Registration) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (profile_id, event, uuid, flags, address)
		VALUES (?, ?, ?, ?, ?)
	`, r.ProfileID, r.Event, r.UUID, r.Flags, r.Address)
	if err != nil {
		return fmt.Errorf("failed to append registration: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// List returns the newest entries first.
func (s *registrationStore) List(ctx context.Context, profileID int64, limit int) ([]*Registration, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, event, uuid, flags, address, created_at
		FROM registrations WHERE profile_id = ?
		ORDER BY id DESC LIMIT ?
	`, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var regs []*Registration
	for rows.Next() {
		r := &Registration{}
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.Event, &r.UUID, &r.Flags, &r.Address, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		regs = append(regs, r)
	}
	return regs, rows.Err()
}
