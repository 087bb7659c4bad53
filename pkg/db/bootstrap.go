package db

import (
	"context"
	"fmt"
)

// Bootstrap initializes the database with default data if it's empty.
// This is called after migrations and handles first-run setup.
func (db *DB) Bootstrap(ctx context.Context) error {
	// Check if any profiles exist
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check profiles: %w", err)
	}

	if count > 0 {
		return nil // Already bootstrapped
	}

	// First run - create defaults
	result, err := db.ExecContext(ctx, `
		INSERT INTO profiles (name, is_active)
		VALUES (?, 1)
	`, "default")
	if err != nil {
		return fmt.Errorf("failed to create default profile: %w", err)
	}

	profileID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get profile ID: %w", err)
	}

	return db.SeedProfile(ctx, profileID)
}

// SeedProfile stores the default API server and bus settings for a profile.
func (db *DB) SeedProfile(ctx context.Context, profileID int64) error {
	if err := db.APIServers().Save(ctx, &APIServer{ProfileID: profileID, Host: "0.0.0.0", Port: 8080}); err != nil {
		return fmt.Errorf("failed to create default API server: %w", err)
	}

	settings := DefaultBusSettings()
	settings.ProfileID = profileID
	if err := db.BusSettings().Save(ctx, &settings); err != nil {
		return fmt.Errorf("failed to create default bus settings: %w", err)
	}

	return nil
}

// NeedsBootstrap returns true if the database needs initial setup.
func (db *DB) NeedsBootstrap(ctx context.Context) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}
