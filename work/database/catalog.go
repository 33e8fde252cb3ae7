package database

import (
	"encoding/json"
	"fmt"

	"stepzz-proxy/work/types"
)

// SaveCatalog replaces the stored snapshot with channels, preserving order.
func (db *DB) SaveCatalog(channels []types.Channel) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM catalog_channels"); err != nil {
		return fmt.Errorf("failed to clear catalog: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO catalog_channels (position, id, name, tags, logo, locator) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare catalog insert: %w", err)
	}
	defer stmt.Close()

	for i, ch := range channels {
		tags, err := json.Marshal(ch.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags for %s: %w", ch.ID, err)
		}
		if _, err := stmt.Exec(i, ch.ID, ch.Name, string(tags), ch.Logo, ch.Locator); err != nil {
			return fmt.Errorf("failed to insert channel %s: %w", ch.ID, err)
		}
	}

	return tx.Commit()
}

// LoadCatalog returns the stored snapshot in its original order.
func (db *DB) LoadCatalog() ([]types.Channel, error) {
	rows, err := db.Query("SELECT id, name, tags, logo, locator FROM catalog_channels ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	defer rows.Close()

	var channels []types.Channel
	for rows.Next() {
		var ch types.Channel
		var tags string
		if err := rows.Scan(&ch.ID, &ch.Name, &tags, &ch.Logo, &ch.Locator); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &ch.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", ch.ID, err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}
