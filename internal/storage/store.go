// Package storage persists per-device sync state so an assumed-state restart
// can present the previous command and group colors.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CommandState is the last zen command published for a device.
type CommandState struct {
	Color string `json:"colour"` // 6-digit lowercase hex
	Level int    `json:"level"`  // discrete brightness level, 0 = none attached
}

// GroupState is one group's last known output. A nil entry means the group
// had no resolvable input ("unknown", not "commanded off").
type GroupState struct {
	Color      string `json:"colour"`
	Brightness int    `json:"brightness"`
}

// DeviceState is the full persisted snapshot for one device.
type DeviceState struct {
	Command *CommandState `json:"command,omitempty"`
	Groups  []*GroupState `json:"groups,omitempty"`
}

// Store reads and writes device state rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save upserts the snapshot for a device.
func (s *Store) Save(device string, state *DeviceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal device state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO device_state (device, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, device, string(data), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to save device state: %w", err)
	}
	return nil
}

// Load returns the stored snapshot for a device, or nil when none exists.
func (s *Store) Load(device string) (*DeviceState, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM device_state WHERE device = ?`, device).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device state: %w", err)
	}

	var state DeviceState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device state: %w", err)
	}
	return &state, nil
}

// Delete removes a device's snapshot.
func (s *Store) Delete(device string) error {
	if _, err := s.db.Exec(`DELETE FROM device_state WHERE device = ?`, device); err != nil {
		return fmt.Errorf("failed to delete device state: %w", err)
	}
	return nil
}
