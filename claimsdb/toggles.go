package claimsdb

import (
	"context"
	"database/sql"
	"fmt"
)

// Integration toggle codes.
const (
	ToggleDeltaPoll  = "dhpo.client.getNewEnabled"
	ToggleSearchPoll = "dhpo.search.enabled"
	ToggleAck        = "dhpo.setDownloaded.enabled"
)

// ToggleEnabled reports whether an integration toggle is on. A missing row
// means off.
func (s *Store) ToggleEnabled(ctx context.Context, code string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM integration_toggle WHERE code = ?`, code).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("toggle %s: %w", code, err)
	}
	return enabled == 1, nil
}

// SetToggle creates or updates an integration toggle.
func (s *Store) SetToggle(ctx context.Context, code string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_toggle (code, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			enabled = excluded.enabled, updated_at = excluded.updated_at`,
		code, v, now())
	if err != nil {
		return fmt.Errorf("set toggle %s: %w", code, err)
	}
	return nil
}
