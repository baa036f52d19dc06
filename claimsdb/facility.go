package claimsdb

import (
	"context"
	"database/sql"
	"fmt"
)

// Facility is a DHPO integration account. Credentials are stored as
// AES-256-GCM ciphertext blobs; CryptoMeta holds the envelope metadata JSON.
type Facility struct {
	ID          int64
	Code        string
	Name        string
	EndpointURL string
	LoginCipher []byte
	PwdCipher   []byte
	CryptoMeta  string
	Active      bool
	CreatedAt   string
	UpdatedAt   string
}

// UpsertFacility creates or updates a facility by code. Credential fields
// are left untouched; use UpdateFacilityCredentials for those.
func (s *Store) UpsertFacility(ctx context.Context, f Facility) (int64, error) {
	active := 0
	if f.Active {
		active = 1
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO facility (code, name, endpoint_url, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			name         = excluded.name,
			endpoint_url = excluded.endpoint_url,
			active       = excluded.active,
			updated_at   = excluded.updated_at
		RETURNING id`,
		f.Code, f.Name, f.EndpointURL, active, now(), now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert facility %s: %w", f.Code, err)
	}
	return id, nil
}

// UpdateFacilityCredentials swaps the encrypted credential blobs and their
// envelope metadata in one statement (used on credential change and on key
// rotation).
func (s *Store) UpdateFacilityCredentials(ctx context.Context, code string, loginCipher, pwdCipher []byte, cryptoMeta string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE facility
		SET login_cipher = ?, pwd_cipher = ?, crypto_meta = ?, updated_at = ?
		WHERE code = ?`,
		loginCipher, pwdCipher, cryptoMeta, now(), code)
	if err != nil {
		return fmt.Errorf("update facility credentials %s: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("facility %s not found", code)
	}
	return nil
}

// GetFacility returns a facility by code. Returns nil, nil if not found.
func (s *Store) GetFacility(ctx context.Context, code string) (*Facility, error) {
	return scanFacility(s.db.QueryRowContext(ctx, facilityColumns+` WHERE code = ?`, code))
}

// ListActiveFacilities returns all facilities eligible for DHPO polling.
func (s *Store) ListActiveFacilities(ctx context.Context) ([]*Facility, error) {
	rows, err := s.db.QueryContext(ctx, facilityColumns+` WHERE active = 1 ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Facility
	for rows.Next() {
		f, err := scanFacilityRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const facilityColumns = `
	SELECT id, code, name, endpoint_url, login_cipher, pwd_cipher,
	       crypto_meta, active, created_at, updated_at
	FROM facility`

func scanFacility(row *sql.Row) (*Facility, error) {
	f := &Facility{}
	var active int
	err := row.Scan(&f.ID, &f.Code, &f.Name, &f.EndpointURL, &f.LoginCipher,
		&f.PwdCipher, &f.CryptoMeta, &active, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Active = active == 1
	return f, nil
}

func scanFacilityRows(rows *sql.Rows) (*Facility, error) {
	f := &Facility{}
	var active int
	err := rows.Scan(&f.ID, &f.Code, &f.Name, &f.EndpointURL, &f.LoginCipher,
		&f.PwdCipher, &f.CryptoMeta, &active, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Active = active == 1
	return f, nil
}
