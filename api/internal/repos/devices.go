package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

const deviceColumns = `device_id, installation_id, branch_id, terminal_code, COALESCE(display_name, ''), status, last_seen_at, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (models.Device, error) {
	var d models.Device
	err := row.Scan(&d.DeviceID, &d.InstallationID, &d.BranchID, &d.TerminalCode, &d.DisplayName, &d.Status, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt)
	return d, mapErr(err)
}

func (t *pgTx) GetDevice(ctx context.Context, deviceID uuid.UUID) (models.Device, error) {
	return scanDevice(t.db.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE device_id = $1
	`, deviceID))
}

func (t *pgTx) FindDeviceByTerminal(ctx context.Context, branchID uuid.UUID, terminalCode string) (models.Device, error) {
	return scanDevice(t.db.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE branch_id = $1 AND upper(terminal_code) = upper($2)
	`, branchID, terminalCode))
}

func (t *pgTx) UpsertDevice(ctx context.Context, device models.Device) (models.Device, error) {
	now, err := t.Now(ctx)
	if err != nil {
		return models.Device{}, err
	}
	return scanDevice(t.db.QueryRow(ctx, `
		INSERT INTO devices (device_id, installation_id, branch_id, terminal_code, display_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (device_id) DO UPDATE
		SET installation_id = EXCLUDED.installation_id,
			branch_id = EXCLUDED.branch_id,
			terminal_code = EXCLUDED.terminal_code,
			display_name = EXCLUDED.display_name,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING `+deviceColumns+`
	`, device.DeviceID, device.InstallationID, device.BranchID, device.TerminalCode, nullIfEmpty(device.DisplayName), device.Status, now))
}

func (t *pgTx) SetDeviceStatus(ctx context.Context, deviceID uuid.UUID, status string, at time.Time) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE devices SET status = $2, updated_at = $3 WHERE device_id = $1
	`, deviceID, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) TouchDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE devices SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2) WHERE device_id = $1
	`, deviceID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetActiveKey(ctx context.Context, deviceID uuid.UUID) (models.DeviceKey, error) {
	var k models.DeviceKey
	err := t.db.QueryRow(ctx, `
		SELECT device_id, key_version, secret, is_active, created_at, deactivated_at
		FROM device_keys
		WHERE device_id = $1 AND is_active
		FOR SHARE
	`, deviceID).Scan(&k.DeviceID, &k.KeyVersion, &k.Secret, &k.IsActive, &k.CreatedAt, &k.DeactivatedAt)
	return k, mapErr(err)
}

func (t *pgTx) DeactivateKeys(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	_, err := t.db.Exec(ctx, `
		UPDATE device_keys
		SET is_active = FALSE, deactivated_at = $2
		WHERE device_id = $1 AND is_active
	`, deviceID, at)
	return err
}

func (t *pgTx) MaxKeyVersion(ctx context.Context, deviceID uuid.UUID) (int, error) {
	var v int
	err := t.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(key_version), 0) FROM device_keys WHERE device_id = $1
	`, deviceID).Scan(&v)
	return v, err
}

func (t *pgTx) InsertKey(ctx context.Context, key models.DeviceKey) error {
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return err
		}
		createdAt = now
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO device_keys (device_id, key_version, secret, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key.DeviceID, key.KeyVersion, key.Secret, key.IsActive, createdAt)
	return mapErr(err)
}
