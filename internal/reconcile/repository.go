package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trailside/yetilink/pkg/models"
	"github.com/trailside/yetilink/pkg/plugin"
)

// ErrNotFound is returned when a device is absent from the store.
var ErrNotFound = errors.New("device not found")

// DeviceRepository persists paired devices so the daemon rehydrates its
// device table across restarts.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository creates a repository over an already-migrated store.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// migrations returns the reconcile module's schema.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create reconcile_devices",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE reconcile_devices (
						id             TEXT PRIMARY KEY,
						name           TEXT NOT NULL DEFAULT '',
						transport_mode TEXT NOT NULL,
						fields         TEXT NOT NULL DEFAULT '{}',
						last_sync_at   DATETIME,
						generation     INTEGER NOT NULL DEFAULT 0,
						paired_at      DATETIME NOT NULL
					)
				`)
				return err
			},
		},
	}
}

const deviceColumns = `id, name, transport_mode, fields, last_sync_at, generation, paired_at`

// Upsert inserts or replaces a device row.
func (r *DeviceRepository) Upsert(ctx context.Context, d *models.Device) error {
	fieldsJSON, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encode device fields: %w", err)
	}
	if d.Fields == nil {
		fieldsJSON = []byte("{}")
	}

	var lastSync any
	if !d.LastSyncAt.IsZero() {
		lastSync = d.LastSyncAt.UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reconcile_devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			transport_mode = excluded.transport_mode,
			fields = excluded.fields,
			last_sync_at = excluded.last_sync_at,
			generation = excluded.generation,
			paired_at = excluded.paired_at`,
		d.ID, d.Name, string(d.TransportMode), string(fieldsJSON),
		lastSync, d.Generation, d.PairedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", d.ID, err)
	}
	return nil
}

// Get returns a single device by ID.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM reconcile_devices WHERE id = ?`, id)
	d, err := scanDevice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", id, err)
	}
	return d, nil
}

// List returns every persisted device ordered by ID.
func (r *DeviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM reconcile_devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Delete removes a device row.
func (r *DeviceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM reconcile_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(scan func(dest ...any) error) (*models.Device, error) {
	var d models.Device
	var mode, fieldsJSON string
	var lastSync sql.NullTime
	var pairedAt time.Time
	if err := scan(&d.ID, &d.Name, &mode, &fieldsJSON, &lastSync, &d.Generation, &pairedAt); err != nil {
		return nil, err
	}
	d.TransportMode = models.TransportMode(mode)
	d.PairedAt = pairedAt.UTC()
	if lastSync.Valid {
		d.LastSyncAt = lastSync.Time.UTC()
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &d.Fields); err != nil {
		d.Fields = models.Fields{}
	}
	return &d, nil
}
