package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trailside/yetilink/pkg/models"
	"github.com/trailside/yetilink/pkg/plugin"
)

// ErrNoBaseline means no custom profile has been stored for the device.
var ErrNoBaseline = errors.New("no stored profile baseline")

// BaselineRepository persists each device's last known custom charge
// profile. It is the "last known good" the external-change detector
// compares reported profiles against.
type BaselineRepository struct {
	db *sql.DB
}

func NewBaselineRepository(db *sql.DB) *BaselineRepository {
	return &BaselineRepository{db: db}
}

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create command_profile_baselines",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE command_profile_baselines (
						device_id  TEXT PRIMARY KEY,
						min        INTEGER NOT NULL,
						max        INTEGER NOT NULL,
						re         INTEGER NOT NULL,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)
				`)
				return err
			},
		},
	}
}

// Save stores the device's custom profile, replacing any previous baseline.
func (r *BaselineRepository) Save(ctx context.Context, deviceID string, p models.ChargeProfile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO command_profile_baselines (device_id, min, max, re, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (device_id) DO UPDATE SET
			min = excluded.min,
			max = excluded.max,
			re = excluded.re,
			updated_at = excluded.updated_at`,
		deviceID, p.Min, p.Max, p.Re,
	)
	if err != nil {
		return fmt.Errorf("save profile baseline for %q: %w", deviceID, err)
	}
	return nil
}

// Get returns the device's stored custom profile.
func (r *BaselineRepository) Get(ctx context.Context, deviceID string) (models.ChargeProfile, error) {
	var p models.ChargeProfile
	err := r.db.QueryRowContext(ctx,
		`SELECT min, max, re FROM command_profile_baselines WHERE device_id = ?`,
		deviceID).Scan(&p.Min, &p.Max, &p.Re)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChargeProfile{}, ErrNoBaseline
	}
	if err != nil {
		return models.ChargeProfile{}, fmt.Errorf("load profile baseline for %q: %w", deviceID, err)
	}
	return p, nil
}

// Delete drops the device's baseline, used on unpair.
func (r *BaselineRepository) Delete(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM command_profile_baselines WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete profile baseline for %q: %w", deviceID, err)
	}
	return nil
}
