package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/trailside/yetilink/pkg/models"
)

// NewDevice returns a Device with sensible defaults, suitable for test
// fixtures. Override individual fields after creation as needed.
func NewDevice(opts ...func(*models.Device)) models.Device {
	d := models.Device{
		ID:            "yeti-" + uuid.New().String()[:8],
		Name:          "Garage Yeti",
		TransportMode: models.TransportCloud,
		Fields: models.Fields{
			"socPercent": float64(82),
			"firmware":   "1.8.4",
		},
		LastSyncAt: time.Now().UTC(),
		Online:     true,
		PairedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithID sets the device's hardware identity.
func WithID(id string) func(*models.Device) {
	return func(d *models.Device) { d.ID = id }
}

// WithTransport sets the device's authoritative transport.
func WithTransport(m models.TransportMode) func(*models.Device) {
	return func(d *models.Device) { d.TransportMode = m }
}

// WithFields replaces the device's reported fields.
func WithFields(f models.Fields) func(*models.Device) {
	return func(d *models.Device) { d.Fields = f }
}

// WithLastSync sets the device's last liveness timestamp.
func WithLastSync(t time.Time) func(*models.Device) {
	return func(d *models.Device) { d.LastSyncAt = t }
}

// WithOnline sets the derived online flag.
func WithOnline(online bool) func(*models.Device) {
	return func(d *models.Device) { d.Online = online }
}

// StatusDelta builds a liveness-bearing delta for the device.
func StatusDelta(deviceID string, reported models.Fields, at time.Time) models.ShadowDelta {
	return models.ShadowDelta{
		DeviceID:        deviceID,
		Shadow:          models.ShadowStatus,
		Reported:        reported,
		SourceTimestamp: at,
		Transport:       models.TransportCloud,
	}
}

// ConfigDelta builds a configuration-only delta, which must never move
// liveness state.
func ConfigDelta(deviceID string, reported models.Fields) models.ShadowDelta {
	return models.ShadowDelta{
		DeviceID:  deviceID,
		Shadow:    models.ShadowConfig,
		Reported:  reported,
		Transport: models.TransportCloud,
	}
}
