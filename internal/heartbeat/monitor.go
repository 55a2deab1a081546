// Package heartbeat watches device liveness from the app side: it sweeps for
// silently stale devices, re-asserts app presence when the app returns to the
// foreground, and demotes cloud devices when internet connectivity is lost.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/trailside/yetilink/internal/reconcile"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"go.uber.org/zap"
)

// Config tunes the monitor. The staleness window itself lives in the
// reconciler; the sweep only decides how often to re-evaluate it.
type Config struct {
	// SettleDelay is the pause between a foreground event and the presence
	// re-assertion, long enough for the network stack to come back up.
	SettleDelay time.Duration

	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the production monitor windows.
func DefaultConfig() Config {
	return Config{
		SettleDelay:   2 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Monitor drives staleness sweeps and presence refreshes against the
// canonical device table.
type Monitor struct {
	logger     *zap.Logger
	reconciler *reconcile.Reconciler
	cloud      transport.Transport
	local      transport.Transport
	cfg        Config

	mu    sync.Mutex
	netUp bool
}

// NewMonitor creates a monitor. The network starts as up; the first failed
// probe demotes it.
func NewMonitor(cfg Config, rec *reconcile.Reconciler, cloud, local transport.Transport, logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:     logger,
		reconciler: rec,
		cloud:      cloud,
		local:      local,
		cfg:        cfg,
		netUp:      true,
	}
}

// Sweep re-evaluates liveness for every known device against the
// reconciler's staleness window. The reconciler only publishes actual
// transitions, so devices it already holds offline are a no-op.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, d := range m.reconciler.Devices() {
		m.reconciler.RecomputeLiveness(ctx, d.ID)
	}
}

// RefreshAll re-asserts presence and requests a fresh snapshot from every
// device, so the next deltas rebuild an up-to-date picture.
func (m *Monitor) RefreshAll(ctx context.Context) {
	for _, d := range m.reconciler.Devices() {
		m.refresh(ctx, d)
	}
}

func (m *Monitor) refresh(ctx context.Context, d *models.Device) {
	tr := m.transportFor(d)
	if tr == nil {
		return
	}

	if pa, ok := tr.(transport.PresenceAsserter); ok {
		if err := pa.AssertPresence(ctx, d.ID); err != nil {
			m.logger.Debug("assert presence",
				zap.String("device", d.ID),
				zap.Error(err),
			)
		}
	}
	if err := tr.ReadState(ctx, d.ID); err != nil {
		m.logger.Debug("request snapshot",
			zap.String("device", d.ID),
			zap.Error(err),
		)
	}
}

// HandleForeground runs a presence refresh after the settle delay. Blocks;
// callers run it on a goroutine. A cancelled context skips the refresh.
func (m *Monitor) HandleForeground(ctx context.Context) {
	if m.cfg.SettleDelay > 0 {
		select {
		case <-time.After(m.cfg.SettleDelay):
		case <-ctx.Done():
			return
		}
	}
	m.RefreshAll(ctx)
}

// SetNetworkUp records the probe result. Losing connectivity forces every
// cloud device offline immediately instead of waiting out the staleness
// window; regaining it triggers a refresh.
func (m *Monitor) SetNetworkUp(ctx context.Context, up bool) {
	m.mu.Lock()
	was := m.netUp
	m.netUp = up
	m.mu.Unlock()
	if was == up {
		return
	}

	if !up {
		m.logger.Warn("internet connectivity lost")
		for _, d := range m.reconciler.Devices() {
			if d.TransportMode == models.TransportCloud {
				m.reconciler.ForceOffline(ctx, d.ID)
			}
		}
		return
	}

	m.logger.Info("internet connectivity restored")
	for _, d := range m.reconciler.Devices() {
		if d.TransportMode == models.TransportCloud {
			m.refresh(ctx, d)
		}
	}
}

// NetworkUp reports the last probe verdict.
func (m *Monitor) NetworkUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.netUp
}

func (m *Monitor) transportFor(d *models.Device) transport.Transport {
	if d.TransportMode == models.TransportLocal {
		return m.local
	}
	return m.cloud
}
