package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Module wraps the reconciler as a YetiLink module: it owns the transport
// subscriptions that feed deltas in, persists devices, and exposes the
// read-only device API.
type Module struct {
	logger     *zap.Logger
	clock      plugin.Clock
	reconciler *Reconciler

	cloud transport.Transport
	local transport.Transport

	mu     sync.Mutex
	unsubs map[string]func()
}

// New creates the reconcile module. The transports feed deltas; either may
// be nil in tests.
func New(cloud, local transport.Transport) *Module {
	return &Module{
		cloud:  cloud,
		local:  local,
		unsubs: make(map[string]func()),
	}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "reconcile",
		Version:     "1.0.0",
		Description: "canonical device state and shadow-delta merging",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.clock = deps.Clock

	cfg := DefaultConfig()
	if c := deps.Config; c != nil {
		if c.IsSet("grace_window") {
			cfg.GraceWindow = c.GetDuration("grace_window")
		}
		if c.IsSet("staleness_window") {
			cfg.StalenessWindow = c.GetDuration("staleness_window")
		}
	}

	var repo *DeviceRepository
	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "reconcile", migrations()); err != nil {
			return fmt.Errorf("reconcile migrations: %w", err)
		}
		repo = NewDeviceRepository(deps.Store.DB())
	}

	m.reconciler = NewReconciler(cfg, deps.Bus, deps.Clock, repo, deps.Logger)
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	if err := m.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("load persisted devices: %w", err)
	}

	for _, d := range m.reconciler.Devices() {
		if err := m.EnsureSubscribed(ctx, d.ID); err != nil {
			m.logger.Warn("subscribe persisted device",
				zap.String("device", d.ID),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("reconcile module started",
		zap.Int("devices", len(m.reconciler.Devices())),
	)
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, unsub := range m.unsubs {
		unsub()
		delete(m.unsubs, id)
	}
	return nil
}

// Reconciler exposes the canonical state owner to modules that declare a
// dependency on "reconcile".
func (m *Module) Reconciler() *Reconciler { return m.reconciler }

// EnsureSubscribed attaches the device's authoritative transport to the
// reconciler. Safe to call repeatedly; a transport-mode change resubscribes.
func (m *Module) EnsureSubscribed(ctx context.Context, deviceID string) error {
	d, ok := m.reconciler.Device(deviceID)
	if !ok {
		return fmt.Errorf("ensure subscribed: unknown device %q", deviceID)
	}

	tr := m.cloud
	if d.TransportMode == models.TransportLocal {
		tr = m.local
	}
	if tr == nil {
		return transport.ErrNotConnected
	}

	m.mu.Lock()
	if unsub, ok := m.unsubs[deviceID]; ok {
		unsub()
		delete(m.unsubs, deviceID)
	}
	m.mu.Unlock()

	unsub, err := tr.Subscribe(ctx, deviceID, func(delta models.ShadowDelta) {
		if _, err := m.reconciler.ApplyDelta(context.Background(), delta); err != nil {
			m.logger.Warn("delta rejected",
				zap.String("device", delta.DeviceID),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.unsubs[deviceID] = unsub
	m.mu.Unlock()
	return nil
}

// Unsubscribe detaches a device's transport feed, used on unpair.
func (m *Module) Unsubscribe(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unsub, ok := m.unsubs[deviceID]; ok {
		unsub()
		delete(m.unsubs, deviceID)
	}
}

func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "GET", Path: "/devices/{id}", Handler: m.handleGetDevice},
	}
}

func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.reconciler.Devices())
}

func (m *Module) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := m.reconciler.Device(r.PathValue("id"))
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d)
}
