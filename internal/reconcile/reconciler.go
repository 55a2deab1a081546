// Package reconcile owns the canonical per-device model. Partial deltas from
// either transport are merged into it here and nowhere else; every other
// module reads snapshots and reacts to the events this package publishes.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/trailside/yetilink/pkg/models"
	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

// ErrNoIdentity is returned for deltas missing a device identity. Delivery
// is at-least-once, so dropped deltas are not retried.
var ErrNoIdentity = errors.New("delta has no device identity")

// Config tunes the liveness windows.
type Config struct {
	// GraceWindow is how long after startup a device with no telemetry yet
	// is still assumed connected, so a freshly-loaded app does not flash
	// "disconnected" before the first delta arrives.
	GraceWindow time.Duration

	// StalenessWindow is how old the last liveness-bearing delta may be
	// before a device is considered offline.
	StalenessWindow time.Duration
}

// DefaultConfig returns the production liveness windows.
func DefaultConfig() Config {
	return Config{
		GraceWindow:     20 * time.Second,
		StalenessWindow: 90 * time.Second,
	}
}

// Reconciler is the single writer of canonical device state.
type Reconciler struct {
	logger *zap.Logger
	bus    plugin.EventBus
	clock  plugin.Clock
	cfg    Config
	repo   *DeviceRepository // nil in tests that don't exercise persistence

	mu        sync.Mutex
	startedAt time.Time
	devices   map[string]*deviceRecord
}

// deviceRecord wraps the canonical device with reconciler-internal state.
type deviceRecord struct {
	device *models.Device
	// forcedOffline overrides the liveness rule until the next
	// liveness-bearing delta, used when connectivity is known lost.
	forcedOffline bool
	onlineCount   bool // whether this device is counted in the online gauge
}

// NewReconciler creates a reconciler. Start anchors the grace window.
func NewReconciler(cfg Config, bus plugin.EventBus, clock plugin.Clock, repo *DeviceRepository, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		logger:  logger,
		bus:     bus,
		clock:   clock,
		cfg:     cfg,
		repo:    repo,
		devices: make(map[string]*deviceRecord),
	}
}

// Start anchors the assume-connected grace window at the current time and
// loads persisted devices when a repository is attached.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	r.startedAt = r.clock.Now()
	r.mu.Unlock()

	if r.repo == nil {
		return nil
	}

	persisted, err := r.repo.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range persisted {
		if d.Fields == nil {
			d.Fields = models.Fields{}
		}
		rec := &deviceRecord{device: d}
		d.Online = r.computeOnlineLocked(rec)
		r.devices[d.ID] = rec
		if d.Online {
			rec.onlineCount = true
			devicesOnline.Inc()
		}
	}
	return nil
}

// ApplyDelta merges a partial delta into the canonical device and returns a
// snapshot of the result. The merge is deterministic and idempotent.
func (r *Reconciler) ApplyDelta(ctx context.Context, delta models.ShadowDelta) (*models.Device, error) {
	if delta.DeviceID == "" {
		deltasDropped.Inc()
		return nil, ErrNoIdentity
	}

	r.mu.Lock()
	rec, ok := r.devices[delta.DeviceID]
	if !ok {
		rec = &deviceRecord{device: &models.Device{
			ID:            delta.DeviceID,
			TransportMode: delta.Transport,
			Fields:        models.Fields{},
			PairedAt:      r.clock.Now(),
		}}
		r.devices[delta.DeviceID] = rec
	}
	d := rec.device

	// Only reported data from a liveness-bearing sub-document moves the
	// liveness clock. Desired-side echoes and config-only documents merge
	// (or not) without touching it.
	liveness := delta.HasReported() && delta.Shadow.LivenessBearing()
	if liveness {
		ts := delta.SourceTimestamp
		if ts.IsZero() {
			ts = r.clock.Now()
		}
		if ts.After(d.LastSyncAt) {
			d.LastSyncAt = ts
		}
		rec.forcedOffline = false
	}

	if delta.HasReported() {
		d.Fields = DeepMerge(d.Fields, delta.Reported)
		if name, ok := d.Fields["name"].(string); ok {
			d.Name = name
		}
	}

	var cameOnline, wentOffline bool
	if liveness {
		cameOnline, wentOffline = r.refreshOnlineLocked(rec)
	}

	snapshot := d.Clone()
	r.mu.Unlock()

	deltasApplied.WithLabelValues(string(delta.Shadow)).Inc()
	r.persist(ctx, snapshot)
	r.publish(ctx, TopicDeviceUpdated, snapshot)
	if cameOnline {
		r.publish(ctx, TopicDeviceOnline, snapshot)
	}
	if wentOffline {
		r.publish(ctx, TopicDeviceOffline, snapshot)
	}
	return snapshot, nil
}

// Device returns a snapshot of the canonical device, with Online evaluated
// against the current clock.
func (r *Reconciler) Device(id string) (*models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	snapshot := rec.device.Clone()
	snapshot.Online = r.computeOnlineLocked(rec)
	return snapshot, true
}

// Devices returns snapshots of every known device, ordered by ID.
func (r *Reconciler) Devices() []*models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.Device, 0, len(r.devices))
	for _, rec := range r.devices {
		snapshot := rec.device.Clone()
		snapshot.Online = r.computeOnlineLocked(rec)
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecomputeLiveness re-evaluates a device's online state against the
// current clock, publishing a transition event if it flipped. Called by the
// heartbeat module's staleness timers.
func (r *Reconciler) RecomputeLiveness(ctx context.Context, id string) {
	r.mu.Lock()
	rec, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	cameOnline, wentOffline := r.refreshOnlineLocked(rec)
	snapshot := rec.device.Clone()
	r.mu.Unlock()

	if cameOnline {
		r.publish(ctx, TopicDeviceOnline, snapshot)
	}
	if wentOffline {
		r.publish(ctx, TopicDeviceOffline, snapshot)
	}
}

// ForceOffline demotes a device regardless of the liveness rule, until the
// next liveness-bearing delta arrives. Used on connectivity loss and when a
// staleness timer fires for a silently dropped device.
func (r *Reconciler) ForceOffline(ctx context.Context, id string) {
	r.mu.Lock()
	rec, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.forcedOffline = true
	_, wentOffline := r.refreshOnlineLocked(rec)
	snapshot := rec.device.Clone()
	r.mu.Unlock()

	if wentOffline {
		r.publish(ctx, TopicDeviceOffline, snapshot)
	}
}

// RegisterDevice creates (or re-pairs) a device entry. Re-pairing under a
// different transport bumps the generation and replaces fields wholesale;
// this is the only full-replacement write path.
func (r *Reconciler) RegisterDevice(ctx context.Context, id string, mode models.TransportMode) *models.Device {
	r.mu.Lock()
	rec, ok := r.devices[id]
	if !ok {
		rec = &deviceRecord{device: &models.Device{
			ID:            id,
			TransportMode: mode,
			Fields:        models.Fields{},
			PairedAt:      r.clock.Now(),
		}}
		r.devices[id] = rec
	} else if rec.device.TransportMode != mode {
		rec.device.TransportMode = mode
		rec.device.Generation++
		rec.device.Fields = models.Fields{}
	}
	rec.device.Online = r.computeOnlineLocked(rec)
	snapshot := rec.device.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.publish(ctx, TopicDeviceUpdated, snapshot)
	return snapshot
}

// RemoveDevice unpairs a device entirely.
func (r *Reconciler) RemoveDevice(ctx context.Context, id string) {
	r.mu.Lock()
	rec, ok := r.devices[id]
	if ok {
		if rec.onlineCount {
			devicesOnline.Dec()
		}
		delete(r.devices, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.repo != nil {
		if err := r.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn("delete persisted device", zap.String("device", id), zap.Error(err))
		}
	}
	r.bus.Publish(ctx, plugin.Event{
		Topic:     TopicDeviceRemoved,
		Source:    "reconcile",
		Timestamp: r.clock.Now(),
		Payload:   &RemovedEvent{DeviceID: id},
	})
}

// computeOnlineLocked evaluates the liveness rule: online while inside the
// startup grace window, or while the last liveness delta is fresh. A forced
// demotion overrides both.
func (r *Reconciler) computeOnlineLocked(rec *deviceRecord) bool {
	if rec.forcedOffline {
		return false
	}
	now := r.clock.Now()
	if !r.startedAt.IsZero() && now.Sub(r.startedAt) < r.cfg.GraceWindow {
		return true
	}
	if rec.device.LastSyncAt.IsZero() {
		return false
	}
	return now.Sub(rec.device.LastSyncAt) <= r.cfg.StalenessWindow
}

// refreshOnlineLocked stores the recomputed online flag and reports
// transitions.
func (r *Reconciler) refreshOnlineLocked(rec *deviceRecord) (cameOnline, wentOffline bool) {
	was := rec.device.Online
	now := r.computeOnlineLocked(rec)
	rec.device.Online = now

	if now && !rec.onlineCount {
		rec.onlineCount = true
		devicesOnline.Inc()
	} else if !now && rec.onlineCount {
		rec.onlineCount = false
		devicesOnline.Dec()
	}

	return now && !was, was && !now
}

func (r *Reconciler) persist(ctx context.Context, d *models.Device) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Upsert(ctx, d); err != nil {
		r.logger.Warn("persist device", zap.String("device", d.ID), zap.Error(err))
	}
}

func (r *Reconciler) publish(ctx context.Context, topic string, d *models.Device) {
	r.bus.Publish(ctx, plugin.Event{
		Topic:     topic,
		Source:    "reconcile",
		Timestamp: r.clock.Now(),
		Payload:   &DeviceEvent{Device: d},
	})
}
