// Package command implements optimistic device configuration writes: send
// the desired patch, lock the affected surface, and wait for the device to
// echo the change back or for the timeout to fire. The device is the source
// of truth; nothing is rolled back client-side.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trailside/yetilink/internal/reconcile"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

var (
	// ErrUnknownDevice means the target device is not paired.
	ErrUnknownDevice = errors.New("command: unknown device")

	// ErrUnknownCommand means no command exists under the given ID.
	ErrUnknownCommand = errors.New("command: unknown command")

	// ErrEmptyPatch means the desired patch carries no fields.
	ErrEmptyPatch = errors.New("command: empty desired patch")
)

// Config tunes the executor.
type Config struct {
	// ConfirmTimeout is how long a sent patch may wait for the device to
	// echo it back before resolving timed out.
	ConfirmTimeout time.Duration
}

// DefaultConfig returns the production confirmation window.
func DefaultConfig() Config {
	return Config{ConfirmTimeout: 15 * time.Second}
}

// DeviceReader is the snapshot view of the canonical device table.
type DeviceReader interface {
	Device(id string) (*models.Device, bool)
}

// pendingCommand is an in-flight write. generation disambiguates it from
// superseded predecessors so a late timer or echo cannot touch a newer
// command.
type pendingCommand struct {
	cmd        models.DesiredStateCommand
	generation uint64
	timer      *time.Timer
}

// Executor serializes desired-state writes per device and settles them
// against reconciler output.
type Executor struct {
	logger    *zap.Logger
	bus       plugin.EventBus
	clock     plugin.Clock
	cfg       Config
	devices   DeviceReader
	cloud     transport.Transport
	local     transport.Transport
	baselines *BaselineRepository // nil when persistence is off

	mu         sync.Mutex
	generation uint64
	pending    map[string]*pendingCommand            // by device ID
	history    map[string]models.DesiredStateCommand // by command ID
	lastKnown  map[string]models.ChargeProfile       // last observed profile per device
}

// NewExecutor creates the executor. Either transport may be nil in tests.
func NewExecutor(cfg Config, devices DeviceReader, cloud, local transport.Transport, baselines *BaselineRepository, bus plugin.EventBus, clock plugin.Clock, logger *zap.Logger) *Executor {
	return &Executor{
		logger:    logger,
		bus:       bus,
		clock:     clock,
		cfg:       cfg,
		devices:   devices,
		cloud:     cloud,
		local:     local,
		baselines: baselines,
		pending:   make(map[string]*pendingCommand),
		history:   make(map[string]models.DesiredStateCommand),
		lastKnown: make(map[string]models.ChargeProfile),
	}
}

// Submit sends a desired patch to the device and arms the confirmation
// timeout. A still-pending command for the same device is superseded. A
// transport failure settles the command timed out immediately; writes are
// never silently retried since a retry could race a later edit.
func (e *Executor) Submit(ctx context.Context, deviceID string, patch models.Fields, expectedName string) (models.DesiredStateCommand, error) {
	if len(patch) == 0 {
		return models.DesiredStateCommand{}, ErrEmptyPatch
	}
	device, ok := e.devices.Device(deviceID)
	if !ok {
		return models.DesiredStateCommand{}, ErrUnknownDevice
	}

	tr := e.cloud
	if device.TransportMode == models.TransportLocal {
		tr = e.local
	}
	if tr == nil {
		return models.DesiredStateCommand{}, transport.ErrNotConnected
	}

	now := e.clock.Now()
	cmd := models.DesiredStateCommand{
		CommandID:          uuid.NewString(),
		DeviceID:           deviceID,
		DesiredPatch:       models.CloneFields(patch),
		ExpectedResultName: expectedName,
		IssuedAt:           now,
		TimeoutAt:          now.Add(e.cfg.ConfirmTimeout),
		Resolution:         models.ResolutionPending,
	}

	e.mu.Lock()
	if prev, ok := e.pending[deviceID]; ok {
		e.settleLocked(ctx, prev, models.ResolutionSuperseded)
	}
	e.generation++
	p := &pendingCommand{cmd: cmd, generation: e.generation}
	e.pending[deviceID] = p
	e.history[cmd.CommandID] = cmd
	e.mu.Unlock()

	commandsSubmitted.Inc()

	if err := tr.SendCommand(ctx, deviceID, patch); err != nil {
		e.mu.Lock()
		if cur, ok := e.pending[deviceID]; ok && cur.generation == p.generation {
			e.settleLocked(ctx, cur, models.ResolutionTimedOut)
		}
		cmd = e.history[cmd.CommandID]
		e.mu.Unlock()
		return cmd, fmt.Errorf("send desired patch: %w", err)
	}

	gen := p.generation
	p.timer = time.AfterFunc(e.cfg.ConfirmTimeout, func() {
		e.timeout(deviceID, gen)
	})
	return cmd, nil
}

// Command returns a snapshot of a submitted command.
func (e *Executor) Command(commandID string) (models.DesiredStateCommand, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cmd, ok := e.history[commandID]
	if !ok {
		return models.DesiredStateCommand{}, ErrUnknownCommand
	}
	return cmd, nil
}

// Locked reports whether the device's configuration surface should be
// locked, which is exactly while a command is pending.
func (e *Executor) Locked(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[deviceID]
	return ok
}

// HandleDeviceUpdate inspects a canonical device update: it either confirms
// the pending command or, when nothing is pending, runs external-change
// detection on the charge profile.
func (e *Executor) HandleDeviceUpdate(ctx context.Context, device *models.Device) {
	e.mu.Lock()
	p, hasPending := e.pending[device.ID]
	e.mu.Unlock()

	if hasPending {
		if reconcile.ContainsSubset(device.Fields, p.cmd.DesiredPatch) {
			e.confirm(ctx, device.ID, p)
		}
		return
	}

	e.detectExternalChange(ctx, device)
}

func (e *Executor) confirm(ctx context.Context, deviceID string, p *pendingCommand) {
	e.mu.Lock()
	cur, ok := e.pending[deviceID]
	if !ok || cur.generation != p.generation {
		e.mu.Unlock()
		return
	}
	e.settleLocked(ctx, cur, models.ResolutionConfirmed)
	e.mu.Unlock()

	// A confirmed profile write becomes the new last known good, and a
	// custom shape becomes the stored baseline.
	if profile, ok := profileFromFields(p.cmd.DesiredPatch); ok {
		e.recordProfile(ctx, deviceID, profile)
	}
}

// timeout fires from the confirmation timer. The generation check discards
// it when the command was already settled or superseded.
func (e *Executor) timeout(deviceID string, generation uint64) {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.pending[deviceID]
	if !ok || cur.generation != generation {
		return
	}
	e.settleLocked(ctx, cur, models.ResolutionTimedOut)
}

// settleLocked resolves a pending command and publishes the outcome.
// Callers hold e.mu.
func (e *Executor) settleLocked(ctx context.Context, p *pendingCommand, res models.CommandResolution) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.cmd.Resolution = res
	e.history[p.cmd.CommandID] = p.cmd
	if cur, ok := e.pending[p.cmd.DeviceID]; ok && cur.generation == p.generation {
		delete(e.pending, p.cmd.DeviceID)
	}

	commandsSettled.WithLabelValues(string(res)).Inc()
	e.logger.Debug("command settled",
		zap.String("command", p.cmd.CommandID),
		zap.String("device", p.cmd.DeviceID),
		zap.String("resolution", string(res)),
	)
	e.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicCommandSettled,
		Source:    "command",
		Timestamp: e.clock.Now(),
		Payload:   &SettledEvent{Command: p.cmd, Message: settleMessage(p.cmd, res)},
	})
}

// detectExternalChange compares the reported charge profile against the
// last known good. A change nobody here initiated updates the bookkeeping
// quietly; it never locks the UI or raises an error. Equality with the
// stored custom baseline is checked first so re-reporting an already-stored
// shape stays silent.
func (e *Executor) detectExternalChange(ctx context.Context, device *models.Device) {
	reported, ok := profileFromFields(device.Fields)
	if !ok {
		return
	}

	e.mu.Lock()
	last, seen := e.lastKnown[device.ID]
	e.mu.Unlock()
	if seen && last == reported {
		return
	}

	if e.baselines != nil {
		if stored, err := e.baselines.Get(ctx, device.ID); err == nil && stored == reported {
			e.mu.Lock()
			e.lastKnown[device.ID] = reported
			e.mu.Unlock()
			return
		}
	}

	e.recordProfile(ctx, device.ID, reported)

	// The first observation of a device just seeds the bookkeeping.
	if !seen {
		return
	}

	externalChanges.Inc()
	e.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicExternalChange,
		Source:    "command",
		Timestamp: e.clock.Now(),
		Payload: &ExternalChangeEvent{
			DeviceID:    device.ID,
			Profile:     reported,
			ProfileName: models.ClassifyProfile(reported),
		},
	})
}

// recordProfile updates the in-memory last known good and persists custom
// shapes as the device's baseline.
func (e *Executor) recordProfile(ctx context.Context, deviceID string, p models.ChargeProfile) {
	e.mu.Lock()
	e.lastKnown[deviceID] = p
	e.mu.Unlock()

	if e.baselines == nil || models.ClassifyProfile(p) != models.ProfileCustom {
		return
	}
	if err := e.baselines.Save(ctx, deviceID, p); err != nil {
		e.logger.Warn("persist profile baseline",
			zap.String("device", deviceID),
			zap.Error(err),
		)
	}
}

// Forget drops per-device bookkeeping, used on unpair.
func (e *Executor) Forget(ctx context.Context, deviceID string) {
	e.mu.Lock()
	if p, ok := e.pending[deviceID]; ok {
		e.settleLocked(ctx, p, models.ResolutionSuperseded)
	}
	delete(e.lastKnown, deviceID)
	e.mu.Unlock()

	if e.baselines != nil {
		if err := e.baselines.Delete(ctx, deviceID); err != nil {
			e.logger.Warn("delete profile baseline",
				zap.String("device", deviceID),
				zap.Error(err),
			)
		}
	}
}

// profileFromFields extracts a charge profile from a fields subtree.
func profileFromFields(f models.Fields) (models.ChargeProfile, bool) {
	raw, ok := f["chargeProfile"]
	if !ok {
		return models.ChargeProfile{}, false
	}
	var m map[string]any
	switch v := raw.(type) {
	case map[string]any:
		m = v
	case models.Fields:
		m = v
	default:
		return models.ChargeProfile{}, false
	}

	var p models.ChargeProfile
	for key, dst := range map[string]*int{"min": &p.Min, "max": &p.Max, "re": &p.Re} {
		n, ok := toInt(m[key])
		if !ok {
			return models.ChargeProfile{}, false
		}
		*dst = n
	}
	return p, true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

func settleMessage(cmd models.DesiredStateCommand, res models.CommandResolution) string {
	switch res {
	case models.ResolutionConfirmed:
		if cmd.ExpectedResultName != "" {
			return fmt.Sprintf("%s applied", cmd.ExpectedResultName)
		}
		return "change applied"
	case models.ResolutionTimedOut:
		return "the device did not confirm the change"
	case models.ResolutionSuperseded:
		return ""
	}
	return ""
}
