package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/trailside/yetilink/internal/reconcile"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.HTTPProvider    = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
)

// Module exposes optimistic writes over the API and wires device updates
// into confirmation matching.
type Module struct {
	logger   *zap.Logger
	executor *Executor

	reconcileMod *reconcile.Module
	cloud        transport.Transport
	local        transport.Transport
}

// New creates the command module.
func New(reconcileMod *reconcile.Module, cloud, local transport.Transport) *Module {
	return &Module{
		reconcileMod: reconcileMod,
		cloud:        cloud,
		local:        local,
	}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "command",
		Version:      "1.0.0",
		Description:  "optimistic desired-state writes with confirmation",
		APIVersion:   plugin.APIVersionCurrent,
		Dependencies: []string{"reconcile"},
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	cfg := DefaultConfig()
	if c := deps.Config; c != nil && c.IsSet("confirm_timeout") {
		cfg.ConfirmTimeout = c.GetDuration("confirm_timeout")
	}

	var baselines *BaselineRepository
	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "command", migrations()); err != nil {
			return fmt.Errorf("command migrations: %w", err)
		}
		baselines = NewBaselineRepository(deps.Store.DB())
	}

	m.executor = NewExecutor(cfg, m.reconcileMod.Reconciler(),
		m.cloud, m.local, baselines, deps.Bus, deps.Clock, deps.Logger)
	return nil
}

func (m *Module) Start(ctx context.Context) error { return nil }

func (m *Module) Stop(ctx context.Context) error { return nil }

// Executor exposes the write path to the composition root.
func (m *Module) Executor() *Executor { return m.executor }

func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{
			Topic: reconcile.TopicDeviceUpdated,
			Handler: func(ctx context.Context, event plugin.Event) {
				if ev, ok := event.Payload.(*reconcile.DeviceEvent); ok {
					m.executor.HandleDeviceUpdate(ctx, ev.Device)
				}
			},
		},
		{
			Topic: reconcile.TopicDeviceRemoved,
			Handler: func(ctx context.Context, event plugin.Event) {
				if ev, ok := event.Payload.(*reconcile.RemovedEvent); ok {
					m.executor.Forget(ctx, ev.DeviceID)
				}
			},
		},
	}
}

func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/devices/{id}/commands", Handler: m.handleSubmit},
		{Method: "POST", Path: "/devices/{id}/profile", Handler: m.handleSetProfile},
		{Method: "GET", Path: "/devices/{id}/lock", Handler: m.handleLock},
		{Method: "GET", Path: "/commands/{id}", Handler: m.handleGetCommand},
	}
}

type submitRequest struct {
	Patch              models.Fields `json:"patch"`
	ExpectedResultName string        `json:"expected_result_name,omitempty"`
}

func (m *Module) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid command request", http.StatusBadRequest)
		return
	}

	cmd, err := m.executor.Submit(r.Context(), r.PathValue("id"), req.Patch, req.ExpectedResultName)
	if err != nil {
		writeSubmitError(w, cmd, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(cmd)
}

type setProfileRequest struct {
	// Preset names a predefined profile; Profile carries a custom shape.
	Preset  string                `json:"preset,omitempty"`
	Profile *models.ChargeProfile `json:"profile,omitempty"`
}

// handleSetProfile is the typed front door for charge-profile writes; it
// renders the profile as a desired patch and submits it like any command.
func (m *Module) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	var req setProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid profile request", http.StatusBadRequest)
		return
	}

	var profile models.ChargeProfile
	name := req.Preset
	switch {
	case req.Preset != "":
		preset, ok := models.ProfilePresets[req.Preset]
		if !ok {
			http.Error(w, "unknown profile preset", http.StatusBadRequest)
			return
		}
		profile = preset
	case req.Profile != nil:
		profile = *req.Profile
		name = models.ClassifyProfile(profile)
	default:
		http.Error(w, "preset or profile required", http.StatusBadRequest)
		return
	}

	cmd, err := m.executor.Submit(r.Context(), r.PathValue("id"), models.ProfileFields(profile), name)
	if err != nil {
		writeSubmitError(w, cmd, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(cmd)
}

func (m *Module) handleLock(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{
		"locked": m.executor.Locked(r.PathValue("id")),
	})
}

func (m *Module) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := m.executor.Command(r.PathValue("id"))
	if errors.Is(err, ErrUnknownCommand) {
		http.Error(w, "command not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cmd)
}

func writeSubmitError(w http.ResponseWriter, cmd models.DesiredStateCommand, err error) {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrEmptyPatch):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case cmd.CommandID != "":
		// The write was armed but delivery failed; report it settled.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(cmd)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
