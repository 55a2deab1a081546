package pairing

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/trailside/yetilink/internal/reconcile"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/internal/transport/local"
	"github.com/trailside/yetilink/pkg/models"
	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.HTTPProvider    = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
)

// Module exposes pairing over the API and feeds device-update events into
// the orchestrator's freshness checks.
type Module struct {
	logger       *zap.Logger
	orchestrator *Orchestrator

	reconcileMod *reconcile.Module
	link         transport.Transport
	registrar    Registrar // test override; built from config when nil

	discoverTimeout time.Duration
}

// New creates the pairing module. link is the local transport used for
// credential exchange.
func New(reconcileMod *reconcile.Module, link transport.Transport, registrar Registrar) *Module {
	return &Module{
		reconcileMod: reconcileMod,
		link:         link,
		registrar:    registrar,
	}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "pairing",
		Version:      "1.0.0",
		Description:  "device pairing sessions and backend registration",
		APIVersion:   plugin.APIVersionCurrent,
		Dependencies: []string{"reconcile"},
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	cfg := DefaultConfig()
	registrationURL := "https://api.yetilink.io"
	registrationAttempts := 3
	registrationBackoff := 2 * time.Second
	m.discoverTimeout = 4 * time.Second
	if c := deps.Config; c != nil {
		if c.IsSet("credential_interval") {
			cfg.CredentialInterval = c.GetDuration("credential_interval")
		}
		if c.IsSet("credential_attempts") {
			cfg.CredentialAttempts = c.GetInt("credential_attempts")
		}
		if c.IsSet("error_poll_interval") {
			cfg.ErrorPollInterval = c.GetDuration("error_poll_interval")
		}
		if c.IsSet("session_timeout_bluetooth") {
			cfg.SessionTimeoutBluetooth = c.GetDuration("session_timeout_bluetooth")
		}
		if c.IsSet("session_timeout_wifi") {
			cfg.SessionTimeoutWifi = c.GetDuration("session_timeout_wifi")
		}
		if c.IsSet("registration_url") {
			registrationURL = c.GetString("registration_url")
		}
		if c.IsSet("registration_attempts") {
			registrationAttempts = c.GetInt("registration_attempts")
		}
		if c.IsSet("registration_backoff") {
			registrationBackoff = c.GetDuration("registration_backoff")
		}
		if c.IsSet("discover_timeout") {
			m.discoverTimeout = c.GetDuration("discover_timeout")
		}
	}

	if m.registrar == nil {
		m.registrar = &HTTPRegistrar{
			BaseURL:  registrationURL,
			Client:   &http.Client{Timeout: 10 * time.Second},
			Attempts: registrationAttempts,
			Backoff:  registrationBackoff,
			Logger:   deps.Logger,
		}
	}

	m.orchestrator = NewOrchestrator(cfg,
		m.reconcileMod.Reconciler(), m.reconcileMod, m.link, m.registrar,
		deps.Bus, deps.Clock, deps.Logger)
	return nil
}

func (m *Module) Start(ctx context.Context) error { return nil }

func (m *Module) Stop(ctx context.Context) error {
	m.orchestrator.Shutdown()
	return nil
}

// Orchestrator exposes the session driver to the composition root.
func (m *Module) Orchestrator() *Orchestrator { return m.orchestrator }

func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{
			Topic: reconcile.TopicDeviceUpdated,
			Handler: func(ctx context.Context, event plugin.Event) {
				if ev, ok := event.Payload.(*reconcile.DeviceEvent); ok {
					m.orchestrator.NotifyDeviceUpdated(ev.Device.ID)
				}
			},
		},
	}
}

func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/discover", Handler: m.handleDiscover},
		{Method: "POST", Path: "/sessions", Handler: m.handleStartSession},
		{Method: "GET", Path: "/sessions/{id}", Handler: m.handleGetSession},
		{Method: "POST", Path: "/sessions/{id}/cancel", Handler: m.handleCancelSession},
		{Method: "DELETE", Path: "/devices/{id}", Handler: m.handleUnpair},
	}
}

func (m *Module) handleDiscover(w http.ResponseWriter, r *http.Request) {
	peers, err := local.Discover(r.Context(), m.discoverTimeout, m.logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if peers == nil {
		peers = []local.Peer{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(peers)
}

type startSessionRequest struct {
	DeviceID       string                `json:"device_id"`
	ConnectionType models.ConnectionType `json:"connection_type"`
	TransferKind   models.TransferKind   `json:"transfer_kind"`
	Credentials    transport.Credentials `json:"credentials"`
	Registration   RegistrationRequest   `json:"registration"`
	PeerURL        string                `json:"peer_url,omitempty"`
}

func (m *Module) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid session request", http.StatusBadRequest)
		return
	}
	if req.ConnectionType == "" {
		req.ConnectionType = models.ConnectionCloud
	}
	if req.TransferKind == "" {
		req.TransferKind = models.TransferWifi
	}

	// A discovered peer address binds the local link before credentials go
	// out over it.
	if req.PeerURL != "" {
		if reg, ok := m.link.(interface{ RegisterPeer(deviceID, baseURL string) }); ok {
			reg.RegisterPeer(req.DeviceID, req.PeerURL)
		}
	}

	session, err := m.orchestrator.Start(StartParams{
		DeviceID:       req.DeviceID,
		ConnectionType: req.ConnectionType,
		TransferKind:   req.TransferKind,
		Credentials:    req.Credentials,
		Registration:   req.Registration,
	})
	if err == ErrSessionActive {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(session)
}

func (m *Module) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := m.orchestrator.Session(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

func (m *Module) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := m.orchestrator.Cancel(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (m *Module) handleUnpair(w http.ResponseWriter, r *http.Request) {
	m.orchestrator.Unpair(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}
