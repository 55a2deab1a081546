package heartbeat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/trailside/yetilink/internal/reconcile"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Module runs the liveness monitor: a periodic staleness sweep, a periodic
// connectivity probe, and a foreground hook for the app shell.
type Module struct {
	logger  *zap.Logger
	monitor *Monitor
	prober  Prober

	probeInterval time.Duration

	reconcileMod *reconcile.Module
	cloud        transport.Transport
	local        transport.Transport

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the heartbeat module. An explicit prober overrides the default
// ping prober; pass nil outside tests.
func New(reconcileMod *reconcile.Module, cloud, local transport.Transport, prober Prober) *Module {
	return &Module{
		reconcileMod: reconcileMod,
		cloud:        cloud,
		local:        local,
		prober:       prober,
	}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "heartbeat",
		Version:      "1.0.0",
		Description:  "device liveness sweeps, presence refresh, connectivity watch",
		APIVersion:   plugin.APIVersionCurrent,
		Dependencies: []string{"reconcile"},
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	cfg := DefaultConfig()
	m.probeInterval = 30 * time.Second
	probeHost := "1.1.1.1"
	if c := deps.Config; c != nil {
		if c.IsSet("settle_delay") {
			cfg.SettleDelay = c.GetDuration("settle_delay")
		}
		if c.IsSet("sweep_interval") {
			cfg.SweepInterval = c.GetDuration("sweep_interval")
		}
		if c.IsSet("probe_interval") {
			m.probeInterval = c.GetDuration("probe_interval")
		}
		if c.IsSet("probe_host") {
			probeHost = c.GetString("probe_host")
		}
	}

	if m.prober == nil {
		m.prober = &PingProber{Host: probeHost}
	}
	m.monitor = NewMonitor(cfg, m.reconcileMod.Reconciler(), m.cloud, m.local, deps.Logger)
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go m.sweepLoop(loopCtx)
	go m.probeLoop(loopCtx)

	m.logger.Info("heartbeat started",
		zap.Duration("sweep_interval", m.monitor.cfg.SweepInterval),
		zap.Duration("probe_interval", m.probeInterval),
	)
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// Monitor exposes the monitor for modules that need a manual refresh.
func (m *Module) Monitor() *Monitor { return m.monitor }

func (m *Module) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.monitor.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.monitor.Sweep(ctx)
		}
	}
}

func (m *Module) probeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.prober.Probe(ctx)
			m.monitor.SetNetworkUp(ctx, err == nil)
		}
	}
}

func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/presence/foreground", Handler: m.handleForeground},
		{Method: "GET", Path: "/connectivity", Handler: m.handleConnectivity},
	}
}

// handleForeground is called by the app shell when it returns to the
// foreground. The refresh runs after the settle delay so we answer fast.
func (m *Module) handleForeground(w http.ResponseWriter, r *http.Request) {
	go m.monitor.HandleForeground(context.Background())
	w.WriteHeader(http.StatusAccepted)
}

func (m *Module) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.monitor.NetworkUp() {
		w.Write([]byte(`{"internet":true}`))
		return
	}
	w.Write([]byte(`{"internet":false}`))
}
