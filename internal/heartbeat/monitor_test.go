package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trailside/yetilink/internal/reconcile"
	"github.com/trailside/yetilink/internal/testutil"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mode models.TransportMode

	mu        sync.Mutex
	presence  []string
	snapshots []string
}

func (f *fakeTransport) Mode() models.TransportMode { return f.mode }

func (f *fakeTransport) SendCommand(ctx context.Context, deviceID string, patch models.Fields) error {
	return nil
}

func (f *fakeTransport) ReadState(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, deviceID)
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, deviceID string, handler transport.DeltaHandler) (func(), error) {
	return func() {}, nil
}

// fakeCloud adds presence assertion, which only the cloud link supports.
type fakeCloud struct {
	*fakeTransport
}

func (f *fakeCloud) AssertPresence(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, deviceID)
	return nil
}

func (f *fakeTransport) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func (f *fakeTransport) presenceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.presence)
}

func newTestMonitor(t *testing.T) (*Monitor, *reconcile.Reconciler, *testutil.Clock, *testutil.MockBus, *fakeCloud, *fakeTransport) {
	t.Helper()
	clock := testutil.NewClock()
	bus := testutil.NewMockBus()
	rec := reconcile.NewReconciler(reconcile.DefaultConfig(), bus, clock, nil, zap.NewNop())
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cloud := &fakeCloud{fakeTransport: &fakeTransport{mode: models.TransportCloud}}
	local := &fakeTransport{mode: models.TransportLocal}
	m := NewMonitor(DefaultConfig(), rec, cloud, local, zap.NewNop())
	return m, rec, clock, bus, cloud, local
}

func TestSweepDemotesStaleDevice(t *testing.T) {
	m, rec, clock, bus, _, _ := newTestMonitor(t)
	ctx := context.Background()

	clock.Advance(reconcile.DefaultConfig().GraceWindow + time.Second)
	if _, err := rec.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}

	clock.Advance(reconcile.DefaultConfig().StalenessWindow + time.Second)
	m.Sweep(ctx)

	d, _ := rec.Device("yeti-1")
	if d.Online {
		t.Error("stale device still online after sweep")
	}
	if len(bus.EventsOn(reconcile.TopicDeviceOffline)) != 1 {
		t.Errorf("offline events = %d, want 1", len(bus.EventsOn(reconcile.TopicDeviceOffline)))
	}

	// Further sweeps find the device already offline and stay silent.
	m.Sweep(ctx)
	if len(bus.EventsOn(reconcile.TopicDeviceOffline)) != 1 {
		t.Errorf("offline events after second sweep = %d, want 1", len(bus.EventsOn(reconcile.TopicDeviceOffline)))
	}
}

func TestSweepLeavesFreshDeviceAlone(t *testing.T) {
	m, rec, clock, bus, _, _ := newTestMonitor(t)
	ctx := context.Background()

	clock.Advance(reconcile.DefaultConfig().GraceWindow + time.Second)
	if _, err := rec.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}

	clock.Advance(reconcile.DefaultConfig().StalenessWindow / 2)
	m.Sweep(ctx)

	d, _ := rec.Device("yeti-1")
	if !d.Online {
		t.Error("fresh device demoted by sweep")
	}
	if len(bus.EventsOn(reconcile.TopicDeviceOffline)) != 0 {
		t.Error("sweep published a spurious offline event")
	}
}

func TestNetworkLossForcesCloudDevicesOffline(t *testing.T) {
	m, rec, clock, _, _, _ := newTestMonitor(t)
	ctx := context.Background()

	clock.Advance(reconcile.DefaultConfig().GraceWindow + time.Second)
	if _, err := rec.ApplyDelta(ctx, testutil.StatusDelta("cloud-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	rec.RegisterDevice(ctx, "local-1", models.TransportLocal)
	if _, err := rec.ApplyDelta(ctx, models.ShadowDelta{
		DeviceID:        "local-1",
		Shadow:          models.ShadowStatus,
		Reported:        models.Fields{"socPercent": float64(40)},
		SourceTimestamp: clock.Now(),
		Transport:       models.TransportLocal,
	}); err != nil {
		t.Fatal(err)
	}

	m.SetNetworkUp(ctx, false)

	cloudDev, _ := rec.Device("cloud-1")
	if cloudDev.Online {
		t.Error("cloud device still online without internet")
	}
	localDev, _ := rec.Device("local-1")
	if !localDev.Online {
		t.Error("local device demoted by internet loss")
	}
}

func TestNetworkRecoveryRefreshesCloudDevices(t *testing.T) {
	m, rec, clock, _, cloud, local := newTestMonitor(t)
	ctx := context.Background()

	if _, err := rec.ApplyDelta(ctx, testutil.StatusDelta("cloud-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	rec.RegisterDevice(ctx, "local-1", models.TransportLocal)

	m.SetNetworkUp(ctx, false)
	m.SetNetworkUp(ctx, true)

	if cloud.snapshotCount() != 1 {
		t.Errorf("cloud snapshot requests = %d, want 1", cloud.snapshotCount())
	}
	if local.snapshotCount() != 0 {
		t.Errorf("local snapshot requests = %d, want 0", local.snapshotCount())
	}
}

func TestSetNetworkUpIsTransitionOnly(t *testing.T) {
	m, rec, clock, _, cloud, _ := newTestMonitor(t)
	ctx := context.Background()

	if _, err := rec.ApplyDelta(ctx, testutil.StatusDelta("cloud-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}

	m.SetNetworkUp(ctx, true)
	m.SetNetworkUp(ctx, true)
	if cloud.snapshotCount() != 0 {
		t.Error("repeated up verdicts triggered refreshes")
	}
}

func TestRefreshAllAssertsPresenceAndRequestsSnapshots(t *testing.T) {
	m, rec, clock, _, cloud, local := newTestMonitor(t)
	ctx := context.Background()

	if _, err := rec.ApplyDelta(ctx, testutil.StatusDelta("cloud-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	rec.RegisterDevice(ctx, "local-1", models.TransportLocal)

	m.RefreshAll(ctx)

	if cloud.presenceCount() != 1 {
		t.Errorf("presence assertions = %d, want 1", cloud.presenceCount())
	}
	if cloud.snapshotCount() != 1 {
		t.Errorf("cloud snapshot requests = %d, want 1", cloud.snapshotCount())
	}
	if local.snapshotCount() != 1 {
		t.Errorf("local snapshot requests = %d, want 1", local.snapshotCount())
	}
	if local.presenceCount() != 0 {
		t.Error("presence asserted over the local transport")
	}
}

func TestHandleForegroundRespectsCancelledContext(t *testing.T) {
	m, rec, clock, _, cloud, _ := newTestMonitor(t)

	if _, err := rec.ApplyDelta(context.Background(), testutil.StatusDelta("cloud-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.HandleForeground(ctx)
	if cloud.snapshotCount() != 0 {
		t.Error("cancelled foreground handling still refreshed")
	}

	m.cfg.SettleDelay = 0
	m.HandleForeground(context.Background())
	if cloud.snapshotCount() != 1 {
		t.Errorf("snapshot requests = %d, want 1", cloud.snapshotCount())
	}
}
