package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/trailside/yetilink/internal/testutil"
	"github.com/trailside/yetilink/pkg/models"
	"go.uber.org/zap"
)

func newTestReconciler(t *testing.T) (*Reconciler, *testutil.Clock, *testutil.MockBus) {
	t.Helper()
	clock := testutil.NewClock()
	bus := testutil.NewMockBus()
	r := NewReconciler(DefaultConfig(), bus, clock, nil, zap.NewNop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return r, clock, bus
}

func TestApplyDeltaCreatesDevice(t *testing.T) {
	r, clock, bus := newTestReconciler(t)

	d, err := r.ApplyDelta(context.Background(), testutil.StatusDelta("yeti-1", models.Fields{
		"socPercent": float64(72),
		"wattsOut":   float64(350),
	}, clock.Now()))
	if err != nil {
		t.Fatalf("ApplyDelta() error = %v", err)
	}
	if d.ID != "yeti-1" {
		t.Errorf("ID = %q, want yeti-1", d.ID)
	}
	if got := d.Fields["socPercent"]; got != float64(72) {
		t.Errorf("socPercent = %v, want 72", got)
	}
	if !d.LastSyncAt.Equal(clock.Now()) {
		t.Errorf("LastSyncAt = %v, want %v", d.LastSyncAt, clock.Now())
	}
	if len(bus.EventsOn(TopicDeviceUpdated)) != 1 {
		t.Errorf("updated events = %d, want 1", len(bus.EventsOn(TopicDeviceUpdated)))
	}
}

func TestApplyDeltaRejectsMissingIdentity(t *testing.T) {
	r, clock, _ := newTestReconciler(t)

	_, err := r.ApplyDelta(context.Background(), testutil.StatusDelta("", models.Fields{"socPercent": float64(1)}, clock.Now()))
	if err != ErrNoIdentity {
		t.Fatalf("ApplyDelta() error = %v, want ErrNoIdentity", err)
	}
	if len(r.Devices()) != 0 {
		t.Errorf("devices = %d, want 0", len(r.Devices()))
	}
}

func TestApplyDeltaMergeIsIdempotent(t *testing.T) {
	r, clock, _ := newTestReconciler(t)

	delta := testutil.StatusDelta("yeti-1", models.Fields{
		"socPercent": float64(50),
		"ports":      models.Fields{"acOut": models.Fields{"status": float64(1)}},
	}, clock.Now())

	first, err := r.ApplyDelta(context.Background(), delta)
	if err != nil {
		t.Fatalf("first ApplyDelta() error = %v", err)
	}
	second, err := r.ApplyDelta(context.Background(), delta)
	if err != nil {
		t.Fatalf("second ApplyDelta() error = %v", err)
	}
	if !ContainsSubset(second.Fields, first.Fields) || !ContainsSubset(first.Fields, second.Fields) {
		t.Errorf("replayed delta changed fields: first %v, second %v", first.Fields, second.Fields)
	}
}

func TestApplyDeltaPartialMergePreservesOtherFields(t *testing.T) {
	r, clock, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{
		"socPercent": float64(80),
		"wattsIn":    float64(120),
	}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	d, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{
		"socPercent": float64(79),
	}, clock.Now()))
	if err != nil {
		t.Fatal(err)
	}

	if got := d.Fields["socPercent"]; got != float64(79) {
		t.Errorf("socPercent = %v, want 79", got)
	}
	if got := d.Fields["wattsIn"]; got != float64(120) {
		t.Errorf("wattsIn = %v, want 120 (untouched)", got)
	}
}

func TestConfigDeltaDoesNotTouchLiveness(t *testing.T) {
	r, clock, bus := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(60)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	syncedAt := clock.Now()

	clock.Advance(40 * time.Second)
	d, err := r.ApplyDelta(ctx, testutil.ConfigDelta("yeti-1", models.Fields{
		"chargeProfile": models.Fields{"min": float64(2), "max": float64(95), "re": float64(90)},
	}))
	if err != nil {
		t.Fatal(err)
	}

	if !d.LastSyncAt.Equal(syncedAt) {
		t.Errorf("LastSyncAt = %v, want unchanged %v", d.LastSyncAt, syncedAt)
	}
	if !ContainsSubset(d.Fields, models.Fields{"chargeProfile": models.Fields{"max": float64(95)}}) {
		t.Errorf("config fields not merged: %v", d.Fields)
	}
	if len(bus.EventsOn(TopicDeviceOffline)) != 0 {
		t.Error("config delta published an offline transition")
	}
}

func TestDesiredOnlyEchoDoesNotMoveClock(t *testing.T) {
	r, clock, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(60)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	syncedAt := clock.Now()

	clock.Advance(10 * time.Second)
	d, err := r.ApplyDelta(ctx, models.ShadowDelta{
		DeviceID:        "yeti-1",
		Shadow:          models.ShadowStatus,
		Desired:         models.Fields{"acPortStatus": float64(1)},
		SourceTimestamp: clock.Now(),
		Transport:       models.TransportCloud,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !d.LastSyncAt.Equal(syncedAt) {
		t.Errorf("LastSyncAt = %v, want unchanged %v", d.LastSyncAt, syncedAt)
	}
	if _, ok := d.Fields["acPortStatus"]; ok {
		t.Error("desired-side value leaked into reported fields")
	}
}

func TestLastSyncNeverMovesBackward(t *testing.T) {
	r, clock, _ := newTestReconciler(t)
	ctx := context.Background()

	at := clock.Now()
	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(60)}, at)); err != nil {
		t.Fatal(err)
	}

	// Late arrival of an older delta still merges but cannot regress liveness.
	d, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"wattsOut": float64(10)}, at.Add(-30*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if !d.LastSyncAt.Equal(at) {
		t.Errorf("LastSyncAt = %v, want %v", d.LastSyncAt, at)
	}
	if got := d.Fields["wattsOut"]; got != float64(10) {
		t.Errorf("wattsOut = %v, want 10 (late delta still merged)", got)
	}
}

func TestGraceWindowAssumesConnected(t *testing.T) {
	r, clock, _ := newTestReconciler(t)

	d := r.RegisterDevice(context.Background(), "yeti-1", models.TransportCloud)
	if !d.Online {
		t.Error("device inside grace window should read online")
	}

	clock.Advance(DefaultConfig().GraceWindow + time.Second)
	got, ok := r.Device("yeti-1")
	if !ok {
		t.Fatal("device disappeared")
	}
	if got.Online {
		t.Error("device with no telemetry should be offline after the grace window")
	}
}

func TestFreshDeltaKeepsDeviceOnlinePastGrace(t *testing.T) {
	r, clock, _ := newTestReconciler(t)
	ctx := context.Background()

	clock.Advance(DefaultConfig().GraceWindow + time.Second)
	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(5)}, clock.Now())); err != nil {
		t.Fatal(err)
	}

	clock.Advance(DefaultConfig().StalenessWindow - time.Second)
	d, _ := r.Device("yeti-1")
	if !d.Online {
		t.Error("device with fresh telemetry should be online")
	}

	clock.Advance(2 * time.Second)
	d, _ = r.Device("yeti-1")
	if d.Online {
		t.Error("device past the staleness window should be offline")
	}
}

func TestRecomputeLivenessPublishesOffline(t *testing.T) {
	r, clock, bus := newTestReconciler(t)
	ctx := context.Background()

	clock.Advance(DefaultConfig().GraceWindow + time.Second)
	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(5)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	if len(bus.EventsOn(TopicDeviceOnline)) != 1 {
		t.Fatalf("online events = %d, want 1", len(bus.EventsOn(TopicDeviceOnline)))
	}

	clock.Advance(DefaultConfig().StalenessWindow + time.Second)
	r.RecomputeLiveness(ctx, "yeti-1")
	if len(bus.EventsOn(TopicDeviceOffline)) != 1 {
		t.Fatalf("offline events = %d, want 1", len(bus.EventsOn(TopicDeviceOffline)))
	}

	// Idempotent; a second timer fire stays silent.
	r.RecomputeLiveness(ctx, "yeti-1")
	if len(bus.EventsOn(TopicDeviceOffline)) != 1 {
		t.Error("repeated recompute published a duplicate offline event")
	}
}

func TestForceOfflineOverridesGraceWindow(t *testing.T) {
	r, clock, bus := newTestReconciler(t)
	ctx := context.Background()

	r.RegisterDevice(ctx, "yeti-1", models.TransportCloud)
	r.ForceOffline(ctx, "yeti-1")

	d, _ := r.Device("yeti-1")
	if d.Online {
		t.Error("forced-offline device should read offline even inside the grace window")
	}

	// The next liveness-bearing delta clears the demotion.
	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(5)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	d, _ = r.Device("yeti-1")
	if !d.Online {
		t.Error("liveness delta should clear a forced demotion")
	}
	if len(bus.EventsOn(TopicDeviceOnline)) != 1 {
		t.Errorf("online events = %d, want 1", len(bus.EventsOn(TopicDeviceOnline)))
	}
}

func TestRegisterDeviceTransportSwitchBumpsGeneration(t *testing.T) {
	r, clock, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	before, _ := r.Device("yeti-1")

	d := r.RegisterDevice(ctx, "yeti-1", models.TransportLocal)
	if d.Generation != before.Generation+1 {
		t.Errorf("Generation = %d, want %d", d.Generation, before.Generation+1)
	}
	if d.TransportMode != models.TransportLocal {
		t.Errorf("TransportMode = %q, want local", d.TransportMode)
	}
	if len(d.Fields) != 0 {
		t.Errorf("fields should reset on transport switch, got %v", d.Fields)
	}
}

func TestRegisterDeviceSameTransportIsNoop(t *testing.T) {
	r, clock, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	d := r.RegisterDevice(ctx, "yeti-1", models.TransportCloud)
	if d.Generation != 0 {
		t.Errorf("Generation = %d, want 0", d.Generation)
	}
	if got := d.Fields["socPercent"]; got != float64(50) {
		t.Errorf("socPercent = %v, want preserved 50", got)
	}
}

func TestRemoveDevice(t *testing.T) {
	r, clock, bus := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{"socPercent": float64(50)}, clock.Now())); err != nil {
		t.Fatal(err)
	}
	r.RemoveDevice(ctx, "yeti-1")

	if _, ok := r.Device("yeti-1"); ok {
		t.Error("removed device still readable")
	}
	events := bus.EventsOn(TopicDeviceRemoved)
	if len(events) != 1 {
		t.Fatalf("removed events = %d, want 1", len(events))
	}
	if ev := events[0].Payload.(*RemovedEvent); ev.DeviceID != "yeti-1" {
		t.Errorf("removed payload = %q, want yeti-1", ev.DeviceID)
	}
}

func TestSnapshotIsIsolatedFromInternalState(t *testing.T) {
	r, clock, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.ApplyDelta(ctx, testutil.StatusDelta("yeti-1", models.Fields{
		"ports": models.Fields{"usbOut": float64(1)},
	}, clock.Now())); err != nil {
		t.Fatal(err)
	}

	// Nested objects always clone as map[string]any, whichever map type
	// built them.
	d, _ := r.Device("yeti-1")
	d.Fields["ports"].(map[string]any)["usbOut"] = float64(0)
	d.Fields["injected"] = true

	fresh, _ := r.Device("yeti-1")
	if got := fresh.Fields["ports"].(map[string]any)["usbOut"]; got != float64(1) {
		t.Errorf("usbOut = %v, mutation through snapshot leaked in", got)
	}
	if _, ok := fresh.Fields["injected"]; ok {
		t.Error("snapshot mutation leaked into canonical state")
	}
}

func TestDevicesSortedByID(t *testing.T) {
	r, clock, _ := newTestReconciler(t)
	ctx := context.Background()

	for _, id := range []string{"yeti-c", "yeti-a", "yeti-b"} {
		if _, err := r.ApplyDelta(ctx, testutil.StatusDelta(id, models.Fields{"socPercent": float64(1)}, clock.Now())); err != nil {
			t.Fatal(err)
		}
	}
	got := r.Devices()
	want := []string{"yeti-a", "yeti-b", "yeti-c"}
	for i, d := range got {
		if d.ID != want[i] {
			t.Errorf("Devices()[%d].ID = %q, want %q", i, d.ID, want[i])
		}
	}
}
