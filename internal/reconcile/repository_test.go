package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trailside/yetilink/internal/testutil"
	"github.com/trailside/yetilink/pkg/models"
)

func newTestRepository(t *testing.T) *DeviceRepository {
	t.Helper()
	st := testutil.NewStore(t)
	if err := st.Migrate(context.Background(), "reconcile", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewDeviceRepository(st.DB())
}

func TestRepositoryUpsertAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	want := testutil.NewDevice(
		testutil.WithID("yeti-1"),
		testutil.WithTransport(models.TransportCloud),
		testutil.WithFields(models.Fields{
			"socPercent":    float64(72),
			"chargeProfile": models.Fields{"min": float64(2), "max": float64(95)},
		}),
		testutil.WithLastSync(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	)
	if err := repo.Upsert(ctx, &want); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := repo.Get(ctx, "yeti-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != want.ID || got.TransportMode != want.TransportMode {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	if !got.LastSyncAt.Equal(want.LastSyncAt) {
		t.Errorf("LastSyncAt = %v, want %v", got.LastSyncAt, want.LastSyncAt)
	}
	if !ContainsSubset(got.Fields, want.Fields) {
		t.Errorf("fields did not round-trip: %v", got.Fields)
	}
}

func TestRepositoryUpsertReplaces(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	d := testutil.NewDevice(testutil.WithID("yeti-1"))
	if err := repo.Upsert(ctx, &d); err != nil {
		t.Fatal(err)
	}
	d.Generation = 3
	d.TransportMode = models.TransportLocal
	if err := repo.Upsert(ctx, &d); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "yeti-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Generation != 3 {
		t.Errorf("Generation = %d, want 3", got.Generation)
	}
	if got.TransportMode != models.TransportLocal {
		t.Errorf("TransportMode = %q, want local", got.TransportMode)
	}
}

func TestRepositoryGetNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryListOrdered(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, id := range []string{"yeti-b", "yeti-a"} {
		d := testutil.NewDevice(testutil.WithID(id))
		if err := repo.Upsert(ctx, &d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "yeti-a" || got[1].ID != "yeti-b" {
		ids := make([]string, len(got))
		for i, d := range got {
			ids[i] = d.ID
		}
		t.Errorf("List() ids = %v, want [yeti-a yeti-b]", ids)
	}
}

func TestRepositoryDelete(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	d := testutil.NewDevice(testutil.WithID("yeti-1"))
	if err := repo.Upsert(ctx, &d); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, "yeti-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "yeti-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, "yeti-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double Delete() error = %v, want ErrNotFound", err)
	}
}
