package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shiva/taxiavail/internal/index"
	"github.com/shiva/taxiavail/internal/model"
)

func TestReconcile_MarksOccupiedTaxi(t *testing.T) {
	s := newStores()
	ctx := context.Background()
	mustUpsertGeo(t, s.geo, "T1:OP1", 2.35, 48.85)

	rec := s.reconciler(&fakeSnapshots{rows: []model.SnapshotRow{row("T1", "occupied", 7)}})
	res, err := rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Added != 1 || res.Removed != 0 || res.Rebuilt {
		t.Errorf("result = %+v, want 1 added", res)
	}
	if !isUnavailable(t, s.avail, "T1:OP1") {
		t.Error("T1:OP1 not marked unavailable")
	}

	d := NewDispatcher(s.geo, s.avail, zap.NewNop())
	got, err := d.NearbyAvailable(ctx, 2.35, 48.85, 1000, 10)
	if err != nil {
		t.Fatalf("NearbyAvailable: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("NearbyAvailable = %v, want none", nearbyKeys(got))
	}
}

func TestReconcile_ClearsStaleMarker(t *testing.T) {
	s := newStores()
	ctx := context.Background()
	mustUpsertGeo(t, s.geo, "T2:OP1", 2.35, 48.85)
	_ = s.avail.MarkUnavailable(ctx, "T2:OP1")

	rec := s.reconciler(&fakeSnapshots{rows: []model.SnapshotRow{row("T2", "free", 7)}})
	res, err := rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Removed != 1 || res.Added != 0 {
		t.Errorf("result = %+v, want 1 removed", res)
	}

	d := NewDispatcher(s.geo, s.avail, zap.NewNop())
	got, _ := d.NearbyAvailable(ctx, 2.35, 48.85, 1000, 10)
	if !slices.Equal(nearbyKeys(got), []string{"T2:OP1"}) {
		t.Errorf("NearbyAvailable = %v, want [T2:OP1]", nearbyKeys(got))
	}
}

func TestReconcile_ConvergesAndIsIdempotent(t *testing.T) {
	s := newStores()
	ctx := context.Background()

	rows := []model.SnapshotRow{
		row("A", "free", 7),
		row("B", "occupied", 7),
		row("C", "off", 7),
		row("D", "", 0),           // no vehicle description
		row("E", "answering", 99), // registering user unknown, never reported
		row("F", "free", 7),
	}
	for _, k := range []string{"A:OP1", "B:OP1", "C:OP1", "D:unknown", "F:OP1"} {
		mustUpsertGeo(t, s.geo, k, 2.35, 48.85)
	}
	_ = s.avail.MarkUnavailableBatch(ctx, []string{"A:OP1", "B:OP1", "E:unknown"})

	rec := s.reconciler(&fakeSnapshots{rows: rows})
	res, err := rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Added != 2 || res.Removed != 2 {
		t.Errorf("first pass = %+v, want 2 added 2 removed", res)
	}

	want := []string{"B:OP1", "C:OP1", "D:unknown"}
	if got := setMembers(t, s.avail); !slices.Equal(got, want) {
		t.Errorf("members = %v, want %v", got, want)
	}

	res, err = rec.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Added != 0 || res.Removed != 0 {
		t.Errorf("second pass = %+v, want no changes", res)
	}
}

// A registry taxi the geo index has never seen gets no marker, however many
// passes run. Once it reports, the next pass marks it.
func TestReconcile_NeverSeenTaxiLeavesNoMarker(t *testing.T) {
	s := newStores()
	ctx := context.Background()
	_ = s.avail.MarkUnavailable(ctx, "LOST:OP1")

	rec := s.reconciler(&fakeSnapshots{rows: []model.SnapshotRow{
		row("NEVER", "occupied", 7),
		row("LOST", "occupied", 7),
	}})
	for pass := 1; pass <= 3; pass++ {
		if _, err := rec.Run(ctx); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		members := setMembers(t, s.avail)
		placed, _ := s.geo.Existing(ctx, members)
		for _, k := range members {
			if !placed[k] {
				t.Errorf("pass %d: member %s has no geo entry", pass, k)
			}
		}
	}

	mustUpsertGeo(t, s.geo, "NEVER:OP1", 2.35, 48.85)
	res, err := rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run after report: %v", err)
	}
	if res.Added != 1 || !isUnavailable(t, s.avail, "NEVER:OP1") {
		t.Errorf("result = %+v, want NEVER:OP1 marked", res)
	}
}

// A taxi with several vehicle descriptions is available if any row says so.
func TestReconcile_DuplicateRowsPreferFree(t *testing.T) {
	s := newStores()
	rec := s.reconciler(&fakeSnapshots{rows: []model.SnapshotRow{
		row("T1", "occupied", 7),
		row("T1", "free", 7),
	}})
	res, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Added != 0 || isUnavailable(t, s.avail, "T1:OP1") {
		t.Errorf("T1:OP1 marked unavailable, result %+v", res)
	}
}

func TestReconcile_PrunesOrphans(t *testing.T) {
	s := newStores()
	ctx := context.Background()
	mustUpsertGeo(t, s.geo, "parked:OP1", 2.35, 48.85)
	_ = s.avail.MarkUnavailableBatch(ctx, []string{"ghost:OP1", "parked:OP1"})

	rec := s.reconciler(&fakeSnapshots{})
	res, err := rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("Removed = %d, want 1", res.Removed)
	}
	if isUnavailable(t, s.avail, "ghost:OP1") {
		t.Error("orphan ghost:OP1 kept")
	}
	if !isUnavailable(t, s.avail, "parked:OP1") {
		t.Error("parked:OP1 has a position and must be kept")
	}

	if got := setMembers(t, s.avail); !slices.Equal(got, []string{"parked:OP1"}) {
		t.Errorf("members = %v, want [parked:OP1]", got)
	}
}

func TestReconcile_KeepsOrphansWhenPruningDisabled(t *testing.T) {
	s := newStores()
	ctx := context.Background()
	_ = s.avail.MarkUnavailable(ctx, "ghost:OP1")

	rec := NewReconciler(&fakeSnapshots{}, testOperators, s.geo, s.avail,
		ReconcilerConfig{ScanCount: 10}, zap.NewNop())
	if _, err := rec.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !isUnavailable(t, s.avail, "ghost:OP1") {
		t.Error("ghost:OP1 pruned with pruning disabled")
	}
}

func TestReconcile_SnapshotUnavailable(t *testing.T) {
	s := newStores()
	ctx := context.Background()
	_ = s.avail.MarkUnavailable(ctx, "T1:OP1")

	rec := s.reconciler(&fakeSnapshots{err: errors.New("dial tcp: connection refused")})
	_, err := rec.Run(ctx)
	if !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("Run = %v, want ErrSnapshotUnavailable", err)
	}
	if !errors.Is(err, index.ErrStoreUnavailable) {
		t.Errorf("Run = %v, want it to match ErrStoreUnavailable", err)
	}
	if !isUnavailable(t, s.avail, "T1:OP1") {
		t.Error("set mutated after a failed snapshot read")
	}

	rec = NewReconciler(&fakeSnapshots{}, &fakeOperators{err: errors.New("boom")},
		s.geo, s.avail, ReconcilerConfig{}, zap.NewNop())
	if _, err := rec.Run(ctx); !errors.Is(err, ErrSnapshotUnavailable) {
		t.Errorf("Run with operator failure = %v, want ErrSnapshotUnavailable", err)
	}
}

func TestReconcile_ApplyFailed(t *testing.T) {
	geo := index.NewMemoryGeoIndex(6)
	mustUpsertGeo(t, geo, "T1:OP1", 2.35, 48.85)
	rec := NewReconciler(&fakeSnapshots{rows: []model.SnapshotRow{row("T1", "off", 7)}},
		testOperators, geo, brokenSet{}, ReconcilerConfig{}, zap.NewNop())

	_, err := rec.Run(context.Background())
	if !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("Run = %v, want ErrApplyFailed", err)
	}
	if errors.Is(err, ErrSnapshotUnavailable) {
		t.Errorf("apply failure reported as snapshot failure: %v", err)
	}
}

// brokenGeo fails the batched position lookup.
type brokenGeo struct{ index.GeoIndex }

func (brokenGeo) Existing(context.Context, []string) (map[string]bool, error) {
	return nil, errBroken
}

func TestReconcile_PositionCheckFailed(t *testing.T) {
	s := newStores()
	ctx := context.Background()
	_ = s.avail.MarkUnavailable(ctx, "ghost:OP1")

	rec := NewReconciler(&fakeSnapshots{rows: []model.SnapshotRow{row("T1", "off", 7)}},
		testOperators, brokenGeo{s.geo}, s.avail, ReconcilerConfig{PruneOrphans: true}, zap.NewNop())
	_, err := rec.Run(ctx)
	if !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("Run = %v, want ErrApplyFailed", err)
	}
	if got := setMembers(t, s.avail); !slices.Equal(got, []string{"ghost:OP1"}) {
		t.Errorf("members = %v, want the set untouched", got)
	}
}

func TestReconcile_CancelledAppliesNothing(t *testing.T) {
	s := newStores()
	_ = s.avail.MarkUnavailable(context.Background(), "T2:OP1")
	mustUpsertGeo(t, s.geo, "T2:OP1", 2.35, 48.85)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := s.reconciler(&fakeSnapshots{rows: []model.SnapshotRow{
		row("T1", "occupied", 7),
		row("T2", "free", 7),
	}})
	_, err := rec.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if !isUnavailable(t, s.avail, "T2:OP1") || isUnavailable(t, s.avail, "T1:OP1") {
		t.Error("cancelled pass changed the set")
	}
}

// blockingSnapshots parks ReadSnapshot until released.
type blockingSnapshots struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSnapshots) ReadSnapshot(context.Context) ([]model.SnapshotRow, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

func TestReconcile_OnePassAtATime(t *testing.T) {
	s := newStores()
	snap := &blockingSnapshots{entered: make(chan struct{}), release: make(chan struct{})}
	rec := s.reconciler(snap)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = rec.Run(context.Background())
	}()

	<-snap.entered
	if _, err := rec.Run(context.Background()); !errors.Is(err, ErrReconcileInProgress) {
		t.Errorf("concurrent Run = %v, want ErrReconcileInProgress", err)
	}
	close(snap.release)
	wg.Wait()
	if firstErr != nil {
		t.Errorf("first Run: %v", firstErr)
	}
}

func TestReconcile_RebuildsMisshapenRedisSet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	if err := mr.Set("not_available", "garbage"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	geo := index.NewRedisGeoIndex(client, "geoindex", "geoindex:last_update")
	avail := index.NewRedisAvailabilitySet(client, "not_available")
	mustUpsertGeo(t, geo, "T1:OP1", 2.35, 48.85)
	mustUpsertGeo(t, geo, "T2:OP1", 2.36, 48.85)

	rec := NewReconciler(&fakeSnapshots{rows: []model.SnapshotRow{
		row("T1", "occupied", 7),
		row("T2", "free", 7),
	}}, testOperators, geo, avail, ReconcilerConfig{ScanCount: 100, PruneOrphans: true}, zap.NewNop())

	res, err := rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Rebuilt || res.Added != 1 {
		t.Errorf("result = %+v, want rebuilt with 1 added", res)
	}
	if typ := client.Type(ctx, "not_available").Val(); typ != "zset" {
		t.Errorf("TYPE not_available = %s, want zset", typ)
	}
	if !isUnavailable(t, avail, "T1:OP1") || isUnavailable(t, avail, "T2:OP1") {
		t.Error("rebuilt set has the wrong members")
	}

	res, err = rec.Run(ctx)
	if err != nil || res.Rebuilt || res.Added != 0 || res.Removed != 0 {
		t.Errorf("second Run = %+v, %v; want a no-op", res, err)
	}
}

func mustUpsertGeo(t *testing.T, g index.GeoIndex, key string, lon, lat float64) {
	t.Helper()
	if err := g.Upsert(context.Background(), key, lon, lat); err != nil {
		t.Fatalf("Upsert(%s): %v", key, err)
	}
}

// setMembers lists the availability set, sorted and without duplicates.
func setMembers(t *testing.T, avail index.AvailabilitySet) []string {
	t.Helper()
	var got []string
	err := index.ScanAll(context.Background(), avail, 10, func(keys []string) error {
		got = append(got, keys...)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	slices.Sort(got)
	return slices.Compact(got)
}
