package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/shiva/taxiavail/internal/index"
	"github.com/shiva/taxiavail/internal/model"
)

// ─── Fakes ──────────────────────────────────────────────────

type fakeSnapshots struct {
	rows []model.SnapshotRow
	err  error
}

func (f *fakeSnapshots) ReadSnapshot(context.Context) ([]model.SnapshotRow, error) {
	return f.rows, f.err
}

type fakeOperators struct {
	labels map[int64]string
	err    error
}

func (f *fakeOperators) OperatorLabels(context.Context) (map[int64]string, error) {
	return f.labels, f.err
}

// brokenSet fails every write and lookup while keeping the set shape valid.
type brokenSet struct {
	index.AvailabilitySet
}

var errBroken = errors.New("connection refused")

func (brokenSet) Unavailable(context.Context, []string) (map[string]bool, error) {
	return nil, errBroken
}

func (brokenSet) MarkUnavailableBatch(context.Context, []string) error {
	return errBroken
}

func (brokenSet) Scan(context.Context, string, int) ([]string, string, error) {
	return nil, "", nil
}

func (brokenSet) CheckStructure(context.Context) error { return nil }

func row(taxiID, status string, addedBy int64) model.SnapshotRow {
	r := model.SnapshotRow{TaxiID: taxiID}
	if status != "" {
		r.Status = &status
	}
	if addedBy != 0 {
		r.AddedBy = &addedBy
	}
	return r
}

var testOperators = &fakeOperators{labels: map[int64]string{7: "OP1"}}

type stores struct {
	geo   *index.MemoryGeoIndex
	avail *index.MemoryAvailabilitySet
}

func newStores() stores {
	return stores{geo: index.NewMemoryGeoIndex(6), avail: index.NewMemoryAvailabilitySet()}
}

func (s stores) reconciler(snap SnapshotReader) *Reconciler {
	return NewReconciler(snap, testOperators, s.geo, s.avail,
		ReconcilerConfig{ScanCount: 10, PruneOrphans: true}, zap.NewNop())
}

func nearbyKeys(ts []model.NearbyTaxi) []string {
	keys := make([]string, len(ts))
	for i, t := range ts {
		keys[i] = t.Key
	}
	return keys
}

func mustReport(t *testing.T, in *Ingestor, r Report) {
	t.Helper()
	if err := in.ApplyReport(context.Background(), r); err != nil {
		t.Fatalf("ApplyReport(%+v): %v", r, err)
	}
}

func isUnavailable(t *testing.T, s index.AvailabilitySet, key string) bool {
	t.Helper()
	ok, err := s.IsUnavailable(context.Background(), key)
	if err != nil {
		t.Fatalf("IsUnavailable(%s): %v", key, err)
	}
	return ok
}
