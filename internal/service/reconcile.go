// Package service contains the core logic of the taxi availability index:
// applying position reports, answering dispatch queries and reconciling the
// cache with the registry database.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shiva/taxiavail/internal/index"
	"github.com/shiva/taxiavail/internal/metrics"
	"github.com/shiva/taxiavail/internal/model"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	// ErrSnapshotUnavailable means the registry could not be read. The
	// availability state is unknown, so startup must not continue.
	ErrSnapshotUnavailable = fmt.Errorf("registry snapshot unavailable: %w", index.ErrStoreUnavailable)

	// ErrApplyFailed means the diff could not be read from or written to the
	// cache. Stale data degrades dispatch but the next pass repairs it.
	ErrApplyFailed = fmt.Errorf("reconciliation apply failed: %w", index.ErrStoreUnavailable)

	// ErrReconcileInProgress is returned when another pass is still running.
	ErrReconcileInProgress = errors.New("reconciliation already in progress")
)

// ─── Collaborators ──────────────────────────────────────────

// SnapshotReader reads the authoritative taxi / vehicle status snapshot.
type SnapshotReader interface {
	ReadSnapshot(ctx context.Context) ([]model.SnapshotRow, error)
}

// OperatorDirectory maps the id of the user who registered a vehicle to the
// label used in composite keys (the same label reporting operators use).
type OperatorDirectory interface {
	OperatorLabels(ctx context.Context) (map[int64]string, error)
}

// ─── Reconciler ─────────────────────────────────────────────

// ReconcilerConfig tunes a reconciliation pass.
type ReconcilerConfig struct {
	// ScanCount is the page size hint for the availability set scan.
	ScanCount int
	// PruneOrphans removes markers for keys that have no geo index entry and
	// are not marked available by the snapshot.
	PruneOrphans bool
}

// Reconciler repairs drift between the registry and the availability set.
//
// Algorithm:
//
//  1. READ: load the snapshot and operator labels, split composite keys into
//     truly available (status "free") and truly unavailable (anything else,
//     NULL included).
//  2. CHECK: if the availability storage has the wrong shape, drop it and
//     rebuild from scratch.
//  3. SCAN: walk the current members page by page;
//     toRemove = members ∩ available, toAdd = unavailable \ members.
//  4. FILTER: one batched geo lookup. Keys of toAdd without a position are
//     skipped; with PruneOrphans, other members without one join toRemove.
//  5. APPLY: one batched removal and one batched insertion, each skipped
//     when empty.
//
// The apply step is not atomic with the snapshot read; reports racing with a
// pass may be overwritten until the next report or pass.
type Reconciler struct {
	snapshots SnapshotReader
	operators OperatorDirectory
	geo       index.GeoIndex
	avail     index.AvailabilitySet
	cfg       ReconcilerConfig
	log       *zap.Logger

	running sync.Mutex
}

// NewReconciler wires a reconciler to its stores.
func NewReconciler(
	snapshots SnapshotReader,
	operators OperatorDirectory,
	geo index.GeoIndex,
	avail index.AvailabilitySet,
	cfg ReconcilerConfig,
	log *zap.Logger,
) *Reconciler {
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 500
	}
	return &Reconciler{
		snapshots: snapshots,
		operators: operators,
		geo:       geo,
		avail:     avail,
		cfg:       cfg,
		log:       log.Named("reconcile"),
	}
}

// Run performs one reconciliation pass. Only one pass runs at a time.
func (r *Reconciler) Run(ctx context.Context) (model.ReconcileResult, error) {
	if !r.running.TryLock() {
		return model.ReconcileResult{}, ErrReconcileInProgress
	}
	defer r.running.Unlock()

	start := time.Now()
	res, err := r.run(ctx)
	res.Duration = time.Since(start)

	r.observe(res, err)
	return res, err
}

func (r *Reconciler) run(ctx context.Context) (model.ReconcileResult, error) {
	var res model.ReconcileResult

	// ── Step 1: READ the registry ───────────────────────
	available, unavailable, err := r.readTarget(ctx)
	if err != nil {
		return res, err
	}
	r.log.Debug("snapshot read",
		zap.Int("available", len(available)),
		zap.Int("unavailable", len(unavailable)))

	// ── Step 2: CHECK the set structure ─────────────────
	err = r.avail.CheckStructure(ctx)
	switch {
	case errors.Is(err, index.ErrStructuralMismatch):
		r.log.Warn("availability set has the wrong structure, rebuilding", zap.Error(err))
		if err := r.avail.Reset(ctx); err != nil {
			return res, fmt.Errorf("%w: reset: %w", ErrApplyFailed, err)
		}
		res.Rebuilt = true
	case err != nil:
		return res, fmt.Errorf("%w: check structure: %w", ErrApplyFailed, err)
	}

	// ── Step 3: SCAN current members ────────────────────
	// unavailable is ours: members found in it are dropped, what remains is
	// the set of keys to add.
	toRemove := make(map[string]struct{})
	var held []string // members the snapshot does not mark available
	if !res.Rebuilt {
		seen := make(map[string]struct{})
		err := index.ScanAll(ctx, r.avail, r.cfg.ScanCount, func(keys []string) error {
			for _, k := range keys {
				if has(seen, k) {
					continue
				}
				seen[k] = struct{}{}

				switch {
				case has(available, k):
					toRemove[k] = struct{}{}
				case has(unavailable, k):
					delete(unavailable, k)
					held = append(held, k)
				default:
					held = append(held, k)
				}
			}
			return nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, fmt.Errorf("reconcile: scan aborted: %w", ctxErr)
			}
			return res, fmt.Errorf("%w: scan: %w", ErrApplyFailed, err)
		}
	}

	// ── Step 4: FILTER by position ──────────────────────
	// A key never seen by the geo index gets no marker. With PruneOrphans,
	// held markers without a position are dropped as well.
	candidates := sortedKeys(unavailable)
	pending := len(candidates)
	if r.cfg.PruneOrphans {
		candidates = append(candidates, held...)
	}
	placed, err := r.geo.Existing(ctx, candidates)
	if err != nil {
		return res, fmt.Errorf("%w: position check: %w", ErrApplyFailed, err)
	}

	toAdd := make([]string, 0, pending)
	for _, k := range candidates[:pending] {
		if placed[k] {
			toAdd = append(toAdd, k)
		}
	}
	for _, k := range candidates[pending:] {
		if !placed[k] {
			toRemove[k] = struct{}{}
		}
	}
	if skipped := pending - len(toAdd); skipped > 0 {
		r.log.Debug("unavailable taxis without a position left unmarked", zap.Int("count", skipped))
	}

	// ── Step 5: APPLY ───────────────────────────────────
	if len(toRemove) > 0 {
		keys := sortedKeys(toRemove)
		if err := r.avail.MarkAvailableBatch(ctx, keys); err != nil {
			return res, fmt.Errorf("%w: remove %d markers: %w", ErrApplyFailed, len(keys), err)
		}
		res.Removed = len(keys)
	}
	if len(toAdd) > 0 {
		if err := r.avail.MarkUnavailableBatch(ctx, toAdd); err != nil {
			return res, fmt.Errorf("%w: add %d markers: %w", ErrApplyFailed, len(toAdd), err)
		}
		res.Added = len(toAdd)
	}

	return res, nil
}

// readTarget builds the composite-key partition of the registry snapshot.
func (r *Reconciler) readTarget(ctx context.Context) (available, unavailable map[string]struct{}, err error) {
	rows, err := r.snapshots.ReadSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSnapshotUnavailable, err)
	}
	labels, err := r.operators.OperatorLabels(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: operator labels: %w", ErrSnapshotUnavailable, err)
	}

	available = make(map[string]struct{})
	unavailable = make(map[string]struct{})
	for _, row := range rows {
		operator := model.UnknownOperator
		if row.AddedBy != nil {
			if label, ok := labels[*row.AddedBy]; ok && label != "" {
				operator = label
			}
		}
		key := model.CompositeKey(row.TaxiID, operator)
		if row.TaxiStatus().Available() {
			available[key] = struct{}{}
		} else {
			unavailable[key] = struct{}{}
		}
	}

	// A taxi listed twice (several vehicle descriptions) is dispatchable if
	// any of its rows says so.
	for k := range available {
		delete(unavailable, k)
	}
	return available, unavailable, nil
}

func (r *Reconciler) observe(res model.ReconcileResult, err error) {
	metrics.ReconcileDurationMs.Observe(float64(res.Duration.Microseconds()) / 1000.0)
	if res.Rebuilt {
		metrics.ReconcileRebuildsTotal.Inc()
	}
	metrics.ReconcileAddedTotal.Add(float64(res.Added))
	metrics.ReconcileRemovedTotal.Add(float64(res.Removed))

	fields := []zap.Field{
		zap.Int("added", res.Added),
		zap.Int("removed", res.Removed),
		zap.Bool("rebuilt", res.Rebuilt),
		zap.Duration("took", res.Duration),
	}
	switch {
	case err == nil:
		metrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()
		r.log.Info("reconciliation done", fields...)
	case errors.Is(err, ErrSnapshotUnavailable):
		metrics.ReconcileRunsTotal.WithLabelValues("snapshot_error").Inc()
		r.log.Error("reconciliation failed", append(fields, zap.Error(err))...)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.ReconcileRunsTotal.WithLabelValues("aborted").Inc()
		r.log.Warn("reconciliation aborted", append(fields, zap.Error(err))...)
	default:
		metrics.ReconcileRunsTotal.WithLabelValues("apply_error").Inc()
		r.log.Error("reconciliation failed", append(fields, zap.Error(err))...)
	}
}

// ─── Helpers ────────────────────────────────────────────────

func has(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
