// Package index holds the two cache structures behind dispatch: a geo index
// of taxi positions and the set of taxis currently marked unavailable.
//
// Both structures are addressed by composite keys (model.CompositeKey) and
// come in two flavours: Redis-backed for production, and in-process for
// single-node deployments and tests. The cache is derived state; everything
// in it can be rebuilt from the registry database and fresh reports.
package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shiva/taxiavail/pkg/geo"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	// ErrInvalidCoordinate rejects positions outside [-180,180]×[-90,90].
	ErrInvalidCoordinate = geo.ErrInvalidCoordinate

	// ErrNotFound is returned when a key has no geo index entry.
	ErrNotFound = errors.New("key not found")

	// ErrStoreUnavailable wraps any failure talking to the cache store.
	ErrStoreUnavailable = errors.New("cache store unavailable")

	// ErrStructuralMismatch means the backing storage holds data of an
	// unexpected shape (e.g. the availability key is not a sorted set).
	ErrStructuralMismatch = errors.New("cache structure mismatch")
)

// ─── Types ──────────────────────────────────────────────────

// Neighbor is one result of a proximity query.
type Neighbor struct {
	Key       string
	Lon       float64
	Lat       float64
	DistanceM float64
}

// Entry is the stored state of one geo index key.
type Entry struct {
	Key       string
	Lon       float64
	Lat       float64
	UpdatedAt time.Time
}

// GeoIndex stores taxi positions by composite key.
type GeoIndex interface {
	// Upsert inserts or moves key to (lon, lat) and stamps the update time.
	Upsert(ctx context.Context, key string, lon, lat float64) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Nearby returns keys within radiusMeters of (lon, lat), nearest first,
	// ties broken by key. limit <= 0 means no limit.
	Nearby(ctx context.Context, lon, lat, radiusMeters float64, limit int) ([]Neighbor, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Existing reports which of keys have a position, in one round trip.
	Existing(ctx context.Context, keys []string) (map[string]bool, error)
	// Get returns the stored entry or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)
	// LastUpdate returns the time of the last Upsert or ErrNotFound.
	LastUpdate(ctx context.Context, key string) (time.Time, error)
}

// AvailabilitySet is the suppression list: a key present in the set is not
// dispatchable even if it has a position.
type AvailabilitySet interface {
	MarkUnavailable(ctx context.Context, key string) error
	// MarkAvailable removes key from the set.
	MarkAvailable(ctx context.Context, key string) error
	IsUnavailable(ctx context.Context, key string) (bool, error)
	// Unavailable reports membership for several keys in one round trip.
	Unavailable(ctx context.Context, keys []string) (map[string]bool, error)

	MarkUnavailableBatch(ctx context.Context, keys []string) error
	MarkAvailableBatch(ctx context.Context, keys []string) error

	// Scan returns one page of members starting at cursor ("" for the first
	// page). An empty next cursor ends the scan. The view is weakly
	// consistent: members present for the whole scan are returned at least
	// once, members added or removed meanwhile may be missed or repeated.
	Scan(ctx context.Context, cursor string, count int) (keys []string, next string, err error)

	// CheckStructure returns ErrStructuralMismatch when the backing storage
	// cannot be used as a set. Reset drops it so it can be rebuilt.
	CheckStructure(ctx context.Context) error
	Reset(ctx context.Context) error
}

// ScanAll walks the whole set page by page, handing each page to fn.
// A key may reach fn more than once. Cancellation is checked between pages
// and returned unwrapped; an error from fn stops the walk and is returned
// as is.
func ScanAll(ctx context.Context, set AvailabilitySet, count int, fn func(keys []string) error) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := set.Scan(ctx, cursor, count)
		if err != nil {
			return err
		}
		if err := fn(keys); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// ─── Helpers ────────────────────────────────────────────────

// storeErr tags a backend error so callers can match ErrStoreUnavailable or,
// for Redis WRONGTYPE replies, ErrStructuralMismatch.
func storeErr(op string, err error) error {
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%s: %w: %w", op, ErrStructuralMismatch, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// sortNeighbors orders by distance then key.
func sortNeighbors(ns []Neighbor) {
	slices.SortFunc(ns, func(a, b Neighbor) int {
		if c := cmp.Compare(a.DistanceM, b.DistanceM); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}

// truncate applies a Nearby limit.
func truncate(ns []Neighbor, limit int) []Neighbor {
	if limit > 0 && len(ns) > limit {
		return ns[:limit]
	}
	return ns
}
