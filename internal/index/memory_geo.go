package index

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/shiva/taxiavail/internal/model"
	"github.com/shiva/taxiavail/pkg/geo"
)

// DefaultGeoPrecision is the geohash length used for buckets when none is
// configured: cells of roughly 1.2 km × 0.6 km.
const DefaultGeoPrecision uint = 6

// Option configures an index backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for update timestamps and scores.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ─── MemoryGeoIndex ─────────────────────────────────────────

type memoryEntry struct {
	loc       model.Location
	cell      string
	updatedAt time.Time
}

// MemoryGeoIndex is an in-process GeoIndex. Entries are bucketed by geohash
// cell; a radius query only visits the cells overlapping the query's
// bounding box, or the non-empty buckets when there are fewer of those.
type MemoryGeoIndex struct {
	mu        sync.RWMutex
	precision uint
	cellW     float64 // degrees of longitude per cell
	cellH     float64 // degrees of latitude per cell
	lonCells  int
	latCells  int
	entries   map[string]memoryEntry
	cells     map[string]map[string]struct{} // geohash -> keys
	now       func() time.Time
}

// NewMemoryGeoIndex creates an empty index bucketed at the given geohash
// precision (1..12; 0 selects DefaultGeoPrecision).
func NewMemoryGeoIndex(precision uint, opts ...Option) *MemoryGeoIndex {
	if precision == 0 {
		precision = DefaultGeoPrecision
	}
	if precision > 12 {
		precision = 12
	}
	o := buildOptions(opts)

	bits := 5 * precision
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	lonCells := 1 << lonBits
	latCells := 1 << latBits

	return &MemoryGeoIndex{
		precision: precision,
		cellW:     360.0 / float64(lonCells),
		cellH:     180.0 / float64(latCells),
		lonCells:  lonCells,
		latCells:  latCells,
		entries:   make(map[string]memoryEntry),
		cells:     make(map[string]map[string]struct{}),
		now:       o.now,
	}
}

// Upsert inserts or moves key.
func (g *MemoryGeoIndex) Upsert(ctx context.Context, key string, lon, lat float64) error {
	if err := geo.Validate(lon, lat); err != nil {
		return err
	}
	cell := g.cellOf(lat, lon)

	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.entries[key]; ok && old.cell != cell {
		g.removeFromCell(old.cell, key)
	}
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[cell] = bucket
	}
	bucket[key] = struct{}{}
	g.entries[key] = memoryEntry{
		loc:       model.Location{Lat: lat, Lon: lon},
		cell:      cell,
		updatedAt: g.now(),
	}
	return nil
}

// Remove deletes key if present.
func (g *MemoryGeoIndex) Remove(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.entries[key]; ok {
		g.removeFromCell(old.cell, key)
		delete(g.entries, key)
	}
	return nil
}

// Nearby returns the keys within radiusMeters of (lon, lat).
//
// Complexity: O(C + K log K) where C = cells visited and K = entries in them.
func (g *MemoryGeoIndex) Nearby(ctx context.Context, lon, lat, radiusMeters float64, limit int) ([]Neighbor, error) {
	if err := geo.Validate(lon, lat); err != nil {
		return nil, err
	}
	if radiusMeters < 0 {
		return nil, nil
	}
	center := model.Location{Lat: lat, Lon: lon}
	box, _ := geo.RadiusBox(center, radiusMeters)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Neighbor
	g.visitCells(box, func(bucket map[string]struct{}) {
		for key := range bucket {
			e := g.entries[key]
			d := geo.HaversineM(center, e.loc)
			if d <= radiusMeters {
				out = append(out, Neighbor{Key: key, Lon: e.loc.Lon, Lat: e.loc.Lat, DistanceM: d})
			}
		}
	})

	sortNeighbors(out)
	return truncate(out, limit), nil
}

// Exists reports whether key has a position.
func (g *MemoryGeoIndex) Exists(ctx context.Context, key string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.entries[key]
	return ok, nil
}

// Existing reports which of keys have a position.
func (g *MemoryGeoIndex) Existing(ctx context.Context, keys []string) (map[string]bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		_, out[k] = g.entries[k]
	}
	return out, nil
}

// Get returns the stored entry for key.
func (g *MemoryGeoIndex) Get(ctx context.Context, key string) (Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Key: key, Lon: e.loc.Lon, Lat: e.loc.Lat, UpdatedAt: e.updatedAt}, nil
}

// LastUpdate returns the time key was last upserted.
func (g *MemoryGeoIndex) LastUpdate(ctx context.Context, key string) (time.Time, error) {
	e, err := g.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	return e.UpdatedAt, nil
}

// Len returns the number of indexed keys.
func (g *MemoryGeoIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// ─── Cell helpers ───────────────────────────────────────────

// cellOf encodes a point. Points in the last row or column are moved to the
// cell center: the encoder's float math rounds values just below +90/+180
// up and wraps them to the opposite edge of the grid.
func (g *MemoryGeoIndex) cellOf(lat, lon float64) string {
	if top := 90 - g.cellH/2; lat > top {
		lat = top
	}
	if east := 180 - g.cellW/2; lon > east {
		lon = east
	}
	return geohash.EncodeWithPrecision(lat, lon, g.precision)
}

// removeFromCell must be called with the write lock held.
func (g *MemoryGeoIndex) removeFromCell(cell, key string) {
	bucket := g.cells[cell]
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

type lonRange struct{ min, max float64 }

// visitCells calls fn for every non-empty bucket that may hold points inside
// box. Must be called with at least the read lock held.
func (g *MemoryGeoIndex) visitCells(box geo.Box, fn func(map[string]struct{})) {
	ranges := []lonRange{{box.MinLon, box.MaxLon}}
	if box.CrossesAntimeridian() {
		ranges = []lonRange{{box.MinLon, 180}, {-180, box.MaxLon}}
	}

	rowMin, rowMax := g.row(box.MinLat), g.row(box.MaxLat)
	gridCells := 0
	for _, r := range ranges {
		gridCells += (g.col(r.max) - g.col(r.min) + 1) * (rowMax - rowMin + 1)
	}

	// Scanning the occupied buckets is cheaper than walking a mostly empty grid.
	if gridCells > len(g.cells) {
		for cell, bucket := range g.cells {
			if boxOverlaps(geohash.BoundingBox(cell), box) {
				fn(bucket)
			}
		}
		return
	}

	for row := rowMin; row <= rowMax; row++ {
		lat := -90 + (float64(row)+0.5)*g.cellH
		for _, r := range ranges {
			for col := g.col(r.min); col <= g.col(r.max); col++ {
				lon := -180 + (float64(col)+0.5)*g.cellW
				if bucket, ok := g.cells[geohash.EncodeWithPrecision(lat, lon, g.precision)]; ok {
					fn(bucket)
				}
			}
		}
	}
}

func (g *MemoryGeoIndex) row(lat float64) int {
	return clampIndex(int(math.Floor((lat+90)/g.cellH)), g.latCells)
}

func (g *MemoryGeoIndex) col(lon float64) int {
	return clampIndex(int(math.Floor((lon+180)/g.cellW)), g.lonCells)
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func boxOverlaps(cell geohash.Box, box geo.Box) bool {
	if cell.MaxLat < box.MinLat || cell.MinLat > box.MaxLat {
		return false
	}
	if box.CrossesAntimeridian() {
		return cell.MaxLng >= box.MinLon || cell.MinLng <= box.MaxLon
	}
	return cell.MaxLng >= box.MinLon && cell.MinLng <= box.MaxLon
}
