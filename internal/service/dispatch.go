package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shiva/taxiavail/internal/index"
	"github.com/shiva/taxiavail/internal/metrics"
	"github.com/shiva/taxiavail/internal/model"
)

// Dispatcher answers proximity queries for dispatchable taxis.
type Dispatcher struct {
	geo   index.GeoIndex
	avail index.AvailabilitySet
	log   *zap.Logger
}

// NewDispatcher creates a dispatcher over the given stores.
func NewDispatcher(geo index.GeoIndex, avail index.AvailabilitySet, log *zap.Logger) *Dispatcher {
	return &Dispatcher{geo: geo, avail: avail, log: log.Named("dispatch")}
}

// NearbyAvailable returns up to limit available taxis within radiusMeters,
// nearest first. limit <= 0 means unbounded.
//
// Every candidate in the radius is fetched before filtering, so unavailable
// taxis close to the center never hide available ones further out. If the
// availability set cannot be read the answer is empty: nothing is known to
// be dispatchable.
func (d *Dispatcher) NearbyAvailable(ctx context.Context, lon, lat, radiusMeters float64, limit int) ([]model.NearbyTaxi, error) {
	start := time.Now()
	defer func() {
		metrics.NearbyQueriesTotal.Inc()
		metrics.NearbyDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	candidates, err := d.geo.Nearby(ctx, lon, lat, radiusMeters, 0)
	if err != nil {
		return nil, err
	}
	out := []model.NearbyTaxi{}
	if len(candidates) == 0 {
		return out, nil
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.Key
	}
	unavailable, err := d.avail.Unavailable(ctx, keys)
	if err != nil {
		metrics.NearbyDegradedTotal.Inc()
		d.log.Warn("availability lookup failed, answering empty",
			zap.Int("candidates", len(candidates)), zap.Error(err))
		return out, nil
	}

	for _, c := range candidates {
		if unavailable[c.Key] {
			continue
		}
		id, op := model.SplitKey(c.Key)
		out = append(out, model.NearbyTaxi{
			Key:        c.Key,
			TaxiID:     id,
			OperatorID: op,
			Lon:        c.Lon,
			Lat:        c.Lat,
			DistanceM:  c.DistanceM,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
