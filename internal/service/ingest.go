package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shiva/taxiavail/internal/index"
	"github.com/shiva/taxiavail/internal/metrics"
	"github.com/shiva/taxiavail/internal/model"
)

var ErrMissingTaxiID = errors.New("taxi id is required")

// Report is one position report pushed by an operator for a taxi.
type Report struct {
	TaxiID     string
	OperatorID string
	Lon        float64
	Lat        float64
	Status     model.TaxiStatus
}

// Ingestor applies position reports to the geo index and the availability
// set. The geo index is written first so that every marked key has (or
// had) a position.
type Ingestor struct {
	geo   index.GeoIndex
	avail index.AvailabilitySet
	log   *zap.Logger
}

// NewIngestor creates an ingestor over the given stores.
func NewIngestor(geo index.GeoIndex, avail index.AvailabilitySet, log *zap.Logger) *Ingestor {
	return &Ingestor{geo: geo, avail: avail, log: log.Named("ingest")}
}

// ApplyReport records the position of the reporting taxi and updates its
// availability. A report with an invalid coordinate changes nothing.
func (i *Ingestor) ApplyReport(ctx context.Context, r Report) error {
	if r.TaxiID == "" {
		metrics.ReportFailuresTotal.WithLabelValues("missing_taxi_id").Inc()
		return ErrMissingTaxiID
	}
	key := model.CompositeKey(r.TaxiID, r.OperatorID)

	if err := i.geo.Upsert(ctx, key, r.Lon, r.Lat); err != nil {
		if errors.Is(err, index.ErrInvalidCoordinate) {
			metrics.ReportFailuresTotal.WithLabelValues("invalid_coordinate").Inc()
		} else {
			metrics.ReportFailuresTotal.WithLabelValues("store_unavailable").Inc()
			i.log.Error("geo upsert failed", zap.String("key", key), zap.Error(err))
		}
		return fmt.Errorf("report %s: %w", key, err)
	}

	var err error
	if r.Status.Available() {
		err = i.avail.MarkAvailable(ctx, key)
	} else {
		err = i.avail.MarkUnavailable(ctx, key)
	}
	if err != nil {
		metrics.ReportFailuresTotal.WithLabelValues("store_unavailable").Inc()
		i.log.Error("availability update failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("report %s: %w", key, err)
	}

	status := string(r.Status)
	if status == "" {
		status = "unknown"
	}
	metrics.ReportsTotal.WithLabelValues(status).Inc()
	i.log.Debug("report applied",
		zap.String("key", key),
		zap.Float64("lon", r.Lon),
		zap.Float64("lat", r.Lat),
		zap.String("status", status))
	return nil
}

// LastUpdate returns when key last reported a position, or
// index.ErrNotFound.
func (i *Ingestor) LastUpdate(ctx context.Context, key string) (time.Time, error) {
	return i.geo.LastUpdate(ctx, key)
}

// Known reports whether the geo index holds a position for the taxi.
func (i *Ingestor) Known(ctx context.Context, taxiID, operator string) (bool, error) {
	if taxiID == "" {
		return false, ErrMissingTaxiID
	}
	return i.geo.Exists(ctx, model.CompositeKey(taxiID, operator))
}

// Locate returns the cached view of one taxi.
func (i *Ingestor) Locate(ctx context.Context, taxiID, operator string) (model.Taxi, error) {
	if taxiID == "" {
		return model.Taxi{}, ErrMissingTaxiID
	}
	key := model.CompositeKey(taxiID, operator)
	e, err := i.geo.Get(ctx, key)
	if err != nil {
		return model.Taxi{}, err
	}
	unavailable, err := i.avail.IsUnavailable(ctx, key)
	if err != nil {
		return model.Taxi{}, err
	}
	id, op := model.SplitKey(key)
	return model.Taxi{
		Key:            key,
		ID:             id,
		OperatorID:     op,
		Position:       &model.Location{Lat: e.Lat, Lon: e.Lon},
		Available:      !unavailable,
		LastUpdateTime: e.UpdatedAt,
	}, nil
}

// SignOff forgets a taxi: its position and its unavailable marker.
func (i *Ingestor) SignOff(ctx context.Context, taxiID, operator string) error {
	if taxiID == "" {
		return ErrMissingTaxiID
	}
	key := model.CompositeKey(taxiID, operator)
	if err := i.geo.Remove(ctx, key); err != nil {
		return fmt.Errorf("sign off %s: %w", key, err)
	}
	if err := i.avail.MarkAvailable(ctx, key); err != nil {
		return fmt.Errorf("sign off %s: %w", key, err)
	}
	i.log.Info("taxi signed off", zap.String("key", key))
	return nil
}
