// Package model contains domain models for the taxi availability index.
// Taxi rows map to the taxi / vehicle / vehicle_description tables of the
// registry database; everything else describes cache entries.
package model

import (
	"strings"
	"time"
)

// ─── Enums ──────────────────────────────────────────────────

// TaxiStatus is the status a driver's device (or the registry) reports for
// a taxi. Only StatusFree makes a taxi dispatchable.
type TaxiStatus string

const (
	StatusFree      TaxiStatus = "free"
	StatusAnswering TaxiStatus = "answering"
	StatusOccupied  TaxiStatus = "occupied"
	StatusOncoming  TaxiStatus = "oncoming"
	StatusOff       TaxiStatus = "off"
	// StatusUnknown covers a missing vehicle description row.
	StatusUnknown TaxiStatus = ""
)

// Available reports whether the status makes a taxi dispatchable.
func (s TaxiStatus) Available() bool {
	return s == StatusFree
}

// Valid reports whether s is a status a device may report.
func (s TaxiStatus) Valid() bool {
	switch s {
	case StatusFree, StatusAnswering, StatusOccupied, StatusOncoming, StatusOff:
		return true
	}
	return false
}

// ─── Composite keys ─────────────────────────────────────────

// UnknownOperator is the operator partition used when the caller identity
// (or the registering user) is absent.
const UnknownOperator = "unknown"

// CompositeKey returns "{taxi_id}:{operator}", the key used by both the geo
// index and the availability set.
func CompositeKey(taxiID, operator string) string {
	if operator == "" {
		operator = UnknownOperator
	}
	return taxiID + ":" + operator
}

// SplitKey reverses CompositeKey. Operators may not contain ':' but taxi ids
// are opaque, so the split happens on the last separator.
func SplitKey(key string) (taxiID, operator string) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return key, UnknownOperator
	}
	return key[:i], key[i+1:]
}

// ─── Location ───────────────────────────────────────────────

// Location represents a WGS-84 geographic point (EPSG:4326).
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ─── Domain Models ──────────────────────────────────────────

// Taxi is the cached view of one composite key: where it was last seen and
// whether it is currently dispatchable.
type Taxi struct {
	Key            string    `json:"key"`
	ID             string    `json:"id"`
	OperatorID     string    `json:"operator_id"`
	Position       *Location `json:"position,omitempty"`
	Available      bool      `json:"available"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// SnapshotRow is one row of the reconciliation snapshot. Status and AddedBy
// are NULL when the taxi has no vehicle description.
type SnapshotRow struct {
	TaxiID  string
	Status  *string
	AddedBy *int64
}

// TaxiStatus returns the row status, StatusUnknown for NULL.
func (r SnapshotRow) TaxiStatus() TaxiStatus {
	if r.Status == nil {
		return StatusUnknown
	}
	return TaxiStatus(*r.Status)
}

// ─── Dispatch DTOs ──────────────────────────────────────────

// NearbyTaxi is a dispatchable taxi returned by a proximity query.
type NearbyTaxi struct {
	Key        string  `json:"key"`
	TaxiID     string  `json:"taxi_id"`
	OperatorID string  `json:"operator"`
	Lon        float64 `json:"lon"`
	Lat        float64 `json:"lat"`
	DistanceM  float64 `json:"distance_m"`
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Added    int           `json:"added"`
	Removed  int           `json:"removed"`
	Rebuilt  bool          `json:"rebuilt"`
	Duration time.Duration `json:"duration_ns"`
}
