package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shiva/taxiavail/internal/index"
	"github.com/shiva/taxiavail/internal/model"
	"github.com/shiva/taxiavail/internal/service"
)

const (
	// DefaultNearbyRadiusM applies when the radius query parameter is absent.
	DefaultNearbyRadiusM = 500.0
	// DefaultNearbyLimit applies when the limit query parameter is absent.
	DefaultNearbyLimit = 20
)

// ─── Request/Response DTOs ──────────────────────────────────

// ReportBody is the JSON body for POST /api/v1/taxis/{taxi_id}/reports.
// Coordinates are pointers so that a missing field is told apart from 0.
type ReportBody struct {
	Operator string   `json:"operator"`
	Lon      *float64 `json:"lon"`
	Lat      *float64 `json:"lat"`
	Status   string   `json:"status"`
}

// LastUpdateResponse is returned by GET /api/v1/taxis/{key}/last-update.
type LastUpdateResponse struct {
	Key        string    `json:"key"`
	LastUpdate time.Time `json:"last_update"`
}

// NearbyResponse is returned by GET /api/v1/taxis/nearby.
type NearbyResponse struct {
	Taxis []model.NearbyTaxi `json:"taxis"`
}

// ─── TaxiHandler ────────────────────────────────────────────

// TaxiHandler exposes position reports, sign-off and proximity queries.
type TaxiHandler struct {
	ingest   *service.Ingestor
	dispatch *service.Dispatcher
	log      *zap.Logger
}

// NewTaxiHandler creates a new taxi handler.
func NewTaxiHandler(ingest *service.Ingestor, dispatch *service.Dispatcher, log *zap.Logger) *TaxiHandler {
	return &TaxiHandler{ingest: ingest, dispatch: dispatch, log: log.Named("handler")}
}

// Report handles POST /api/v1/taxis/{taxi_id}/reports
//
//	Request body:
//	{"operator": "op1@example.com", "lon": 2.35, "lat": 48.85, "status": "free"}
//
// Response codes:
//
//	204: report applied
//	400: malformed body, unknown status or invalid coordinate
//	503: cache unreachable
func (h *TaxiHandler) Report(w http.ResponseWriter, r *http.Request) {
	var body ReportBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}
	if body.Lon == nil || body.Lat == nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", "lon and lat are required")
		return
	}
	status := model.TaxiStatus(body.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status",
			"status must be one of free, answering, occupied, oncoming, off")
		return
	}

	err := h.ingest.ApplyReport(r.Context(), service.Report{
		TaxiID:     mux.Vars(r)["taxi_id"],
		OperatorID: body.Operator,
		Lon:        *body.Lon,
		Lat:        *body.Lat,
		Status:     status,
	})
	if err != nil {
		switch {
		case errors.Is(err, index.ErrInvalidCoordinate):
			writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
		case errors.Is(err, service.ErrMissingTaxiID):
			writeError(w, http.StatusBadRequest, "invalid_taxi_id", err.Error())
		default:
			h.log.Error("apply report failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SignOff handles DELETE /api/v1/taxis/{taxi_id}/session?operator=
func (h *TaxiHandler) SignOff(w http.ResponseWriter, r *http.Request) {
	taxiID := mux.Vars(r)["taxi_id"]
	operator := r.URL.Query().Get("operator")

	if err := h.ingest.SignOff(r.Context(), taxiID, operator); err != nil {
		if errors.Is(err, service.ErrMissingTaxiID) {
			writeError(w, http.StatusBadRequest, "invalid_taxi_id", err.Error())
			return
		}
		h.log.Error("sign off failed", zap.String("taxi_id", taxiID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LastUpdate handles GET /api/v1/taxis/{key}/last-update
//
// key is the composite "{taxi_id}:{operator}".
func (h *TaxiHandler) LastUpdate(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ts, err := h.ingest.LastUpdate(r.Context(), key)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no position recorded for "+key)
			return
		}
		h.log.Error("last update lookup failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, LastUpdateResponse{Key: key, LastUpdate: ts})
}

// Locate handles GET /api/v1/taxis/{key}
//
// Returns the cached position and availability of one taxi; 404 when the
// geo index has no entry for key.
func (h *TaxiHandler) Locate(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	taxiID, operator := model.SplitKey(key)

	taxi, err := h.ingest.Locate(r.Context(), taxiID, operator)
	if err != nil {
		switch {
		case errors.Is(err, index.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "no position recorded for "+key)
		case errors.Is(err, service.ErrMissingTaxiID):
			writeError(w, http.StatusBadRequest, "invalid_taxi_id", err.Error())
		default:
			h.log.Error("locate failed", zap.String("key", key), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "")
		}
		return
	}
	writeJSON(w, http.StatusOK, taxi)
}

// Known handles HEAD /api/v1/taxis/{key}: 200 when the taxi has a position,
// 404 otherwise. No body.
func (h *TaxiHandler) Known(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	taxiID, operator := model.SplitKey(key)

	ok, err := h.ingest.Known(r.Context(), taxiID, operator)
	switch {
	case errors.Is(err, service.ErrMissingTaxiID):
		w.WriteHeader(http.StatusBadRequest)
	case err != nil:
		h.log.Error("known lookup failed", zap.String("key", key), zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
	case !ok:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// Nearby handles GET /api/v1/taxis/nearby?lon=&lat=&radius=&limit=
//
// radius is in meters; limit=0 means unbounded.
func (h *TaxiHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	if errLon != nil || errLat != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", "lon and lat must be numbers")
		return
	}

	radius := DefaultNearbyRadiusM
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			writeError(w, http.StatusBadRequest, "invalid_radius", "radius must be a finite non-negative number of meters")
			return
		}
		radius = f
	}

	limit := DefaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	taxis, err := h.dispatch.NearbyAvailable(r.Context(), lon, lat, radius, limit)
	if err != nil {
		if errors.Is(err, index.ErrInvalidCoordinate) {
			writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
			return
		}
		h.log.Error("nearby query failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "")
		return
	}
	if taxis == nil {
		taxis = []model.NearbyTaxi{}
	}
	writeJSON(w, http.StatusOK, NearbyResponse{Taxis: taxis})
}
