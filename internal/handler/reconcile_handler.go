package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/shiva/taxiavail/internal/service"
)

// ReconcileResponse is returned by POST /api/v1/reconcile.
type ReconcileResponse struct {
	Added      int     `json:"added"`
	Removed    int     `json:"removed"`
	Rebuilt    bool    `json:"rebuilt"`
	DurationMs float64 `json:"duration_ms"`
}

// ReconcileHandler triggers an on-demand reconciliation pass.
type ReconcileHandler struct {
	rec *service.Reconciler
	log *zap.Logger
}

// NewReconcileHandler creates a new reconcile handler.
func NewReconcileHandler(rec *service.Reconciler, log *zap.Logger) *ReconcileHandler {
	return &ReconcileHandler{rec: rec, log: log.Named("handler")}
}

// Reconcile handles POST /api/v1/reconcile
//
// Response codes:
//
//	200: pass completed
//	409: another pass is running
//	503: registry or cache unreachable
func (h *ReconcileHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.rec.Run(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrReconcileInProgress):
			writeError(w, http.StatusConflict, "in_progress", "a reconciliation pass is already running")
		case errors.Is(err, service.ErrSnapshotUnavailable):
			writeError(w, http.StatusServiceUnavailable, "snapshot_unavailable", "")
		case errors.Is(err, service.ErrApplyFailed):
			writeError(w, http.StatusServiceUnavailable, "apply_failed", "")
		default:
			h.log.Error("reconcile failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "")
		}
		return
	}

	writeJSON(w, http.StatusOK, ReconcileResponse{
		Added:      res.Added,
		Removed:    res.Removed,
		Rebuilt:    res.Rebuilt,
		DurationMs: float64(res.Duration.Microseconds()) / 1000.0,
	})
}
