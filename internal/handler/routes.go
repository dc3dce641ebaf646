package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Register mounts the API v1 routes on router.
func Register(router *mux.Router, taxis *TaxiHandler, rec *ReconcileHandler) {
	api := router.PathPrefix("/api/v1").Subrouter()

	// Device-facing
	api.HandleFunc("/taxis/{taxi_id}/reports", taxis.Report).Methods(http.MethodPost)
	api.HandleFunc("/taxis/{taxi_id}/session", taxis.SignOff).Methods(http.MethodDelete)
	// Dispatch-facing
	api.HandleFunc("/taxis/nearby", taxis.Nearby).Methods(http.MethodGet)
	api.HandleFunc("/taxis/{key}", taxis.Locate).Methods(http.MethodGet)
	api.HandleFunc("/taxis/{key}", taxis.Known).Methods(http.MethodHead)
	api.HandleFunc("/taxis/{key}/last-update", taxis.LastUpdate).Methods(http.MethodGet)
	// Operations
	api.HandleFunc("/reconcile", rec.Reconcile).Methods(http.MethodPost)
}
