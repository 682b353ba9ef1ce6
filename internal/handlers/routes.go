package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ukydev/fleet-integrity/internal/middleware"
)

// Permission actions checked per route.
const (
	ActionIngestReading   = "ingest_reading"
	ActionViewMileage     = "view_mileage"
	ActionViewAlerts      = "view_alerts"
	ActionUpdateAlert     = "update_alert"
	ActionSeedTrust       = "seed_trust"
	ActionApplyTrustEvent = "apply_trust_event"
	ActionViewTrust       = "view_trust"
	ActionConsolidate     = "consolidate_batch"
	ActionViewBatches     = "view_batches"
	ActionAnchorBatch     = "anchor_batch"
	ActionVerifyProof     = "verify_proof"
)

// RateLimit configures ingestion throttling.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// RegisterRoutes mounts the API on r.
func RegisterRoutes(r *mux.Router, h *Handler, authMiddleware *middleware.AuthMiddleware, limiter *middleware.RateLimitMiddleware, limit RateLimit) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware.Authenticate)

	protect := func(action string, fn http.HandlerFunc) http.Handler {
		return authMiddleware.RequirePermission(action)(fn)
	}
	throttled := func(action string, fn http.HandlerFunc) http.Handler {
		handler := protect(action, fn)
		if limiter == nil || limit.Requests <= 0 {
			return handler
		}
		return limiter.RateLimit(limit.Requests, limit.Window)(handler)
	}

	api.Handle("/telemetry", throttled(ActionIngestReading, h.IngestTelemetry)).Methods(http.MethodPost)
	api.Handle("/alerts/{alertID}", protect(ActionUpdateAlert, h.UpdateAlert)).Methods(http.MethodPatch)
	api.Handle("/merkle/verify", protect(ActionVerifyProof, h.VerifyMerkleProof)).Methods(http.MethodPost)

	v := api.PathPrefix("/vehicles/{vehicleID}").Subrouter()
	v.Handle("/readings", throttled(ActionIngestReading, h.IngestReading)).Methods(http.MethodPost)
	v.Handle("/mileage", protect(ActionViewMileage, h.GetMileage)).Methods(http.MethodGet)
	v.Handle("/alerts", protect(ActionViewAlerts, h.GetAlerts)).Methods(http.MethodGet)

	v.Handle("/trust", protect(ActionViewTrust, h.GetTrust)).Methods(http.MethodGet)
	v.Handle("/trust/seed", protect(ActionSeedTrust, h.SeedTrust)).Methods(http.MethodPost)
	v.Handle("/trust/events", protect(ActionApplyTrustEvent, h.ApplyTrustEvent)).Methods(http.MethodPost)
	v.Handle("/trust/history", protect(ActionViewTrust, h.GetTrustHistory)).Methods(http.MethodGet)
	v.Handle("/trust/verify", protect(ActionViewTrust, h.VerifyTrust)).Methods(http.MethodGet)

	v.Handle("/batches/{date}", protect(ActionConsolidate, h.ConsolidateBatch)).Methods(http.MethodPost)
	v.Handle("/batches/{date}", protect(ActionViewBatches, h.GetBatch)).Methods(http.MethodGet)
	v.Handle("/batches/{date}/proof/{index}", protect(ActionVerifyProof, h.GetProof)).Methods(http.MethodGet)
	v.Handle("/batches/{date}/segments/{index}/readings", protect(ActionVerifyProof, h.GetSegmentReadings)).Methods(http.MethodGet)
	v.Handle("/batches/{date}/anchor", protect(ActionAnchorBatch, h.AttachAnchor)).Methods(http.MethodPost)
	v.Handle("/batches/{date}/anchor-failure", protect(ActionAnchorBatch, h.ReportAnchorFailure)).Methods(http.MethodPost)
}
