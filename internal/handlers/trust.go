package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ukydev/fleet-integrity/internal/ingest"
	"github.com/ukydev/fleet-integrity/internal/middleware"
	"github.com/ukydev/fleet-integrity/internal/trust"
)

type seedRequest struct {
	Score  *float64 `json:"score"`
	Source string   `json:"source"`
}

type trustEventRequest struct {
	Type       string            `json:"type"`
	DeltaScore *float64          `json:"delta_score"`
	RecordedAt ingest.FlexTime   `json:"recorded_at"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata"`
}

// source defaults to the caller's token subject.
func source(r *http.Request, given string) string {
	if given != "" {
		return given
	}
	if claims, ok := middleware.GetClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return "api"
}

// SeedTrust handles POST /api/vehicles/{vehicleID}/trust/seed
func (h *Handler) SeedTrust(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Score == nil {
		h.fail(w, r, &ingest.ValidationError{Field: "score", Reason: "required"})
		return
	}
	change, err := h.engine.SeedTrustScore(r.Context(), mux.Vars(r)["vehicleID"], *req.Score, source(r, req.Source))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

// ApplyTrustEvent handles POST /api/vehicles/{vehicleID}/trust/events
func (h *Handler) ApplyTrustEvent(w http.ResponseWriter, r *http.Request) {
	var req trustEventRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.DeltaScore == nil {
		h.fail(w, r, &ingest.ValidationError{Field: "delta_score", Reason: "required"})
		return
	}
	change, err := h.engine.ApplyTrustEvent(r.Context(), trust.EventInput{
		VehicleID:  mux.Vars(r)["vehicleID"],
		Type:       req.Type,
		DeltaScore: *req.DeltaScore,
		RecordedAt: req.RecordedAt.Time,
		Source:     source(r, req.Source),
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

// GetTrust handles GET /api/vehicles/{vehicleID}/trust
func (h *Handler) GetTrust(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.GetTrustScore(r.Context(), mux.Vars(r)["vehicleID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetTrustHistory handles GET /api/vehicles/{vehicleID}/trust/history
func (h *Handler) GetTrustHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.GetTrustHistory(r.Context(), mux.Vars(r)["vehicleID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// VerifyTrust handles GET /api/vehicles/{vehicleID}/trust/verify
func (h *Handler) VerifyTrust(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.VerifyTrustLedger(r.Context(), mux.Vars(r)["vehicleID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
