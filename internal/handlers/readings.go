package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ukydev/fleet-integrity/internal/ingest"
	"github.com/ukydev/fleet-integrity/internal/middleware"
	"github.com/ukydev/fleet-integrity/internal/models"
)

type fraudResponse struct {
	Error  string                         `json:"error"`
	Result models.MileageValidationResult `json:"result"`
}

// IngestReading handles POST /api/vehicles/{vehicleID}/readings
func (h *Handler) IngestReading(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, mux.Vars(r)["vehicleID"])
}

// IngestTelemetry handles POST /api/telemetry, where the body names the vehicle
func (h *Handler) IngestTelemetry(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, "")
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, vehicleID string) {
	var raw ingest.RawReading
	if err := decodeJSON(r, &raw); err != nil {
		h.fail(w, r, err)
		return
	}
	if raw.DeviceID == "" && raw.DeviceIDCamel == "" {
		if claims, ok := middleware.GetClaimsFromContext(r.Context()); ok && claims.Role == models.RoleDevice {
			raw.DeviceID = claims.Subject
		}
	}

	result, err := h.engine.IngestReading(r.Context(), vehicleID, raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if result.Flagged {
		writeJSON(w, http.StatusUnprocessableEntity, fraudResponse{
			Error:  "fraud detected: " + result.Reason,
			Result: result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetMileage handles GET /api/vehicles/{vehicleID}/mileage
func (h *Handler) GetMileage(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.MileageState(r.Context(), mux.Vars(r)["vehicleID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetAlerts handles GET /api/vehicles/{vehicleID}/alerts
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.engine.Alerts(r.Context(), mux.Vars(r)["vehicleID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

type alertUpdateRequest struct {
	Status models.AlertStatus `json:"status"`
}

// UpdateAlert handles PATCH /api/alerts/{alertID}
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req alertUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	alert, err := h.engine.TransitionAlert(r.Context(), mux.Vars(r)["alertID"], req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}
