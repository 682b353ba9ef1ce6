// Package handlers exposes the integrity engine over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-integrity/internal/consolidator"
	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/fraud"
	"github.com/ukydev/fleet-integrity/internal/ingest"
	"github.com/ukydev/fleet-integrity/internal/merkle"
	"github.com/ukydev/fleet-integrity/internal/models"
	"github.com/ukydev/fleet-integrity/internal/rawstore"
	"github.com/ukydev/fleet-integrity/internal/trust"
)

const maxBodyBytes = 1 << 20

// Engine is the subset of the integrity engine the handlers call.
type Engine interface {
	IngestReading(ctx context.Context, vehicleID string, raw ingest.RawReading) (models.MileageValidationResult, error)
	MileageState(ctx context.Context, vehicleID string) (*models.VehicleMileageState, error)
	Alerts(ctx context.Context, vehicleID string) ([]models.FraudAlert, error)
	TransitionAlert(ctx context.Context, alertID string, status models.AlertStatus) (*models.FraudAlert, error)

	SeedTrustScore(ctx context.Context, vehicleID string, score float64, source string) (models.ScoreChange, error)
	ApplyTrustEvent(ctx context.Context, in trust.EventInput) (models.ScoreChange, error)
	GetTrustScore(ctx context.Context, vehicleID string) (models.TrustScoreState, error)
	GetTrustHistory(ctx context.Context, vehicleID string) ([]models.TrustEvent, error)
	VerifyTrustLedger(ctx context.Context, vehicleID string) (trust.VerifyReport, error)

	ConsolidateBatch(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, bool, error)
	GetBatch(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, error)
	AttachAnchor(ctx context.Context, vehicleID, date string, refs []string) (*models.TelemetryBatch, error)
	ReportAnchorFailure(ctx context.Context, vehicleID, date, reason string) (*models.TelemetryBatch, error)
	BatchProof(ctx context.Context, vehicleID, date string, index int) (*consolidator.SegmentProof, error)
	SegmentReadings(ctx context.Context, vehicleID, date string, index int) ([]models.TelemetryReading, error)
	VerifySegment(seg models.TelemetrySegment, root string, proof models.MerkleProof) bool
}

// Handler serves the integrity API.
type Handler struct {
	engine Engine
	logger log.FieldLogger
}

// NewHandler creates a new handler
func NewHandler(engine Engine, logger log.FieldLogger) *Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{engine: engine, logger: logger}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return &ingest.ValidationError{Field: "body", Reason: "failed to read request body"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			return verr
		}
		return &ingest.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, db.ErrInvalidID),
		errors.Is(err, trust.ErrInvalidScore),
		errors.Is(err, trust.ErrInvalidDelta),
		errors.Is(err, trust.ErrInvalidEvent),
		errors.Is(err, fraud.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, merkle.ErrIndexOutOfRange),
		errors.Is(err, rawstore.ErrNotFound),
		errors.Is(err, consolidator.ErrNotArchived):
		return http.StatusNotFound
	case errors.Is(err, db.ErrConflict),
		errors.Is(err, db.ErrDuplicate),
		errors.Is(err, fraud.ErrInvalidTransition),
		errors.Is(err, consolidator.ErrInvalidTransition),
		errors.Is(err, consolidator.ErrNotConsolidated):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Unexpected errors are logged and
// their detail withheld from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}
