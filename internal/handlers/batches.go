package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/ukydev/fleet-integrity/internal/ingest"
	"github.com/ukydev/fleet-integrity/internal/models"
)

type anchorRequest struct {
	AnchorRefs []string `json:"anchor_refs"`
}

type anchorFailureRequest struct {
	Reason string `json:"reason"`
}

type verifyRequest struct {
	Segment    models.TelemetrySegment `json:"segment"`
	MerkleRoot string                  `json:"merkle_root"`
	Proof      models.MerkleProof      `json:"proof"`
}

// ConsolidateBatch handles POST /api/vehicles/{vehicleID}/batches/{date}.
// It answers 201 for a new batch and 200 when the batch already existed.
func (h *Handler) ConsolidateBatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	batch, created, err := h.engine.ConsolidateBatch(r.Context(), vars["vehicleID"], vars["date"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, batch)
}

// GetBatch handles GET /api/vehicles/{vehicleID}/batches/{date}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	batch, err := h.engine.GetBatch(r.Context(), vars["vehicleID"], vars["date"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// GetProof handles GET /api/vehicles/{vehicleID}/batches/{date}/proof/{index}
func (h *Handler) GetProof(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		h.fail(w, r, &ingest.ValidationError{Field: "index", Reason: "must be an integer"})
		return
	}
	proof, err := h.engine.BatchProof(r.Context(), vars["vehicleID"], vars["date"], index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// GetSegmentReadings handles GET /api/vehicles/{vehicleID}/batches/{date}/segments/{index}/readings
func (h *Handler) GetSegmentReadings(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		h.fail(w, r, &ingest.ValidationError{Field: "index", Reason: "must be an integer"})
		return
	}
	readings, err := h.engine.SegmentReadings(r.Context(), vars["vehicleID"], vars["date"], index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// AttachAnchor handles POST /api/vehicles/{vehicleID}/batches/{date}/anchor
func (h *Handler) AttachAnchor(w http.ResponseWriter, r *http.Request) {
	var req anchorRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	vars := mux.Vars(r)
	batch, err := h.engine.AttachAnchor(r.Context(), vars["vehicleID"], vars["date"], req.AnchorRefs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// ReportAnchorFailure handles POST /api/vehicles/{vehicleID}/batches/{date}/anchor-failure
func (h *Handler) ReportAnchorFailure(w http.ResponseWriter, r *http.Request) {
	var req anchorFailureRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	vars := mux.Vars(r)
	batch, err := h.engine.ReportAnchorFailure(r.Context(), vars["vehicleID"], vars["date"], req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// VerifyMerkleProof handles POST /api/merkle/verify
func (h *Handler) VerifyMerkleProof(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	valid := h.engine.VerifySegment(req.Segment, req.MerkleRoot, req.Proof)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}
