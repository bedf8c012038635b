package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
)

type ComplianceHandler struct {
	compliance Compliance
}

func NewComplianceHandler(c Compliance) *ComplianceHandler {
	return &ComplianceHandler{compliance: c}
}

func (h *ComplianceHandler) Register(r *mux.Router) {
	r.HandleFunc("/compliance/report", h.handleReport).Methods(http.MethodGet)
	r.HandleFunc("/compliance/audit", h.handleAudit).Methods(http.MethodGet)
}

func (h *ComplianceHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.compliance.ComplianceReport(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to build compliance report")
		writeError(w, http.StatusInternalServerError, "failed to build compliance report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *ComplianceHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	patient := r.URL.Query().Get("patient")
	if patient == "" {
		writeError(w, http.StatusBadRequest, "patient is required")
		return
	}
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}

	entries, err := h.compliance.AuditTrail(r.Context(), patient, limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load audit trail")
		writeError(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pseudonymous_id": patient,
		"entries":         entries,
		"count":           len(entries),
	})
}

const defaultHistoryLimit = 10

// queryLimit parses the optional limit parameter. It writes the 400 itself
// and reports false when the value is unusable.
func queryLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
