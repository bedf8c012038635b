package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
)

// ActorAPI is recorded in the audit trail for lookups made over HTTP.
const ActorAPI = "api"

type PatientHandler struct {
	patients PatientDirectory
}

func NewPatientHandler(p PatientDirectory) *PatientHandler {
	return &PatientHandler{patients: p}
}

func (h *PatientHandler) Register(r *mux.Router) {
	r.HandleFunc("/patients/search", h.handleSearch).Methods(http.MethodGet)
}

func (h *PatientHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < 2 {
		writeError(w, http.StatusBadRequest, "q must be at least 2 characters")
		return
	}

	candidates, err := h.patients.Search(r.Context(), q, ActorAPI)
	if err != nil {
		logger.Log.WithError(err).Error("patient search failed")
		writeError(w, http.StatusInternalServerError, "patient search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patients": candidates,
		"count":    len(candidates),
	})
}
