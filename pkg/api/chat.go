package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/vault"
)

type ChatHandler struct {
	conv Conversation
}

func NewChatHandler(conv Conversation) *ChatHandler {
	return &ChatHandler{conv: conv}
}

func (h *ChatHandler) Register(r *mux.Router) {
	r.HandleFunc("/chat/message", h.handleMessage).Methods(http.MethodPost)
	r.HandleFunc("/chat/confirm-patient", h.handleConfirmPatient).Methods(http.MethodPost)
	r.HandleFunc("/chat/select-patient", h.handleSelectPatient).Methods(http.MethodPost)
	r.HandleFunc("/chat/sessions/{id}", h.handleClearSession).Methods(http.MethodDelete)
	r.HandleFunc("/chat/sessions/{id}/history", h.handleHistory).Methods(http.MethodGet)
}

func (h *ChatHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := h.conv.ProcessMessage(r.Context(), req.Message, req.SessionID)
	writeChat(w, resp, err)
}

func (h *ChatHandler) handleConfirmPatient(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmPatientRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FullName) == "" {
		writeError(w, http.StatusBadRequest, "full_name is required")
		return
	}
	if req.Age != nil && (*req.Age < 0 || *req.Age > 150) {
		writeError(w, http.StatusBadRequest, "age is out of range")
		return
	}

	var gender *string
	if g := strings.TrimSpace(req.Gender); g != "" {
		gender = &g
	}
	resp, err := h.conv.ConfirmNewPatient(r.Context(), req.SessionID, req.FullName, req.Age, gender)
	if errors.Is(err, vault.ErrInvalidName) {
		writeError(w, http.StatusBadRequest, "full_name is required")
		return
	}
	writeChat(w, resp, err)
}

func (h *ChatHandler) handleSelectPatient(w http.ResponseWriter, r *http.Request) {
	var req models.SelectPatientRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.PseudonymousID) == "" {
		writeError(w, http.StatusBadRequest, "session_id and pseudonymous_id are required")
		return
	}

	resp, err := h.conv.SelectPatient(r.Context(), req.SessionID, req.PseudonymousID)
	writeChat(w, resp, err)
}

func (h *ChatHandler) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.conv.ClearSession(r.Context(), id); err != nil {
		logger.Log.WithError(err).Error("failed to clear session")
		writeError(w, http.StatusInternalServerError, "failed to clear session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, ok := queryLimit(w, r, defaultHistoryLimit)
	if !ok {
		return
	}

	text, err := h.conv.ConversationContext(r.Context(), id, limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load conversation history")
		writeError(w, http.StatusInternalServerError, "failed to load conversation history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"context":    text,
	})
}

// writeChat sends business outcomes with 200 and internal failures with 500.
// The body is the generic response either way.
func writeChat(w http.ResponseWriter, resp models.ChatResponse, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success":      false,
		"message":      message,
		"privacy_safe": true,
	})
}
