// Package api exposes the conversation and compliance endpoints over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/synaptica-ai/medshield/pkg/api/middleware"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/resolution"
	"github.com/synaptica-ai/medshield/pkg/vault"
)

type Conversation interface {
	ProcessMessage(ctx context.Context, text, sessionID string) (models.ChatResponse, error)
	ConfirmNewPatient(ctx context.Context, sessionID, fullName string, age *int, gender *string) (models.ChatResponse, error)
	SelectPatient(ctx context.Context, sessionID, token string) (models.ChatResponse, error)
	ClearSession(ctx context.Context, sessionID string) error
	ConversationContext(ctx context.Context, sessionID string, limit int) (string, error)
}

type Compliance interface {
	ComplianceReport(ctx context.Context) (vault.ComplianceReport, error)
	AuditTrail(ctx context.Context, pseudonymousID string, limit int) ([]vault.AuditEntry, error)
}

// PatientDirectory backs the partial-name patient search.
type PatientDirectory interface {
	Search(ctx context.Context, fragment, actor string) ([]resolution.Candidate, error)
}

type Options struct {
	MaxBodyBytes   int64
	RateLimitRPS   int
	RateLimitBurst int
	// Patients enables /api/patients/search when set.
	Patients PatientDirectory
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(conv Conversation, compliance Compliance, opts Options) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.BodyLimit(opts.MaxBodyBytes))
	router.Use(middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api").Subrouter()
	NewChatHandler(conv).Register(apiRouter)
	NewComplianceHandler(compliance).Register(apiRouter)
	if opts.Patients != nil {
		NewPatientHandler(opts.Patients).Register(apiRouter)
	}

	return router
}
