// Package agents holds the collaborators the orchestrator delegates to:
// extraction runs inside the trusted boundary, planning and execution only
// ever see a pseudonymous id and semantic context.
package agents

import (
	"context"
	"errors"
	"time"

	"github.com/synaptica-ai/medshield/pkg/common/models"
)

var (
	ErrUnparsableResponse = errors.New("collaborator returned an unparsable response")
	ErrUnsupportedAction  = errors.New("unsupported action type")
)

// Extraction is the structured view of one raw message. Name, Age and Gender
// are PII and stay local; Semantic is safe to share.
type Extraction struct {
	FullName    string                 `json:"full_name,omitempty"`
	Age         *int                   `json:"age,omitempty"`
	Gender      *string                `json:"gender,omitempty"`
	MedicalInfo string                 `json:"medical_info"`
	Intent      models.Intent          `json:"intent"`
	Semantic    models.SemanticContext `json:"semantic_context"`
}

type Extractor interface {
	Extract(ctx context.Context, message string) (Extraction, error)
}

type Planner interface {
	Plan(ctx context.Context, pseudonymousID string, action models.Intent, semantic models.SemanticContext) (models.ExecutionPlan, error)
}

// ExecutionRequest carries no real identity. Digest is set for summaries.
type ExecutionRequest struct {
	PseudonymousID string
	Action         models.Intent
	Plan           models.ExecutionPlan
	Semantic       models.SemanticContext
	Digest         *models.RecordDigest
}

type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (models.ExecutionResult, error)
}

// Clock lets tests pin scheduling times.
type Clock func() time.Time
