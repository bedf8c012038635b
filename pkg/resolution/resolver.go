// Package resolution turns a candidate real name into a decision about which
// stored identity it refers to. It never guesses between same-name patients
// and never creates identities implicitly.
package resolution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/vault"
)

type Status string

const (
	StatusResolved            Status = "resolved"
	StatusNeedsDisambiguation Status = "needs_disambiguation"
	StatusNeedsConfirmation   Status = "needs_confirmation"
)

const (
	ActionSelectPatient     = "select_patient_uuid"
	ActionConfirmNewPatient = "confirm_new_patient"
)

// IdentityStore is the part of the vault the resolver needs.
type IdentityStore interface {
	FindByName(ctx context.Context, fullName, actor string) ([]vault.Identity, error)
	SearchByName(ctx context.Context, fragment, actor string) ([]vault.Identity, error)
	Touch(ctx context.Context, pseudonymousID string, age *int, gender *string, actor string) (vault.Identity, error)
	CreateIdentity(ctx context.Context, fullName string, age *int, gender *string, actor string) (vault.Identity, error)
}

type Candidate struct {
	PseudonymousID string    `json:"pseudonymous_id"`
	FullName       string    `json:"full_name"`
	Age            *int      `json:"age,omitempty"`
	Gender         *string   `json:"gender,omitempty"`
	LastAccessed   time.Time `json:"last_accessed"`
}

// Decision is the outcome of Resolve. Which fields are set depends on Status.
type Decision struct {
	Status         Status      `json:"status"`
	PseudonymousID string      `json:"pseudonymous_id,omitempty"`
	FullName       string      `json:"full_name"`
	Age            *int        `json:"age,omitempty"`
	Gender         *string     `json:"gender,omitempty"`
	Candidates     []Candidate `json:"candidates,omitempty"`
	ActionRequired string      `json:"action_required,omitempty"`
	Message        string      `json:"message"`
}

type Resolver struct {
	store IdentityStore
}

func NewResolver(store IdentityStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve matches by exact normalized name only. Age and gender are
// refreshed on a single hit and shown to the user otherwise, but never used to
// pick between candidates.
func (r *Resolver) Resolve(ctx context.Context, fullName string, age *int, gender *string, actor string) (Decision, error) {
	name := strings.Join(strings.Fields(fullName), " ")
	if name == "" {
		return Decision{}, vault.ErrInvalidName
	}

	matches, err := r.store.FindByName(ctx, name, actor)
	if err != nil {
		return Decision{}, fmt.Errorf("lookup identity: %w", err)
	}

	switch len(matches) {
	case 0:
		logger.Log.Info("No stored identity matches; new patient confirmation required")
		return Decision{
			Status:         StatusNeedsConfirmation,
			FullName:       name,
			Age:            age,
			Gender:         gender,
			ActionRequired: ActionConfirmNewPatient,
			Message:        fmt.Sprintf("No patient named %s was found. Do you want to register %s as a new patient?", name, name),
		}, nil

	case 1:
		identity, err := r.store.Touch(ctx, matches[0].PseudonymousID, age, gender, actor)
		if err != nil {
			return Decision{}, fmt.Errorf("touch identity: %w", err)
		}
		logger.Log.WithField("pseudonymous_id", logger.ShortID(identity.PseudonymousID)).Info("Identity resolved")
		return Decision{
			Status:         StatusResolved,
			PseudonymousID: identity.PseudonymousID,
			FullName:       identity.FullName,
			Age:            identity.Age,
			Gender:         identity.Gender,
			Message:        fmt.Sprintf("Found patient %s.", identity.FullName),
		}, nil

	default:
		candidates := make([]Candidate, 0, len(matches))
		for _, m := range matches {
			candidates = append(candidates, Candidate{
				PseudonymousID: m.PseudonymousID,
				FullName:       m.FullName,
				Age:            m.Age,
				Gender:         m.Gender,
				LastAccessed:   m.LastAccessedAt,
			})
		}
		logger.Log.WithField("candidates", len(candidates)).Info("Several identities share this name; disambiguation required")
		return Decision{
			Status:         StatusNeedsDisambiguation,
			FullName:       name,
			Age:            age,
			Gender:         gender,
			Candidates:     candidates,
			ActionRequired: ActionSelectPatient,
			Message:        DisambiguationPrompt(name, candidates),
		}, nil
	}
}

// ConfirmNewPatient creates the identity that Resolve declined to create.
func (r *Resolver) ConfirmNewPatient(ctx context.Context, fullName string, age *int, gender *string, actor string) (vault.Identity, error) {
	identity, err := r.store.CreateIdentity(ctx, fullName, age, gender, actor)
	if err != nil {
		return vault.Identity{}, fmt.Errorf("create identity: %w", err)
	}
	logger.Log.WithField("pseudonymous_id", logger.ShortID(identity.PseudonymousID)).Info("New patient identity confirmed")
	return identity, nil
}

// Search lists patients whose name contains the fragment.
func (r *Resolver) Search(ctx context.Context, fragment, actor string) ([]Candidate, error) {
	found, err := r.store.SearchByName(ctx, fragment, actor)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(found))
	for _, m := range found {
		out = append(out, Candidate{
			PseudonymousID: m.PseudonymousID,
			FullName:       m.FullName,
			Age:            m.Age,
			Gender:         m.Gender,
			LastAccessed:   m.LastAccessedAt,
		})
	}
	return out, nil
}

// DisambiguationPrompt renders the candidate list shown to the user. Each line
// carries enough metadata (id prefix, age, gender, last visit) to choose.
func DisambiguationPrompt(name string, candidates []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I found %d patients named %s. Which one do you mean?\n", len(candidates), name)
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. ID %s", i+1, shortID(c.PseudonymousID))
		if c.Age != nil {
			fmt.Fprintf(&b, ", age %d", *c.Age)
		}
		if c.Gender != nil {
			fmt.Fprintf(&b, ", %s", *c.Gender)
		}
		if !c.LastAccessed.IsZero() {
			fmt.Fprintf(&b, ", last seen %s", c.LastAccessed.Format("2006-01-02"))
		}
		b.WriteString("\n")
	}
	b.WriteString("Reply with the patient ID (the first 8 characters are enough).")
	return b.String()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
