package agents

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
	"github.com/synaptica-ai/medshield/pkg/policy"
	"github.com/synaptica-ai/medshield/pkg/privacy"
)

const extractorSystemPrompt = `You extract structured fields from a medical scheduling message.
Return ONLY a JSON object with these keys:
  "full_name": patient name or "" if none,
  "age": integer or null,
  "gender": "Male", "Female" or null,
  "medical_info": the symptoms and medical details in the message,
  "intent": one of "appointment", "followup", "summary", "general",
  "semantic_context": {
    "symptom_category": one of "respiratory", "cardiac", "neurological", "digestive", "general",
    "urgency_level": one of "routine", "urgent", "emergency",
    "requires_specialist": boolean,
    "estimated_duration_minutes": integer
  }
semantic_context must never contain the name, age or gender.`

var (
	nameRe   = regexp.MustCompile(`\b(?:[Ff]or|[Pp]atient|[Nn]amed|[Ii]s)\s+([A-Z][A-Za-z'-]+(?:\s+[A-Z][A-Za-z'-]+){0,2})`)
	ageRe    = regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:-\s*)?(?:years?|yrs?)(?:\s*-?\s*old)?\b|\b(\d{1,3})\s*(?:y/o|yo)\b`)
	agedRe   = regexp.MustCompile(`(?i)\bage(?:d)?\s*:?\s*(\d{1,3})\b`)
	femaleRe = regexp.MustCompile(`(?i)\b(?:female|woman|girl)\b`)
	maleRe   = regexp.MustCompile(`(?i)\b(?:male|man|boy)\b`)
)

// nonNames are capitalized words the name pattern must not take for a name.
var nonNames = map[string]bool{
	"I": true, "A": true, "An": true, "The": true, "My": true, "Me": true,
	"Him": true, "Her": true, "Them": true, "Appointment": true, "Follow": true,
}

// RuleExtractor is the offline extractor: regular expressions for PII and
// policy keywords for intent and semantic context.
type RuleExtractor struct {
	semantic *policy.SemanticClassifier
}

func NewRuleExtractor(semantic *policy.SemanticClassifier) *RuleExtractor {
	return &RuleExtractor{semantic: semantic}
}

func (r *RuleExtractor) Extract(ctx context.Context, message string) (Extraction, error) {
	return Extraction{
		FullName:    extractName(message),
		Age:         extractAge(message),
		Gender:      extractGender(message),
		MedicalInfo: strings.TrimSpace(message),
		Intent:      ClassifyIntent(message),
		Semantic:    r.semantic.Classify(message),
	}, nil
}

// ClassifyIntent maps a message onto an intent by keyword.
func ClassifyIntent(message string) models.Intent {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "follow-up", "follow up", "followup"):
		return models.IntentFollowup
	case containsAny(lower, "summary", "summarize", "summarise", "medical history", "records"):
		return models.IntentSummary
	case containsAny(lower, "appointment", "book", "schedule", "see a doctor", "visit"):
		return models.IntentAppointment
	default:
		return models.IntentGeneral
	}
}

func extractName(message string) string {
	for _, m := range nameRe.FindAllStringSubmatch(message, -1) {
		words := strings.Fields(m[1])
		kept := words[:0]
		for _, w := range words {
			if nonNames[w] {
				break
			}
			kept = append(kept, w)
		}
		if len(kept) > 0 {
			return strings.Join(kept, " ")
		}
	}
	return ""
}

func extractAge(message string) *int {
	for _, re := range []*regexp.Regexp{ageRe, agedRe} {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if age, err := strconv.Atoi(g); err == nil && age > 0 && age < 130 {
				return &age
			}
		}
	}
	return nil
}

func extractGender(message string) *string {
	var g string
	switch {
	case femaleRe.MatchString(message):
		g = "Female"
	case maleRe.MatchString(message):
		g = "Male"
	default:
		return nil
	}
	return &g
}

// LLMExtractor runs extraction on the local model. The model's semantic
// context is checked by the privacy guard; anything suspect is replaced by
// the keyword classifier output instead of being forwarded.
type LLMExtractor struct {
	client   *LLMClient
	rules    *RuleExtractor
	semantic *policy.SemanticClassifier
	guard    *privacy.Guard
	metrics  *metrics.Metrics
}

func NewLLMExtractor(client *LLMClient, semantic *policy.SemanticClassifier, guard *privacy.Guard, m *metrics.Metrics) *LLMExtractor {
	return &LLMExtractor{
		client:   client,
		rules:    NewRuleExtractor(semantic),
		semantic: semantic,
		guard:    guard,
		metrics:  m,
	}
}

type rawExtraction struct {
	FullName    string                 `json:"full_name"`
	Age         *int                   `json:"age"`
	Gender      *string                `json:"gender"`
	MedicalInfo string                 `json:"medical_info"`
	Intent      string                 `json:"intent"`
	Semantic    map[string]interface{} `json:"semantic_context"`
}

func (e *LLMExtractor) Extract(ctx context.Context, message string) (Extraction, error) {
	if !e.client.Enabled() {
		return e.rules.Extract(ctx, message)
	}

	var raw rawExtraction
	if err := e.client.CompleteJSON(ctx, extractorSystemPrompt, fmt.Sprintf("Message: %q", message), &raw); err != nil {
		logger.Log.WithError(err).Warn("Extraction model failed, using rule-based extraction")
		e.metrics.IncFallback("extractor", "llm_error")
		return e.rules.Extract(ctx, message)
	}

	out := Extraction{
		FullName:    strings.TrimSpace(raw.FullName),
		Age:         raw.Age,
		Gender:      raw.Gender,
		MedicalInfo: strings.TrimSpace(raw.MedicalInfo),
		Intent:      models.ParseIntent(strings.ToLower(strings.TrimSpace(raw.Intent))),
	}
	if out.MedicalInfo == "" {
		out.MedicalInfo = strings.TrimSpace(message)
	}
	if out.Gender != nil && strings.TrimSpace(*out.Gender) == "" {
		out.Gender = nil
	}

	semantic, reason := e.validateSemantic(raw.Semantic, out)
	if reason != "" {
		logger.Log.WithField("reason", reason).Warn("Semantic context rejected, using keyword classifier")
		e.metrics.IncFallback("extractor", reason)
		semantic = e.semantic.Classify(out.MedicalInfo)
	}
	out.Semantic = semantic
	return out, nil
}

// validateSemantic returns the decoded context, or a non-empty reason when it
// must be replaced.
func (e *LLMExtractor) validateSemantic(raw map[string]interface{}, ex Extraction) (models.SemanticContext, string) {
	if len(raw) == 0 {
		return models.SemanticContext{}, "missing_semantic_context"
	}
	known := privacy.Known{Name: ex.FullName, Age: ex.Age, Gender: ex.Gender}
	if res := e.guard.Inspect(raw, known); !res.Clean {
		return models.SemanticContext{}, "pii_in_semantic_context"
	}

	var sc models.SemanticContext
	category, _ := raw["symptom_category"].(string)
	urgency, _ := raw["urgency_level"].(string)
	sc.SymptomCategory = strings.ToLower(strings.TrimSpace(category))
	sc.UrgencyLevel = strings.ToLower(strings.TrimSpace(urgency))
	sc.RequiresSpecialist, _ = raw["requires_specialist"].(bool)
	if d, ok := raw["estimated_duration_minutes"].(float64); ok && d > 0 {
		sc.EstimatedDurationMinutes = int(d)
	} else {
		sc.EstimatedDurationMinutes = 30
	}

	if sc.SymptomCategory == "" || !models.ValidUrgency(sc.UrgencyLevel) {
		return models.SemanticContext{}, "invalid_semantic_context"
	}
	return sc, ""
}

func containsAny(lower string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
