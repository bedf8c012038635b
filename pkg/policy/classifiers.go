package policy

import (
	"strings"
	"unicode"

	"github.com/synaptica-ai/medshield/pkg/common/models"
)

type Confirmation int

const (
	ConfirmationUnknown Confirmation = iota
	ConfirmationAffirmative
	ConfirmationNegative
)

func (c Confirmation) String() string {
	switch c {
	case ConfirmationAffirmative:
		return "affirmative"
	case ConfirmationNegative:
		return "negative"
	default:
		return "unknown"
	}
}

// ConfirmationClassifier maps a yes/no reply onto a Confirmation. Words are
// matched as whole tokens. Any negative word wins over an affirmative one, and
// an affirmative word right after a negator ("not sure") counts as negative.
type ConfirmationClassifier struct {
	affirmative []string
	negative    []string
	negators    []string
}

func NewConfirmationClassifier(cfg ConfirmationConfig) *ConfirmationClassifier {
	return &ConfirmationClassifier{
		affirmative: lowerAll(cfg.Affirmative),
		negative:    lowerAll(cfg.Negative),
		negators:    lowerAll(cfg.Negators),
	}
}

func (c *ConfirmationClassifier) Classify(text string) Confirmation {
	padded := tokenText(text)
	if containsAnyToken(padded, c.negative) {
		return ConfirmationNegative
	}
	if !containsAnyToken(padded, c.affirmative) {
		return ConfirmationUnknown
	}
	for _, neg := range c.negators {
		if neg == "" {
			continue
		}
		for _, word := range c.affirmative {
			if word != "" && strings.Contains(padded, " "+neg+" "+word+" ") {
				return ConfirmationNegative
			}
		}
	}
	return ConfirmationAffirmative
}

type ContextSwitchDetector struct {
	cues       []string
	verbs      []string
	nameAbsent bool
}

func NewContextSwitchDetector(cfg ContextSwitchConfig) *ContextSwitchDetector {
	return &ContextSwitchDetector{
		cues:       lowerAll(cfg.Cues),
		verbs:      lowerAll(cfg.SchedulingVerbs),
		nameAbsent: cfg.NameAbsentHeuristic,
	}
}

// Detect reports whether the message moves away from the active patient.
func (d *ContextSwitchDetector) Detect(message, activePatientName string) bool {
	lower := strings.ToLower(message)
	if containsAny(lower, d.cues) {
		return true
	}
	if !d.nameAbsent || strings.TrimSpace(activePatientName) == "" {
		return false
	}
	if strings.Contains(lower, strings.ToLower(strings.TrimSpace(activePatientName))) {
		return false
	}
	return containsAny(lower, d.verbs)
}

// SemanticClassifier is the deterministic keyword fallback used whenever the
// extraction model fails or returns suspect semantic context.
type SemanticClassifier struct {
	categories      []CategoryRule
	defaultCategory string
	emergency       []string
	urgent          []string
	duration        int
}

func NewSemanticClassifier(cfg SemanticConfig) *SemanticClassifier {
	categories := make([]CategoryRule, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		categories = append(categories, CategoryRule{Name: c.Name, Terms: lowerAll(c.Terms)})
	}
	def := cfg.DefaultCategory
	if def == "" {
		def = "general"
	}
	return &SemanticClassifier{
		categories:      categories,
		defaultCategory: def,
		emergency:       lowerAll(cfg.EmergencyTerms),
		urgent:          lowerAll(cfg.UrgentTerms),
		duration:        cfg.DefaultDurationMinutes,
	}
}

func (s *SemanticClassifier) Classify(medicalInfo string) models.SemanticContext {
	lower := strings.ToLower(medicalInfo)

	category := s.defaultCategory
	for _, c := range s.categories {
		if containsAny(lower, c.Terms) {
			category = c.Name
			break
		}
	}

	urgency := models.UrgencyRoutine
	switch {
	case containsAny(lower, s.emergency):
		urgency = models.UrgencyEmergency
	case containsAny(lower, s.urgent):
		urgency = models.UrgencyUrgent
	}

	return models.SemanticContext{
		SymptomCategory:          category,
		UrgencyLevel:             urgency,
		RequiresSpecialist:       urgency != models.UrgencyRoutine,
		EstimatedDurationMinutes: s.duration,
	}
}

type QuestionBank struct {
	cfg QuestionConfig
}

func NewQuestionBank(cfg QuestionConfig) *QuestionBank {
	return &QuestionBank{cfg: cfg}
}

// Questions builds the ordered clarification list for a HITL action: the
// base question, the urgency question when the level calls for it, then the
// category questions, capped at MaxQuestions.
func (b *QuestionBank) Questions(semantic models.SemanticContext) []string {
	var out []string
	if b.cfg.Base != "" {
		out = append(out, b.cfg.Base)
	}
	if b.cfg.UrgencyQuestion != "" && containsExact(b.cfg.UrgencyLevels, semantic.UrgencyLevel) {
		out = append(out, b.cfg.UrgencyQuestion)
	}
	category, ok := b.cfg.Categories[strings.ToLower(semantic.SymptomCategory)]
	if !ok {
		category = b.cfg.Fallback
	}
	out = append(out, category...)

	if limit := b.cfg.MaxQuestions; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Policy bundles the classifiers built from one Config.
type Policy struct {
	Confirmation               *ConfirmationClassifier
	ContextSwitch              *ContextSwitchDetector
	Semantic                   *SemanticClassifier
	Questions                  *QuestionBank
	UnknownConfirmationCancels bool
}

func New(cfg Config) *Policy {
	return &Policy{
		Confirmation:               NewConfirmationClassifier(cfg.Confirmation),
		ContextSwitch:              NewContextSwitchDetector(cfg.ContextSwitch),
		Semantic:                   NewSemanticClassifier(cfg.Semantic),
		Questions:                  NewQuestionBank(cfg.Questions),
		UnknownConfirmationCancels: cfg.Confirmation.UnknownCancels,
	}
}

// tokenText lowercases text and reduces it to space-separated word tokens
// with a leading and trailing space, so " term " matches whole words only.
func tokenText(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return " " + strings.Join(fields, " ") + " "
}

func containsAnyToken(padded string, words []string) bool {
	for _, w := range words {
		if w == "" {
			continue
		}
		if strings.Contains(padded, " "+strings.Join(strings.Fields(w), " ")+" ") {
			return true
		}
	}
	return false
}

func containsAny(lower string, terms []string) bool {
	for _, t := range terms {
		if t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func containsExact(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
