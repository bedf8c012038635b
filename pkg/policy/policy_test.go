package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/medshield/pkg/common/models"
)

func TestConfirmationClassifier(t *testing.T) {
	c := NewConfirmationClassifier(Default().Confirmation)

	cases := []struct {
		in   string
		want Confirmation
	}{
		{"yes", ConfirmationAffirmative},
		{"Yes, please proceed.", ConfirmationAffirmative},
		{"OK", ConfirmationAffirmative},
		{"yep!", ConfirmationAffirmative},
		{"no", ConfirmationNegative},
		{"Please cancel that", ConfirmationNegative},
		{"nope", ConfirmationNegative},
		{"I'm not sure", ConfirmationNegative},
		{"no, not ok", ConfirmationNegative},
		{"no thanks, I'm sure", ConfirmationNegative},
		{"don't proceed", ConfirmationNegative},
		{"yes, that is correct", ConfirmationAffirmative},
		{"maybe later", ConfirmationUnknown},
		{"I don't know", ConfirmationUnknown},
		{"token", ConfirmationUnknown},
		{"", ConfirmationUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.in), "input %q", tc.in)
	}
}

func TestContextSwitchDetector(t *testing.T) {
	d := NewContextSwitchDetector(Default().ContextSwitch)

	assert.True(t, d.Detect("Now let's talk about someone else", "John Carter"))
	assert.True(t, d.Detect("different patient please", ""))
	assert.True(t, d.Detect("book an appointment for Sara", "John Carter"))
	assert.False(t, d.Detect("book an appointment for john carter", "John Carter"))
	assert.False(t, d.Detect("he still has a fever", "John Carter"))
	assert.False(t, d.Detect("book an appointment", ""))

	off := Default().ContextSwitch
	off.NameAbsentHeuristic = false
	d = NewContextSwitchDetector(off)
	assert.False(t, d.Detect("book one for him too", "John Carter"))
	assert.True(t, d.Detect("switch to Sara", "John Carter"))
}

func TestSemanticClassifier(t *testing.T) {
	s := NewSemanticClassifier(Default().Semantic)

	got := s.Classify("persistent cough and trouble breathing")
	assert.Equal(t, "respiratory", got.SymptomCategory)
	assert.Equal(t, models.UrgencyRoutine, got.UrgencyLevel)
	assert.False(t, got.RequiresSpecialist)
	assert.Equal(t, 30, got.EstimatedDurationMinutes)

	got = s.Classify("Severe chest pain")
	assert.Equal(t, "cardiac", got.SymptomCategory)
	assert.Equal(t, models.UrgencyEmergency, got.UrgencyLevel)
	assert.True(t, got.RequiresSpecialist)

	got = s.Classify("sudden headache")
	assert.Equal(t, "neurological", got.SymptomCategory)
	assert.Equal(t, models.UrgencyUrgent, got.UrgencyLevel)

	got = s.Classify("fever")
	assert.Equal(t, "general", got.SymptomCategory)
}

func TestQuestionBank(t *testing.T) {
	b := NewQuestionBank(Default().Questions)

	qs := b.Questions(models.SemanticContext{SymptomCategory: "respiratory", UrgencyLevel: models.UrgencyRoutine})
	assert.Equal(t, []string{
		"How long have you been experiencing these symptoms?",
		"Do you have difficulty breathing or shortness of breath?",
		"Have you been in contact with anyone who is sick?",
	}, qs)

	qs = b.Questions(models.SemanticContext{SymptomCategory: "general", UrgencyLevel: models.UrgencyUrgent})
	require.Len(t, qs, 3)
	assert.Equal(t, "Is this a sudden onset or has it been gradual?", qs[1])
	assert.Equal(t, "On a scale of 1-10, how would you rate your discomfort?", qs[2])
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Confirmation.UnknownCancels)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
confirmation:
  affirmative: [yes, "go ahead"]
  negative: [no]
  unknown_cancels: false
questions:
  max_questions: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Confirmation.UnknownCancels)
	assert.Equal(t, 2, cfg.Questions.MaxQuestions)
	// untouched sections keep their defaults
	assert.Equal(t, Default().ContextSwitch, cfg.ContextSwitch)
	assert.Equal(t, Default().Questions.Base, cfg.Questions.Base)

	p := New(cfg)
	assert.Equal(t, ConfirmationAffirmative, p.Confirmation.Classify("go ahead"))
	assert.Len(t, p.Questions.Questions(models.SemanticContext{SymptomCategory: "cardiac"}), 2)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("confirmation:\n  affirmative: []\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
