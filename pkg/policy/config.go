// Package policy holds the keyword rules the conversation relies on:
// confirmation words, context-switch cues, the semantic fallback classifier
// and the clarification question bank. Rules load from YAML and fall back to
// built-in defaults.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type ConfirmationConfig struct {
	Affirmative []string `yaml:"affirmative" json:"affirmative"`
	Negative    []string `yaml:"negative" json:"negative"`
	// Negators turn a directly following affirmative word into a "no".
	Negators []string `yaml:"negators" json:"negators"`
	// UnknownCancels treats replies matching neither list as a "no".
	UnknownCancels bool `yaml:"unknown_cancels" json:"unknown_cancels"`
}

type ContextSwitchConfig struct {
	Cues            []string `yaml:"cues" json:"cues"`
	SchedulingVerbs []string `yaml:"scheduling_verbs" json:"scheduling_verbs"`
	// NameAbsentHeuristic flags a switch when the active patient's name is
	// missing from a message that uses a scheduling verb. It misfires on
	// pronouns ("book one for him too").
	NameAbsentHeuristic bool `yaml:"name_absent_heuristic" json:"name_absent_heuristic"`
}

type CategoryRule struct {
	Name  string   `yaml:"name" json:"name"`
	Terms []string `yaml:"terms" json:"terms"`
}

type SemanticConfig struct {
	Categories             []CategoryRule `yaml:"categories" json:"categories"`
	DefaultCategory        string         `yaml:"default_category" json:"default_category"`
	EmergencyTerms         []string       `yaml:"emergency_terms" json:"emergency_terms"`
	UrgentTerms            []string       `yaml:"urgent_terms" json:"urgent_terms"`
	DefaultDurationMinutes int            `yaml:"default_duration_minutes" json:"default_duration_minutes"`
}

type QuestionConfig struct {
	Base            string              `yaml:"base" json:"base"`
	Categories      map[string][]string `yaml:"categories" json:"categories"`
	Fallback        []string            `yaml:"fallback" json:"fallback"`
	UrgencyQuestion string              `yaml:"urgency_question" json:"urgency_question"`
	UrgencyLevels   []string            `yaml:"urgency_levels" json:"urgency_levels"`
	MaxQuestions    int                 `yaml:"max_questions" json:"max_questions"`
}

type Config struct {
	Confirmation  ConfirmationConfig  `yaml:"confirmation" json:"confirmation"`
	ContextSwitch ContextSwitchConfig `yaml:"context_switch" json:"context_switch"`
	Semantic      SemanticConfig      `yaml:"semantic" json:"semantic"`
	Questions     QuestionConfig      `yaml:"questions" json:"questions"`
}

// Load reads a policy file over the defaults: sections missing from the file
// keep their default values. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Default(), err
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Confirmation.Affirmative) == 0 {
		return errors.New("no affirmative confirmation words configured")
	}
	if len(c.Confirmation.Negative) == 0 {
		return errors.New("no negative confirmation words configured")
	}
	if c.Questions.MaxQuestions <= 0 {
		return errors.New("max_questions must be positive")
	}
	if c.Questions.Base == "" && len(c.Questions.Fallback) == 0 {
		return errors.New("question bank is empty")
	}
	return nil
}

func Default() Config {
	return Config{
		Confirmation: ConfirmationConfig{
			Affirmative:    []string{"yes", "confirm", "ok", "proceed", "sure", "yeah", "yep", "correct"},
			Negative:       []string{"no", "cancel", "stop", "nevermind", "nope"},
			Negators:       []string{"not", "don't", "dont", "never", "isn't", "not really"},
			UnknownCancels: true,
		},
		ContextSwitch: ContextSwitchConfig{
			Cues:                []string{"now let's talk about", "switch to", "what about", "instead", "different patient", "another patient"},
			SchedulingVerbs:     []string{"appointment", "followup", "book", "schedule"},
			NameAbsentHeuristic: true,
		},
		Semantic: SemanticConfig{
			Categories: []CategoryRule{
				{Name: "respiratory", Terms: []string{"cough", "breathing", "lung", "respiratory"}},
				{Name: "cardiac", Terms: []string{"heart", "cardiac", "chest pain"}},
				{Name: "neurological", Terms: []string{"headache", "dizzy", "neurological", "brain"}},
				{Name: "digestive", Terms: []string{"stomach", "digestive", "nausea", "abdominal"}},
			},
			DefaultCategory:        "general",
			EmergencyTerms:         []string{"emergency", "severe", "critical", "immediately"},
			UrgentTerms:            []string{"urgent", "acute", "sudden", "quickly"},
			DefaultDurationMinutes: 30,
		},
		Questions: QuestionConfig{
			Base: "How long have you been experiencing these symptoms?",
			Categories: map[string][]string{
				"respiratory": {
					"Do you have difficulty breathing or shortness of breath?",
					"Have you been in contact with anyone who is sick?",
				},
				"cardiac": {
					"Do you experience chest pain or discomfort?",
					"Do you have a history of heart conditions?",
				},
				"neurological": {
					"Are you experiencing any vision changes or dizziness?",
					"Have you had any recent head injuries?",
				},
				"digestive": {
					"Are you experiencing nausea or vomiting?",
					"Any recent dietary changes?",
				},
			},
			Fallback: []string{
				"On a scale of 1-10, how would you rate your discomfort?",
				"Have you taken any medication for this?",
			},
			UrgencyQuestion: "Is this a sudden onset or has it been gradual?",
			UrgencyLevels:   []string{"urgent"},
			MaxQuestions:    3,
		},
	}
}
