// Package privacy inspects payloads bound for cloud components and reports
// anything that looks like personal data.
package privacy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const (
	KindForbiddenKey = "forbidden_key"
	KindKnownValue   = "known_value"
	KindPattern      = "pattern"
)

type Finding struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
	Type string `json:"type"`
}

type Result struct {
	Clean    bool      `json:"clean"`
	Findings []Finding `json:"findings,omitempty"`
}

// Known is the PII extracted from the current message. Its values are
// searched for verbatim in the payload.
type Known struct {
	Name   string
	Age    *int
	Gender *string
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type Guard struct {
	forbidden map[string]struct{}
	rules     []compiledRule
}

func NewGuard(cfg RulesConfig) (*Guard, error) {
	g := &Guard{forbidden: make(map[string]struct{}, len(cfg.ForbiddenKeys))}
	for _, k := range cfg.ForbiddenKeys {
		g.forbidden[normalizeKey(k)] = struct{}{}
	}
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", rule.Name, err)
		}
		g.rules = append(g.rules, compiledRule{rule: rule, re: re})
	}
	return g, nil
}

// MustDefault returns a guard over the built-in rules.
func MustDefault() *Guard {
	g, err := NewGuard(DefaultRules())
	if err != nil {
		panic(err)
	}
	return g
}

// Inspect walks payload (maps, slices, or any JSON-encodable struct) and
// reports forbidden keys, pattern hits and occurrences of the known values.
func (g *Guard) Inspect(payload interface{}, known Known) Result {
	tree, err := toTree(payload)
	if err != nil {
		// an unencodable payload cannot be proven clean
		return Result{Clean: false, Findings: []Finding{{Path: "$", Kind: KindPattern, Type: "unencodable"}}}
	}

	needles := knownNeedles(known)
	var findings []Finding

	var walk func(path string, value interface{})
	walk = func(path string, value interface{}) {
		switch v := value.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				child := path + "." + k
				if _, bad := g.forbidden[normalizeKey(k)]; bad {
					findings = append(findings, Finding{Path: child, Kind: KindForbiddenKey, Type: normalizeKey(k)})
				}
				walk(child, v[k])
			}
		case []interface{}:
			for i, nested := range v {
				walk(fmt.Sprintf("%s[%d]", path, i), nested)
			}
		case string:
			findings = append(findings, g.inspectText(path, v, needles)...)
		}
	}
	walk("$", tree)

	return Result{Clean: len(findings) == 0, Findings: findings}
}

func (g *Guard) inspectText(path, text string, needles []needle) []Finding {
	var out []Finding
	for _, rule := range g.rules {
		if rule.re.MatchString(text) {
			out = append(out, Finding{Path: path, Kind: KindPattern, Type: rule.rule.Type})
		}
	}
	if len(needles) == 0 {
		return out
	}
	padded := tokenText(text)
	for _, n := range needles {
		if strings.Contains(padded, n.token) {
			out = append(out, Finding{Path: path, Kind: KindKnownValue, Type: n.kind})
		}
	}
	return out
}

type needle struct {
	kind  string
	token string
}

func knownNeedles(k Known) []needle {
	var out []needle
	if name := tokenText(k.Name); strings.TrimSpace(name) != "" {
		out = append(out, needle{kind: "name", token: name})
		for _, part := range strings.Fields(name) {
			if len(part) >= 3 {
				out = append(out, needle{kind: "name", token: " " + part + " "})
			}
		}
	}
	if k.Age != nil {
		out = append(out, needle{kind: "age", token: " " + strconv.Itoa(*k.Age) + " "})
	}
	if k.Gender != nil {
		if g := tokenText(*k.Gender); strings.TrimSpace(g) != "" {
			out = append(out, needle{kind: "gender", token: g})
		}
	}
	return out
}

func toTree(payload interface{}) (interface{}, error) {
	if s, ok := payload.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(k, "-", "_")))
}

func tokenText(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return ""
	}
	return " " + strings.Join(fields, " ") + " "
}
