package generation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Prompt names in the catalogue.
const (
	PromptPlan           = "plan"
	PromptAnalysis       = "analysis"
	PromptReport         = "report"
	PromptTalkingPoints  = "talking_points"
	PromptEmail          = "email"
	PromptMessage        = "message"
	PromptWebSearch      = "web_search"
	PromptGenerate       = "generate"
	PromptDeepAnalyze    = "deep_analyze"
	PromptDeepPrioritize = "deep_prioritize"
	PromptDeepGenerate   = "deep_generate"
	PromptDeepReview     = "deep_review"
)

//go:embed prompts.yaml
var defaultCatalogue []byte

type promptSpec struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type compiled struct {
	system *template.Template
	user   *template.Template
}

// Catalog holds the parsed prompt templates.
type Catalog struct {
	prompts map[string]compiled
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
}

// ParseCatalog parses a YAML prompt catalogue.
func ParseCatalog(data []byte) (*Catalog, error) {
	var specs map[string]promptSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("%w: prompt catalogue: %v", ErrInvalidConfig, err)
	}
	c := &Catalog{prompts: make(map[string]compiled, len(specs))}
	for name, spec := range specs {
		if spec.User == "" {
			return nil, fmt.Errorf("%w: prompt %q has no user template", ErrInvalidConfig, name)
		}
		var p compiled
		var err error
		if spec.System != "" {
			if p.system, err = template.New(name + ".system").Funcs(funcs).Option("missingkey=zero").Parse(spec.System); err != nil {
				return nil, fmt.Errorf("%w: prompt %q: %v", ErrInvalidConfig, name, err)
			}
		}
		if p.user, err = template.New(name + ".user").Funcs(funcs).Option("missingkey=zero").Parse(spec.User); err != nil {
			return nil, fmt.Errorf("%w: prompt %q: %v", ErrInvalidConfig, name, err)
		}
		c.prompts[name] = p
	}
	return c, nil
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// DefaultCatalog returns the embedded catalogue. It panics if the embedded
// file is invalid, which the package tests rule out.
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		c, err := ParseCatalog(defaultCatalogue)
		if err != nil {
			panic(err)
		}
		defaultCat = c
	})
	return defaultCat
}

// Render executes the named prompt. system is empty for prompts that only
// continue a conversation.
func (c *Catalog) Render(name string, data any) (system, user string, err error) {
	p, ok := c.prompts[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownPrompt, name)
	}
	if p.system != nil {
		if system, err = execute(p.system, data); err != nil {
			return "", "", err
		}
	}
	if user, err = execute(p.user, data); err != nil {
		return "", "", err
	}
	return system, user, nil
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
