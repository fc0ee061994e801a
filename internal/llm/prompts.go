package llm

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts holds the parsed prompt templates.
type Prompts struct {
	planner *template.Template
	create  *template.Template
	update  *template.Template
}

type promptFile struct {
	Planner string `yaml:"planner"`
	Create  string `yaml:"create"`
	Update  string `yaml:"update"`
}

// DefaultPrompts returns the built-in catalogue.
func DefaultPrompts() *Prompts {
	p, err := LoadPrompts(defaultPrompts)
	if err != nil {
		panic(fmt.Sprintf("built-in prompts: %v", err))
	}
	return p
}

// LoadPrompts parses a YAML catalogue with planner, create and update keys.
func LoadPrompts(data []byte) (*Prompts, error) {
	var f promptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	p := &Prompts{}
	for _, t := range []struct {
		name string
		text string
		dst  **template.Template
	}{
		{"planner", f.Planner, &p.planner},
		{"create", f.Create, &p.create},
		{"update", f.Update, &p.update},
	} {
		if t.text == "" {
			return nil, fmt.Errorf("prompt %q is missing", t.name)
		}
		tmpl, err := template.New(t.name).Option("missingkey=error").Parse(t.text)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: %w", t.name, err)
		}
		*t.dst = tmpl
	}
	return p, nil
}

type promptData struct {
	Now     string
	Weekday string
	Zone    string
	Spec    string
	Event   string
}

func newPromptData(now time.Time, zone string) promptData {
	return promptData{Now: now.Format(time.RFC3339), Weekday: now.Weekday().String(), Zone: zone}
}

func render(t *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
