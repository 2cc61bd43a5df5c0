// Copyright 2025 James Ross
package rag

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TemplateDef is one named template's on-disk definition: a system preamble,
// a user-body template with named placeholders, and the declared variable
// set substitution must satisfy. Loaded from YAML files under the template
// directory, mirroring the teacher's config-adjacent YAML loading.
type TemplateDef struct {
	Name         string   `yaml:"name"`
	SystemPreamble string `yaml:"system_preamble"`
	UserBody     string   `yaml:"user_body"`
	Variables    []string `yaml:"variables"`
}

// Registry is the static map from template name to definition.
type Registry struct {
	byName map[string]TemplateDef
}

// builtinTemplates are used when the configured template directory is empty
// or does not exist, so the orchestrator has a working default set without
// requiring an operator to seed files before first boot.
var builtinTemplates = []TemplateDef{
	{
		Name:           "standard",
		SystemPreamble: "You are a careful assistant that answers strictly from the provided context and cites every claim.",
		UserBody:       "Context:\n{{context}}\n\nQuestion: {{query}}",
		Variables:      []string{"query", "context"},
	},
	{
		Name:           "legal_analysis",
		SystemPreamble: "You are a legal research assistant. Answer only from the provided context, cite every claim by document id, and flag any ambiguity explicitly rather than guessing.",
		UserBody:       "Context:\n{{context}}\n\nQuestion: {{query}}",
		Variables:      []string{"query", "context"},
	},
	{
		Name:           "conversational",
		SystemPreamble: "You are a helpful assistant continuing an ongoing conversation. Use the provided context and conversation history.",
		UserBody:       "Conversation so far:\n{{conversation_history}}\n\nContext:\n{{context}}\n\nQuestion: {{query}}",
		Variables:      []string{"query", "context", "conversation_history"},
	},
	{
		Name:           "summarization",
		SystemPreamble: "You are an assistant that summarizes the provided context faithfully, in a length proportional to the request.",
		UserBody:       "Context:\n{{context}}\n\nSummarize in response to: {{query}}",
		Variables:      []string{"query", "context"},
	},
	{
		Name:           "comparison",
		SystemPreamble: "You are an assistant that compares and contrasts claims across the provided context, citing the source of every distinction.",
		UserBody:       "Context:\n{{context}}\n\nCompare with respect to: {{query}}",
		Variables:      []string{"query", "context"},
	},
	{
		Name:           "follow_up",
		SystemPreamble: "Given the answer just produced, propose short follow-up questions a curious reader would ask next. Respond with a JSON array of strings only.",
		UserBody:       "Original question: {{query}}\n\nAnswer given:\n{{context}}",
		Variables:      []string{"query", "context"},
	},
}

// LoadRegistry reads every *.yaml file in dir as a TemplateDef. If dir is
// empty or does not exist, it falls back to the built-in template set so the
// service has a working default without operator setup. A malformed template
// (missing a declared variable's placeholder) is a programmer error
// surfaced at load time, not at request time.
func LoadRegistry(dir string) (*Registry, error) {
	defs := builtinTemplates
	if dir != "" {
		if entries, err := os.ReadDir(dir); err == nil {
			var loaded []TemplateDef
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
					continue
				}
				raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
				if err != nil {
					return nil, fmt.Errorf("rag: reading template file %s: %w", e.Name(), err)
				}
				var def TemplateDef
				if err := yaml.Unmarshal(raw, &def); err != nil {
					return nil, fmt.Errorf("rag: parsing template file %s: %w", e.Name(), err)
				}
				loaded = append(loaded, def)
			}
			if len(loaded) > 0 {
				defs = loaded
			}
		}
	}

	r := &Registry{byName: make(map[string]TemplateDef, len(defs))}
	for _, def := range defs {
		for _, v := range def.Variables {
			if !strings.Contains(def.SystemPreamble+def.UserBody, "{{"+v+"}}") {
				return nil, fmt.Errorf("rag: template %q declares variable %q with no matching placeholder", def.Name, v)
			}
		}
		r.byName[def.Name] = def
	}
	return r, nil
}

// Get looks up a template by name, falling back to "standard" if the
// requested name is unknown.
func (r *Registry) Get(name string) TemplateDef {
	if def, ok := r.byName[name]; ok {
		return def
	}
	return r.byName["standard"]
}

// Render substitutes named placeholders ({{name}}) with the supplied values.
// Substitution is by explicit placeholder name, never positional.
func Render(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
