package profiles

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
profiles:
  "+12515382263":
    system_prompt: |
      You are a real-time translation assistant between English and Hindi.
  "+18777108468":
    system_prompt: You are an AI assistant that helps people find information.
    tools:
      - name: referToAICompanion
        description: Call this to get information about AI companion and Vaalee.
        collection: tenant-a
        parameters:
          type: object
          properties:
            user_query:
              type: string
              description: User query to refer to AI companion and Vaalee
          required: [user_query]
          additionalProperties: false
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("Len = %d, want 2", table.Len())
	}

	p, err := table.Lookup("+18777108468")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.Number != "+18777108468" {
		t.Errorf("Number = %q", p.Number)
	}
	if len(p.Tools) != 1 || p.Tools[0].Name != "referToAICompanion" {
		t.Fatalf("Tools = %+v", p.Tools)
	}
	if p.Tools[0].Collection != "tenant-a" {
		t.Errorf("Collection = %q", p.Tools[0].Collection)
	}
	props, ok := p.Tools[0].Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatalf("parameters.properties has type %T", p.Tools[0].Parameters["properties"])
	}
	if _, ok := props["user_query"]; !ok {
		t.Error("user_query parameter missing")
	}

	translator, err := table.Lookup(" +12515382263 ")
	if err != nil {
		t.Fatalf("Lookup with spaces: %v", err)
	}
	if len(translator.Tools) != 0 {
		t.Errorf("translator should have no tools, got %d", len(translator.Tools))
	}
}

func TestLookupNotFound(t *testing.T) {
	table, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.Lookup("+10000000000"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("err = %v, want ErrProfileNotFound", err)
	}
	if _, err := table.Lookup(""); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("empty number err = %v, want ErrProfileNotFound", err)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty", yaml: ``},
		{name: "unknown field", yaml: "profiles:\n  \"+1\":\n    prompt: hi\n"},
		{name: "no prompt or tools", yaml: "profiles:\n  \"+1\":\n    system_prompt: \"  \"\n"},
		{name: "unnamed tool", yaml: "profiles:\n  \"+1\":\n    tools:\n      - description: x\n"},
		{name: "duplicate tool", yaml: "profiles:\n  \"+1\":\n    tools:\n      - name: a\n      - name: a\n"},
		{name: "invalid schema", yaml: "profiles:\n  \"+1\":\n    tools:\n      - name: a\n        parameters:\n          type: 12\n"},
		{name: "duplicate after normalising", yaml: "profiles:\n  \"+1 555\":\n    system_prompt: a\n  \"+1555\":\n    system_prompt: b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateArguments(t *testing.T) {
	table, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	p, _ := table.Lookup("+18777108468")
	tool := p.Tools[0]
	if !tool.HasSchema() {
		t.Fatal("expected compiled schema")
	}

	tests := []struct {
		name string
		args string
		ok   bool
	}{
		{"valid", `{"user_query":"what is Vaalee?"}`, true},
		{"missing field", `{}`, false},
		{"wrong type", `{"user_query":7}`, false},
		{"extra field", `{"user_query":"x","other":1}`, false},
		{"not json", `user_query=x`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.ValidateArguments(tt.args)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrArgumentsRejected) {
				t.Errorf("err = %v, want ErrArgumentsRejected", err)
			}
		})
	}

	if err := (Tool{Name: "free"}).ValidateArguments("anything"); err != nil {
		t.Errorf("tool without schema rejected arguments: %v", err)
	}
}
