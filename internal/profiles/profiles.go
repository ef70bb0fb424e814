// Package profiles holds the per-number voice bot configuration: the system
// prompt and tool declarations used for calls answered on that number.
package profiles

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrProfileNotFound is returned by Lookup for a number with no profile.
var ErrProfileNotFound = errors.New("profiles: no profile for number")

// ErrArgumentsRejected is returned when tool call arguments do not match the
// tool's parameter schema.
var ErrArgumentsRejected = errors.New("profiles: arguments do not match tool schema")

// Tool is a function the AI may call during a conversation.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	// Collection is the knowledge collection the tool queries. Empty uses
	// the gateway default.
	Collection string `yaml:"collection"`

	schema *jsonschema.Schema // compiled Parameters; nil when none declared
}

// ValidateArguments checks a call's JSON arguments against the tool's
// parameter schema. Tools without parameters accept anything.
func (t Tool) ValidateArguments(arguments string) error {
	if t.schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(arguments), &v); err != nil {
		return fmt.Errorf("%w: %v", ErrArgumentsRejected, err)
	}
	if err := t.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrArgumentsRejected, err)
	}
	return nil
}

// HasSchema reports whether the tool declared parameters.
func (t Tool) HasSchema() bool {
	return t.schema != nil
}

// Profile is the configuration for one answered number.
type Profile struct {
	Number       string `yaml:"-"`
	SystemPrompt string `yaml:"system_prompt"`
	Tools        []Tool `yaml:"tools"`
}

// Table maps answered numbers to profiles. It is read-only after Load and
// safe for concurrent use.
type Table struct {
	profiles map[string]Profile
}

type file struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Load reads a profile table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a profile table from YAML.
func Parse(data []byte) (*Table, error) {
	var f file
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing profiles: empty document")
		}
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	return New(f.Profiles)
}

// New builds a table from an in-memory map keyed by phone number.
func New(entries map[string]Profile) (*Table, error) {
	t := &Table{profiles: make(map[string]Profile, len(entries))}
	for number, p := range entries {
		key := normalize(number)
		if key == "" {
			return nil, fmt.Errorf("profiles: empty phone number")
		}
		if _, dup := t.profiles[key]; dup {
			return nil, fmt.Errorf("profiles: duplicate number %q", key)
		}
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("profiles: %s: %w", key, err)
		}
		tools := make([]Tool, len(p.Tools))
		for i, tool := range p.Tools {
			schema, err := compileParameters(tool)
			if err != nil {
				return nil, fmt.Errorf("profiles: %s: %w", key, err)
			}
			tool.schema = schema
			tools[i] = tool
		}
		p.Tools = tools
		p.Number = key
		t.profiles[key] = p
	}
	return t, nil
}

func validate(p Profile) error {
	if strings.TrimSpace(p.SystemPrompt) == "" && len(p.Tools) == 0 {
		return errors.New("profile needs a system prompt or at least one tool")
	}
	seen := make(map[string]bool, len(p.Tools))
	for i, tool := range p.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool %d has no name", i)
		}
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool %q", tool.Name)
		}
		seen[tool.Name] = true
	}
	return nil
}

// compileParameters compiles the tool's parameters as a JSON Schema so a
// broken declaration fails at load time instead of mid-call.
func compileParameters(tool Tool) (*jsonschema.Schema, error) {
	if len(tool.Parameters) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tool.Parameters)
	if err != nil {
		return nil, fmt.Errorf("tool %q parameters: %w", tool.Name, err)
	}
	schema, err := jsonschema.CompileString(tool.Name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %q parameters are not a valid schema: %w", tool.Name, err)
	}
	return schema, nil
}

func normalize(number string) string {
	return strings.ReplaceAll(strings.TrimSpace(number), " ", "")
}

// Lookup returns the profile for number.
func (t *Table) Lookup(number string) (Profile, error) {
	p, ok := t.profiles[normalize(number)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, number)
	}
	return p, nil
}

// Len returns the number of profiles.
func (t *Table) Len() int {
	return len(t.profiles)
}
