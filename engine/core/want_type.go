package mywant

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// WantTypeDefinition describes one want type: its parameters, its agents
// and how a denied reaction finalizes the want.
type WantTypeDefinition struct {
	Metadata   WantTypeMetadata `json:"metadata" yaml:"metadata"`
	Parameters []ParameterDef   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Agents     []AgentDef       `json:"agents,omitempty" yaml:"agents,omitempty"`
	Reaction   ReactionPolicy   `json:"reaction,omitempty" yaml:"reaction,omitempty"`

	schema *jsonschema.Resolved
}

type WantTypeMetadata struct {
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
}

// ParameterDef defines a parameter for want type configuration
type ParameterDef struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string          `json:"type,omitempty" yaml:"type,omitempty"` // int, float64, string, bool, []string, map[string]any
	Default     any             `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool            `json:"required,omitempty" yaml:"required,omitempty"`
	Validation  ValidationRules `json:"validation,omitempty" yaml:"validation,omitempty"`
}

type ValidationRules struct {
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum    []any    `json:"enum,omitempty" yaml:"enum,omitempty"`
}

type AgentDef struct {
	Name        string `json:"name" yaml:"name"`
	Role        string `json:"role,omitempty" yaml:"role,omitempty"` // monitor, action, think
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ReactionPolicy holds per-type reaction behavior. OnDenial is "terminated"
// (default) or "failed".
type ReactionPolicy struct {
	OnDenial WantStatus `json:"onDenial,omitempty" yaml:"onDenial,omitempty"`
}

// WantTypeWrapper is the top-level YAML structure
type WantTypeWrapper struct {
	WantType WantTypeDefinition `yaml:"wantType"`
}

// AgentName returns the agent that serves this type.
func (d *WantTypeDefinition) AgentName() string {
	if len(d.Agents) > 0 && d.Agents[0].Name != "" {
		return d.Agents[0].Name
	}
	return d.Metadata.Name
}

func (d *WantTypeDefinition) compile() error {
	if d.Metadata.Name == "" {
		return fmt.Errorf("want type needs metadata.name")
	}
	switch d.Reaction.OnDenial {
	case "", WantStatusTerminated, WantStatusFailed:
	default:
		return fmt.Errorf("want type %s: reaction.onDenial must be terminated or failed, got %q", d.Metadata.Name, d.Reaction.OnDenial)
	}

	root := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(d.Parameters)),
	}
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("want type %s: parameter without name", d.Metadata.Name)
		}
		prop := &jsonschema.Schema{
			Description: p.Description,
			Minimum:     p.Validation.Min,
			Maximum:     p.Validation.Max,
			Pattern:     p.Validation.Pattern,
			Enum:        normalizeJSONValues(p.Validation.Enum),
		}
		applyParamType(prop, p.Type)
		root.Properties[p.Name] = prop
		if p.Required && p.Default == nil {
			root.Required = append(root.Required, p.Name)
		}
	}
	resolved, err := root.Resolve(nil)
	if err != nil {
		return fmt.Errorf("want type %s: %w", d.Metadata.Name, err)
	}
	d.schema = resolved
	return nil
}

func applyParamType(s *jsonschema.Schema, goType string) {
	switch strings.TrimSpace(goType) {
	case "int", "int64", "integer":
		s.Type = "integer"
	case "float64", "float", "number":
		s.Type = "number"
	case "string":
		s.Type = "string"
	case "bool", "boolean":
		s.Type = "boolean"
	case "[]string":
		s.Type = "array"
		s.Items = &jsonschema.Schema{Type: "string"}
	case "array", "[]any", "[]interface{}":
		s.Type = "array"
	case "map[string]any", "map[string]interface{}", "object":
		s.Type = "object"
	}
}

// normalizeJSONValues maps YAML-decoded values onto JSON value types.
func normalizeJSONValues(values []any) []any {
	if values == nil {
		return nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return values
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return values
	}
	return out
}

// WithDefaults returns params with missing parameters filled from defaults.
func (d *WantTypeDefinition) WithDefaults(params map[string]any) map[string]any {
	out := copyAnyMap(params)
	for _, p := range d.Parameters {
		if p.Default == nil {
			continue
		}
		if _, ok := out[p.Name]; ok {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[p.Name] = p.Default
	}
	return out
}

// ValidateParams checks params against the schema derived from Parameters.
func (d *WantTypeDefinition) ValidateParams(params map[string]any) error {
	if d.schema == nil {
		if err := d.compile(); err != nil {
			return err
		}
	}
	// normalize to JSON value types so ints and float64s compare alike
	raw, err := json.Marshal(d.WithDefaults(params))
	if err != nil {
		return fmt.Errorf("params are not JSON encodable: %w", err)
	}
	var instance map[string]any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return err
	}
	if instance == nil {
		instance = map[string]any{}
	}
	if err := d.schema.Validate(instance); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// WantTypeRegistry holds the known want types.
type WantTypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*WantTypeDefinition
}

func NewWantTypeRegistry() *WantTypeRegistry {
	return &WantTypeRegistry{types: make(map[string]*WantTypeDefinition)}
}

// Register compiles and stores a definition, replacing any previous one.
func (r *WantTypeRegistry) Register(def WantTypeDefinition) error {
	d := def
	if err := d.compile(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[d.Metadata.Name] = &d
	return nil
}

func (r *WantTypeRegistry) Get(name string) (*WantTypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[name]
	return d, ok
}

// Names returns registered type names in sorted order.
func (r *WantTypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DenialPolicy implements the per-type denial hook for the reaction queue.
func (r *WantTypeRegistry) DenialPolicy(wantType string) WantStatus {
	if d, ok := r.Get(wantType); ok && d.Reaction.OnDenial == WantStatusFailed {
		return WantStatusFailed
	}
	return WantStatusTerminated
}

// LoadDir registers every *.yaml / *.yml want type found under dir.
func (r *WantTypeRegistry) LoadDir(dir string) (int, error) {
	n, err := r.LoadFS(os.DirFS(dir), ".")
	if err != nil {
		return n, fmt.Errorf("%s: %w", dir, err)
	}
	return n, nil
}

// LoadFS registers every *.yaml / *.yml want type found under root in fsys.
func (r *WantTypeRegistry) LoadFS(fsys fs.FS, root string) (int, error) {
	var files []string
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(path)
		if !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(files)

	loaded := 0
	for _, path := range files {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return loaded, fmt.Errorf("failed to read %s: %w", path, err)
		}
		var wrapper WantTypeWrapper
		if err := yaml.Unmarshal(data, &wrapper); err != nil {
			return loaded, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := r.Register(wrapper.WantType); err != nil {
			return loaded, fmt.Errorf("%s: %w", path, err)
		}
		loaded++
	}
	return loaded, nil
}

// ValidateWant runs the checks that decide between reaching and
// config_error. It never touches the store's locks except through List.
func (r *WantTypeRegistry) ValidateWant(w *Want, store *Store) error {
	def, ok := r.Get(w.Metadata.Type)
	if !ok {
		return fmt.Errorf("unknown want type %q", w.Metadata.Type)
	}
	if err := def.ValidateParams(w.Spec.Params); err != nil {
		return err
	}
	if err := ValidateWhen(w.Spec.When); err != nil {
		return err
	}
	for i, sel := range w.Spec.Using {
		matched := false
		for _, cand := range store.List(WantFilter{Labels: sel}) {
			if cand.Metadata.ID != w.Metadata.ID {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("using[%d] %v matches no want", i, sel)
		}
	}
	return nil
}
