package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the declarative allow-list consumed by both the static
// validator and the runtime guard inside the sandboxed child.
type Policy struct {
	Version           int               `yaml:"version" json:"version"`
	AllowedImports    map[string]string `yaml:"allowed_imports" json:"allowed_imports"`
	BlockedAttributes []string          `yaml:"blocked_attributes" json:"blocked_attributes"`
	BlockedCalls      []string          `yaml:"blocked_calls" json:"blocked_calls"`
	EntryPoint        string            `yaml:"entry_point" json:"entry_point"`
}

// Default returns the built-in policy: the dataframe and numeric-array
// libraries under their conventional aliases, the date/time and math
// modules, and the interpreter-introspection surface blocked.
func Default() *Policy {
	return &Policy{
		Version: 1,
		AllowedImports: map[string]string{
			"pandas":   "pandas",
			"pd":       "pandas",
			"numpy":    "numpy",
			"np":       "numpy",
			"datetime": "datetime",
			"math":     "math",
		},
		BlockedAttributes: []string{
			"__class__", "__bases__", "__subclasses__", "__mro__",
			"__globals__", "__code__", "__closure__", "__func__", "__self__",
			"__dict__", "__slots__", "__module__",
			"__delattr__", "__setattr__", "__getattribute__",
			"__reduce__", "__reduce_ex__", "__getstate__", "__setstate__",
			"__builtins__", "__import__",
		},
		BlockedCalls: []string{
			"exec", "eval", "compile", "open", "input", "__import__",
			"getattr", "setattr", "delattr", "globals", "locals", "vars",
			"breakpoint",
		},
		EntryPoint: "transform",
	}
}

// Load reads a policy document from the given YAML file. An empty path
// yields the default policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}

func (p *Policy) validate() error {
	if p.Version <= 0 {
		return fmt.Errorf("version must be positive, got: %d", p.Version)
	}
	if len(p.AllowedImports) == 0 {
		return fmt.Errorf("allowed_imports must not be empty")
	}
	if p.EntryPoint == "" {
		return fmt.Errorf("entry_point must be set")
	}
	return nil
}

// ImportAllowed reports whether the given module name (its base segment,
// before any dot) is on the allow-list.
func (p *Policy) ImportAllowed(module string) bool {
	for i := 0; i < len(module); i++ {
		if module[i] == '.' {
			module = module[:i]
			break
		}
	}
	_, ok := p.AllowedImports[module]
	return ok
}

func (p *Policy) attributeBlocked(name string) bool {
	for _, b := range p.BlockedAttributes {
		if name == b {
			return true
		}
	}
	return false
}

func (p *Policy) callBlocked(name string) bool {
	for _, b := range p.BlockedCalls {
		if name == b {
			return true
		}
	}
	return false
}
