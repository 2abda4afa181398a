package policy

import (
	"strings"

	"github.com/isdmx/databox/fault"
)

// AcceptedScript is the opaque token produced by a successful validation.
// Downstream components only ever execute an AcceptedScript, never raw
// source text.
type AcceptedScript struct {
	source string
	policy *Policy
}

// Source returns the validated script source.
func (a *AcceptedScript) Source() string { return a.source }

// Policy returns the policy the script was validated against, for the
// second enforcement point inside the child.
func (a *AcceptedScript) Policy() *Policy { return a.policy }

// Validator statically checks scripts against a Policy.
type Validator struct {
	policy *Policy
}

// NewValidator creates a validator for the given policy.
func NewValidator(p *Policy) *Validator {
	return &Validator{policy: p}
}

// Validate inspects the script source and either returns an accepted
// script token or a fault.PolicyViolation. It never executes the script.
func (v *Validator) Validate(source string) (*AcceptedScript, error) {
	lines, err := scan(source)
	if err != nil {
		return nil, fault.New(fault.PolicyViolation, "script does not parse: %v", err)
	}
	if len(lines) == 0 {
		return nil, fault.New(fault.PolicyViolation, "script is empty")
	}

	entryPoints := 0
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln.text)

		if opensBlock(trimmed) && !strings.Contains(trimmed, ":") {
			return nil, fault.New(fault.PolicyViolation,
				"line %d: script does not parse: %q has no ':'", ln.line, firstWord(trimmed))
		}

		for _, module := range importedModules(trimmed) {
			if !v.policy.ImportAllowed(module) {
				return nil, fault.New(fault.PolicyViolation,
					"line %d: import of %q is not allowed (allowed: %s)",
					ln.line, module, v.allowedList())
			}
		}

		var violation *fault.Error
		identifiers(ln.text, func(name string, attr, called bool) {
			if violation != nil {
				return
			}
			switch {
			case v.policy.attributeBlocked(name):
				violation = fault.New(fault.PolicyViolation,
					"line %d: access to %q is not allowed", ln.line, name)
			case !attr && called && v.policy.callBlocked(name):
				violation = fault.New(fault.PolicyViolation,
					"line %d: call to %s() is not allowed", ln.line, name)
			}
		})
		if violation != nil {
			return nil, violation
		}

		if ln.indent == 0 {
			if name, params, ok := definedFunction(trimmed); ok && name == v.policy.EntryPoint {
				entryPoints++
				if params != 1 {
					return nil, fault.New(fault.PolicyViolation,
						"line %d: %s must accept exactly one argument", ln.line, name)
				}
			}
		}
	}

	if entryPoints == 0 {
		return nil, fault.New(fault.PolicyViolation,
			"script must define a %s(df) function", v.policy.EntryPoint)
	}
	if entryPoints > 1 {
		return nil, fault.New(fault.PolicyViolation,
			"script must define exactly one %s function, found %d",
			v.policy.EntryPoint, entryPoints)
	}

	return &AcceptedScript{source: source, policy: v.policy}, nil
}

func (v *Validator) allowedList() string {
	seen := map[string]bool{}
	var names []string
	for _, canonical := range v.policy.AllowedImports {
		if !seen[canonical] {
			seen[canonical] = true
			names = append(names, canonical)
		}
	}
	return strings.Join(names, ", ")
}

// importedModules extracts the module names referenced by an import
// statement, or nil if the line is not one. For "from a.b import x" the
// module is a.b; "import a as x, b" yields both a and b.
func importedModules(line string) []string {
	switch {
	case strings.HasPrefix(line, "from "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "from "))
		if i := strings.IndexAny(rest, " \t"); i > 0 {
			rest = rest[:i]
		}
		return []string{rest}
	case strings.HasPrefix(line, "import "):
		rest := strings.TrimPrefix(line, "import ")
		var modules []string
		for _, part := range strings.Split(rest, ",") {
			fields := strings.Fields(part)
			if len(fields) > 0 {
				modules = append(modules, fields[0])
			}
		}
		return modules
	}
	return nil
}

// opensBlock recognizes statements that introduce a suite and therefore
// must carry a ':' to parse.
func opensBlock(line string) bool {
	switch firstWord(line) {
	case "def", "class", "if", "elif", "else", "for", "while", "try", "except", "finally", "with":
		return true
	}
	return false
}

func firstWord(line string) string {
	i := 0
	for i < len(line) && isIdentPart(line[i]) {
		i++
	}
	return line[:i]
}

// definedFunction recognizes "def name(params):" and returns the function
// name and its parameter count.
func definedFunction(line string) (name string, params int, ok bool) {
	if !strings.HasPrefix(line, "def ") {
		return "", 0, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "def "))
	open := strings.IndexByte(rest, '(')
	if open <= 0 {
		return "", 0, false
	}
	name = strings.TrimSpace(rest[:open])
	closing := strings.LastIndexByte(rest, ')')
	if closing <= open {
		return "", 0, false
	}
	inner := strings.TrimSpace(rest[open+1 : closing])
	if inner == "" {
		return name, 0, true
	}
	params = 1 + strings.Count(inner, ",")
	return name, params, true
}
