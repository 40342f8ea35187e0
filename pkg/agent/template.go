package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"k8s.io/apimachinery/pkg/runtime"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

// placeholderPattern matches ${resource.path}. The resource name follows the
// ResourceSpec name pattern; path is a JSONPath relative to the root of the
// resource's created output.
var placeholderPattern = regexp.MustCompile(`\$\{([a-z0-9](?:[-a-z0-9]*[a-z0-9])?)\.([^}]+)\}`)

// Resolver substitutes references to created resources in agent
// configuration.
type Resolver struct {
	allowed map[string]bool
	outputs map[string]any
}

// NewResolver collects the created output of every resource of test. When
// allowed is non-nil only those resources may be referenced.
func NewResolver(test *testsysv1alpha1.Test, allowed []string) (*Resolver, error) {
	r := &Resolver{outputs: map[string]any{}}
	if allowed != nil {
		r.allowed = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			r.allowed[name] = true
		}
	}
	if test.Status.Agent == nil {
		return r, nil
	}
	for name, s := range test.Status.Agent.Resources {
		if s.Resource == nil || len(s.Resource.Raw) == 0 {
			continue
		}
		var out any
		if err := json.Unmarshal(s.Resource.Raw, &out); err != nil {
			return nil, fmt.Errorf("decoding output of resource %q: %w", name, err)
		}
		r.outputs[name] = out
	}
	return r, nil
}

// Resolve returns configuration as JSON with every placeholder replaced.
// A string that consists of a single placeholder takes the type of the
// referenced value; placeholders embedded in longer strings are replaced
// by their text form. A nil configuration resolves to nil.
func (r *Resolver) Resolve(configuration *runtime.RawExtension) ([]byte, error) {
	if configuration == nil || len(configuration.Raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(configuration.Raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	resolved, err := r.walk(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func (r *Resolver) walk(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			resolved, err := r.walk(child)
			if err != nil {
				return nil, err
			}
			v[k] = resolved
		}
		return v, nil
	case []any:
		for i, child := range v {
			resolved, err := r.walk(child)
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	case string:
		return r.resolveString(v)
	default:
		return v, nil
	}
}

func (r *Resolver) resolveString(s string) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return r.lookup(s[matches[0][2]:matches[0][3]], s[matches[0][4]:matches[0][5]])
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		value, err := r.lookup(s[m[2]:m[3]], s[m[4]:m[5]])
		if err != nil {
			return nil, err
		}
		switch value := value.(type) {
		case string:
			b.WriteString(value)
		default:
			text, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("formatting %s: %w", s[m[0]:m[1]], err)
			}
			b.Write(text)
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (r *Resolver) lookup(resource, path string) (any, error) {
	if r.allowed != nil && !r.allowed[resource] {
		return nil, fmt.Errorf("resource %q is referenced but not listed in dependsOn", resource)
	}
	out, ok := r.outputs[resource]
	if !ok {
		return nil, fmt.Errorf("resource %q has no created output", resource)
	}
	value, err := jsonpath.Get("$."+path, out)
	if err != nil {
		return nil, fmt.Errorf("resolving ${%s.%s}: %w", resource, path, err)
	}
	return value, nil
}
