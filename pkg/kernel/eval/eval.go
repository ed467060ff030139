// Package eval resolves {{ }} references in proposed tool arguments against
// the outputs of earlier calls in the same run.
//
// A string that is exactly one field reference, e.g. "{{ .get_weather.weather }}",
// resolves to the referenced value with its type intact. Any other string
// containing "{{" is rendered as a text/template and yields a string.
package eval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// Scope maps tool names to the value each tool last returned.
type Scope map[string]any

// Set records the output of a completed call.
func (s Scope) Set(tool string, v any) { s[tool] = v }

var refPattern = regexp.MustCompile(`^\{\{\s*((?:\.[A-Za-z_][A-Za-z0-9_]*)+)\s*\}\}$`)

// Resolve evaluates a single string against scope.
func Resolve(tmpl string, scope Scope) (any, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	if m := refPattern.FindStringSubmatch(tmpl); m != nil {
		return Lookup(scope, m[1])
	}

	t, err := template.New("").Option("missingkey=error").Funcs(builtinFuncs()).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("template parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]any(scope)); err != nil {
		return nil, fmt.Errorf("template eval: %w", err)
	}
	return buf.String(), nil
}

// Lookup follows a dotted path such as ".get_weather.weather" through
// nested objects.
func Lookup(scope Scope, path string) (any, error) {
	parts := strings.Split(strings.TrimPrefix(path, "."), ".")
	var cur any = map[string]any(scope)
	for i, key := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %s is %T, not an object", path, strings.Join(parts[:i], "."), cur)
		}
		if cur, ok = obj[key]; !ok {
			if i == 0 {
				return nil, fmt.Errorf("%s: no output from %q yet", path, key)
			}
			return nil, fmt.Errorf("%s: no field %q", path, key)
		}
	}
	return cur, nil
}

// ResolveArgs resolves every string inside args, descending into nested
// objects and arrays. Args without references are returned unchanged.
func ResolveArgs(args map[string]any, scope Scope) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	v, err := resolveValue(args, scope)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func resolveValue(v any, scope Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return Resolve(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, scope)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, scope)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func builtinFuncs() template.FuncMap {
	return template.FuncMap{
		"contains": func(s, substr any) bool {
			return strings.Contains(fmt.Sprint(s), fmt.Sprint(substr))
		},
		"default": func(def, val any) any {
			if val == nil || fmt.Sprint(val) == "" {
				return def
			}
			return val
		},
		"lower": func(s any) string { return strings.ToLower(fmt.Sprint(s)) },
		"upper": func(s any) string { return strings.ToUpper(fmt.Sprint(s)) },
		"json": func(v any) (string, error) {
			data, err := json.Marshal(v)
			return string(data), err
		},
	}
}
