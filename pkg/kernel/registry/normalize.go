package registry

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize maps raw tools into NormalizedTools. A tool whose schema cannot be
// normalized is excluded and reported; the remaining tools are unaffected.
// Output order follows input order.
func Normalize(raws []RawTool) ([]NormalizedTool, []*NormalizationError) {
	var (
		tools []NormalizedTool
		errs  []*NormalizationError
		seen  = map[string]bool{}
	)
	for _, raw := range raws {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			errs = append(errs, &NormalizationError{Tool: "<unnamed>", Reason: "tool has no name"})
			continue
		}
		if seen[name] {
			errs = append(errs, &NormalizationError{Tool: name, Reason: "duplicate tool name"})
			continue
		}
		seen[name] = true

		tool, err := normalizeTool(name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tools = append(tools, tool)
	}
	return tools, errs
}

func normalizeTool(name string, raw RawTool) (NormalizedTool, *NormalizationError) {
	inputs, err := fieldsOf(raw.InputSchema)
	if err != nil {
		err.Tool = name
		return NormalizedTool{}, err
	}
	tool := NormalizedTool{
		Name:         name,
		Description:  strings.TrimSpace(raw.Description),
		Tokens:       Tokenize(raw.Description),
		Inputs:       inputs,
		InputSchema:  raw.InputSchema,
		OutputSchema: raw.OutputSchema,
	}
	if len(raw.OutputSchema) > 0 {
		outType, terr := typeOf(raw.OutputSchema)
		if terr != nil {
			return NormalizedTool{}, &NormalizationError{Tool: name, Reason: "outputSchema: " + terr.Error()}
		}
		if outType == "any" {
			outType = "object"
		}
		tool.OutputType = outType
		outputs, err := fieldsOf(raw.OutputSchema)
		if err != nil {
			err.Tool = name
			err.Reason = "outputSchema: " + err.Reason
			return NormalizedTool{}, err
		}
		tool.Outputs = outputs
	}
	if timeout, ok := raw.Meta["timeout"]; ok {
		switch v := timeout.(type) {
		case string:
			tool.DeclaredTimeout = strings.TrimSpace(v)
		case float64:
			tool.DeclaredTimeout = fmt.Sprintf("%gms", v)
		case int:
			tool.DeclaredTimeout = fmt.Sprintf("%dms", v)
		}
	}
	return tool, nil
}

// fieldsOf extracts the properties of an object schema, sorted by name.
func fieldsOf(schema map[string]any) ([]Field, *NormalizationError) {
	if len(schema) == 0 {
		return nil, nil
	}
	rawProps, ok := schema["properties"]
	if !ok || rawProps == nil {
		return nil, nil
	}
	props, ok := rawProps.(map[string]any)
	if !ok {
		return nil, &NormalizationError{Reason: fmt.Sprintf("properties must be an object, got %T", rawProps)}
	}

	required := map[string]bool{}
	if rawReq, ok := schema["required"]; ok && rawReq != nil {
		list, ok := rawReq.([]any)
		if !ok {
			return nil, &NormalizationError{Reason: fmt.Sprintf("required must be an array, got %T", rawReq)}
		}
		for _, r := range list {
			s, ok := r.(string)
			if !ok {
				return nil, &NormalizationError{Reason: fmt.Sprintf("required entries must be strings, got %T", r)}
			}
			required[s] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			return nil, &NormalizationError{Field: name, Reason: fmt.Sprintf("property schema must be an object, got %T", props[name])}
		}
		typ, err := typeOf(prop)
		if err != nil {
			return nil, &NormalizationError{Field: name, Reason: err.Error()}
		}
		f := Field{
			Name:     name,
			Type:     typ,
			Required: required[name],
			Nullable: isNullable(prop),
		}
		f.Description, _ = prop["description"].(string)
		f.Description = strings.TrimSpace(f.Description)
		f.Pattern, _ = prop["pattern"].(string)
		f.Format, _ = prop["format"].(string)
		if enum, ok := prop["enum"].([]any); ok {
			f.Enum = enum
		}
		if ex, ok := prop["examples"].([]any); ok {
			f.Examples = ex
		} else if ex, ok := prop["example"]; ok {
			f.Examples = []any{ex}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// typeOf resolves the JSON type of a property schema.
func typeOf(prop map[string]any) (string, error) {
	switch t := prop["type"].(type) {
	case string:
		return t, nil
	case []any:
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return "", fmt.Errorf("type array entries must be strings")
			}
			if s != "null" {
				return s, nil
			}
		}
		return "null", nil
	case nil:
		if _, present := prop["type"]; present {
			return "", fmt.Errorf("type must not be null")
		}
	default:
		return "", fmt.Errorf("unrecognized type shape %T", t)
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		raw, ok := prop[key]
		if !ok {
			continue
		}
		alts, ok := raw.([]any)
		if !ok {
			return "", fmt.Errorf("%s must be an array", key)
		}
		for _, alt := range alts {
			m, ok := alt.(map[string]any)
			if !ok {
				return "", fmt.Errorf("%s entries must be objects", key)
			}
			t, err := typeOf(m)
			if err != nil {
				return "", err
			}
			if t != "null" {
				return t, nil
			}
		}
		return "null", nil
	}
	if _, ok := prop["$ref"]; ok {
		return "object", nil
	}
	if _, ok := prop["enum"]; ok {
		return "string", nil
	}
	if _, ok := prop["properties"]; ok {
		return "object", nil
	}
	return "any", nil
}

func isNullable(prop map[string]any) bool {
	if n, ok := prop["nullable"].(bool); ok && n {
		return true
	}
	if list, ok := prop["type"].([]any); ok {
		for _, v := range list {
			if v == "null" {
				return true
			}
		}
	}
	for _, key := range []string{"anyOf", "oneOf"} {
		alts, _ := prop[key].([]any)
		for _, alt := range alts {
			if m, ok := alt.(map[string]any); ok && m["type"] == "null" {
				return true
			}
		}
	}
	return false
}

// TypesCompatible reports whether a value of type from can feed type to.
func TypesCompatible(from, to string) bool {
	if from == to || from == "any" || to == "any" {
		return true
	}
	return (from == "integer" && to == "number") || (from == "number" && to == "integer")
}

// CanonicalName folds a field name for matching: NFKC normalized, case
// folded, separators removed, so user_id, userId and User-ID collide.
func CanonicalName(name string) string {
	var b strings.Builder
	for _, r := range norm.NFKC.String(name) {
		if wordRune(r) {
			b.WriteRune(r)
		}
	}
	return cases.Fold().String(b.String())
}

// wordRune reports whether r belongs to a word. Combining marks left after
// NFKC stay with their base letter.
func wordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "this": true,
	"that": true, "are": true, "was": true, "will": true, "can": true, "not": true,
	"you": true, "your": true, "into": true, "its": true, "has": true, "have": true,
	"get": true, "set": true, "use": true, "used": true, "uses": true, "all": true,
	"any": true, "given": true, "returns": true, "return": true, "tool": true,
}

// Words normalizes text to NFKC, splits it on non-alphanumerics and
// camelCase boundaries, and case folds every word, keeping them in order.
// Composed and decomposed spellings of a word give the same result.
func Words(text string) []string {
	var (
		out []string
		cur []rune
	)
	fold := cases.Fold()
	flush := func() {
		if len(cur) > 0 {
			out = append(out, fold.String(string(cur)))
		}
		cur = cur[:0]
	}
	runes := []rune(norm.NFKC.String(text))
	for i, r := range runes {
		switch {
		case wordRune(r):
			if unicode.IsUpper(r) && len(cur) > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					flush()
				}
			}
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	return out
}

// Tokenize returns the sorted, deduplicated Words of text minus stopwords and
// words of two characters or fewer.
func Tokenize(text string) []string {
	set := map[string]bool{}
	for _, w := range Words(text) {
		if utf8.RuneCountInString(w) > 2 && !stopwords[w] {
			set[w] = true
		}
	}
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Overlap is the Jaccard similarity of two token sets.
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	in := make(map[string]bool, len(a))
	for _, t := range a {
		in[t] = true
	}
	shared := 0
	union := len(in)
	seen := map[string]bool{}
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if in[t] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}
