package guardrail

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

// checkSchema verifies required inputs and declared types first, then the
// tool's full input schema when it compiled.
func (v *Validator) checkSchema(tool *registry.NormalizedTool, args map[string]any) []string {
	var violations []string
	for _, f := range tool.Inputs {
		val, present := args[f.Name]
		if !present {
			if f.Required {
				violations = append(violations, fmt.Sprintf("missing required input %q", f.Name))
			}
			continue
		}
		if val == nil {
			if f.Required && !f.Nullable {
				violations = append(violations, fmt.Sprintf("input %q must not be null", f.Name))
			}
			continue
		}
		if got := jsonType(val); !argCompatible(got, f.Type) {
			violations = append(violations, fmt.Sprintf("input %q: expected %s, got %s", f.Name, f.Type, got))
		}
	}
	if len(violations) > 0 {
		return violations
	}
	if sch, ok := v.schemas[tool.Name]; ok {
		if args == nil {
			args = map[string]any{}
		}
		violations = sch.Validate(args)
	}
	sort.Strings(violations)
	return violations
}

func jsonType(v any) string {
	switch n := v.(type) {
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		if n == math.Trunc(n) {
			return "integer"
		}
		return "number"
	case float32:
		return jsonType(float64(n))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// argCompatible is registry.TypesCompatible, except a fractional number
// never satisfies an integer input.
func argCompatible(got, want string) bool {
	if got == "number" && want == "integer" {
		return false
	}
	if got == "integer" && want == "number" {
		return true
	}
	return registry.TypesCompatible(got, want)
}

// Signature identifies a call for loop detection: the tool name plus the
// SHA-256 of its RFC 8785 canonical arguments. Key order and number spelling
// do not matter; any value difference does.
func Signature(tool string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return tool + ":" + hex.EncodeToString(sum[:]), nil
}
