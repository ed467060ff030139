package rules

import (
	"strings"

	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

// BehavioralRules returns the built-in behavioral rules.
func BehavioralRules() []Rule[ExecutionContext] {
	return []Rule[ExecutionContext]{
		NewBehavioral(Info{Code: "E300", Title: "Output Does Not Match Schema", Severity: SeverityError,
			Fix: "return values that conform to the declared outputSchema"}, checkOutputConforms),
		NewBehavioral(Info{Code: "E301", Title: "Output Explosion", Severity: SeverityError,
			Fix: "paginate or summarize large results"}, checkOutputSize),
		NewBehavioral(Info{Code: "E403", Title: "Unbounded Execution", Severity: SeverityError,
			Fix: "declare a timeout in _meta and keep execution within it"}, checkUnbounded),
	}
}

// E403: timeouts and execution failures. The two checks are independent.
func checkUnbounded(ctx ExecutionContext) []Diagnostic {
	var out []Diagnostic
	if ctx.TimedOut {
		if ctx.DeclaredTimeout != "" {
			out = append(out, diagf(ctx.Tool, "", "exceeded declared timeout: %s", ctx.DeclaredTimeout))
		} else {
			out = append(out, diagf(ctx.Tool, "", "exceeded default timeout: %ds", ctx.ActualTimeoutMs/1000))
		}
	}
	if len(ctx.Errors) > 0 {
		msgs := make([]string, len(ctx.Errors))
		for i, e := range ctx.Errors {
			msgs[i] = e.Message
		}
		// Field keeps the failure distinct from the timeout under Dedupe.
		out = append(out, diagf(ctx.Tool, "execution", "execution failed: %s", strings.Join(msgs, "; ")))
	}
	return out
}

// E300: structured output conforms to the declared output schema.
func checkOutputConforms(ctx ExecutionContext) []Diagnostic {
	if len(ctx.OutputSchema) == 0 || ctx.Output == nil {
		return nil
	}
	sch, err := registry.CompileSchema(ctx.Tool+"-output.json", ctx.OutputSchema)
	if err != nil {
		return []Diagnostic{diagf(ctx.Tool, "", "output schema does not compile: %v", err)}
	}
	violations := sch.Validate(ctx.Output)
	if len(violations) == 0 {
		return nil
	}
	return []Diagnostic{diagf(ctx.Tool, "", "output does not match schema: %s", strings.Join(violations, "; "))}
}

// E301: output size within bounds.
func checkOutputSize(ctx ExecutionContext) []Diagnostic {
	if ctx.MaxOutputBytes <= 0 || ctx.OutputBytes <= ctx.MaxOutputBytes {
		return nil
	}
	return []Diagnostic{diagf(ctx.Tool, "", "output of %d bytes exceeds limit of %d", ctx.OutputBytes, ctx.MaxOutputBytes)}
}
