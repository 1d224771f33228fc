// Package prompt renders agent prompt templates. Pipeline definitions carry
// system prompts that may reference run context ({{pipeline}}, {{phase}},
// {{feedback}}, ...); rendering happens once per phase execution.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	varRe    = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
)

const ifClose = "{{/if}}"

// Vars maps template variable names to their values for one render.
type Vars map[string]string

// Render expands tmpl with vars. {{name}} substitutes the variable's value;
// {{#if name}}...{{/if}} includes the body only when the variable is
// non-empty. A {{name}} referencing an unknown variable is an error, so a
// typo in a definition's prompt fails loudly instead of reaching the model.
// Templates with no placeholders pass through unchanged.
func Render(tmpl string, vars Vars) (string, error) {
	out, err := expandConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out = varRe.ReplaceAllStringFunc(out, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// expandConditionals resolves {{#if}} blocks, innermost first. For each
// closing tag the nearest preceding opening tag is its match, which handles
// nesting without a parse tree.
func expandConditionals(tmpl string, vars Vars) (string, error) {
	out := tmpl
	for {
		closeIdx := strings.Index(out, ifClose)
		if closeIdx == -1 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(out[:closeIdx], -1)
		if opens == nil {
			return "", fmt.Errorf("{{/if}} without matching {{#if}}")
		}
		open := opens[len(opens)-1]
		name := out[open[2]:open[3]]

		body := out[open[1]:closeIdx]
		var kept string
		if vars[name] != "" {
			kept = body
		}
		out = out[:open[0]] + kept + out[closeIdx+len(ifClose):]
	}
	if loc := ifOpenRe.FindString(out); loc != "" {
		return "", fmt.Errorf("unclosed conditional %s", loc)
	}
	return out, nil
}
