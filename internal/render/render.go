// Package render implements the sequence engine's template renderer: a
// strict, deterministic {{name}} substitution with no conditionals, no
// nesting, and no expressions. It exists alongside the richer liquid
// engine used for operator-facing previews (see internal/preview)
// because the production send path needs the exact unclosed-brace
// failure mode the liquid engine does not distinguish.
package render

import (
	"strings"

	"github.com/ignite/sequencer/internal/domain"
)

// Vars is the flat string->string variable namespace recognized variables
// are substituted from; unknown names render as empty string.
type Vars map[string]string

// Render substitutes every {{name}} token in text against vars. A name is
// a non-empty run of letters, digits, or underscores. Unknown names
// render empty. Malformed tokens (a "{{" with no matching name/"}}"
// shape) are emitted verbatim, except that an opening "{{" with no
// closing "}}" anywhere on the same line is a TemplateSyntaxError.
//
// Render is pure: calling it twice with the same arguments always
// produces the same output.
func Render(text string, vars Vars) (string, error) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		rendered, err := renderLine(line, vars)
		if err != nil {
			return "", err
		}
		lines[i] = rendered
	}
	return strings.Join(lines, "\n"), nil
}

func renderLine(line string, vars Vars) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(line) {
		open := strings.Index(line[i:], "{{")
		if open < 0 {
			out.WriteString(line[i:])
			break
		}
		out.WriteString(line[i : i+open])
		start := i + open

		close := strings.Index(line[start:], "}}")
		if close < 0 {
			return "", domain.NewTemplateSyntaxError("unclosed {{ with no matching }} on the same line")
		}

		inner := line[start+2 : start+close]
		if name, ok := validName(inner); ok {
			out.WriteString(vars[name])
		} else {
			// Not a well-formed {{name}} token: emit the "{{" verbatim and
			// resume scanning right after it so a later "}}" on the same
			// line is still free to open its own token.
			out.WriteString("{{")
			i = start + 2
			continue
		}
		i = start + close + 2
	}
	return out.String(), nil
}

// validName reports whether s is a non-empty run of letters, digits, or
// underscores, as required for a recognized {{name}} token.
func validName(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return "", false
		}
	}
	return s, true
}

// Merge layers b on top of a, returning a new Vars. Per the associativity
// law render(t, a∪b) = render(render(t, a), b) when keys don't collide,
// callers may use Merge to combine recipient, sender, and generated
// variable bags before a single Render call.
func Merge(a, b Vars) Vars {
	out := make(Vars, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
