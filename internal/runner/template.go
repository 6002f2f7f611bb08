package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-optest/internal/resolve"
)

// TokenError reports a template token that is not in the unit's token table.
type TokenError struct {
	Token    string
	Template string
	Known    []string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("runner: unknown token {%s} in %q; available tokens: %s", e.Token, e.Template, strings.Join(e.Known, ", "))
}

// Tokens builds the substitution table for a unit's commands and env.
func Tokens(u resolve.Unit) map[string]string {
	dtypes := u.Case.DTypes

	tokens := map[string]string{
		"operator":    u.Plan.Operator,
		"chip":        u.Backend.Chip,
		"backend":     u.Backend.Type,
		"case":        u.Case.Name,
		"dtypes":      strings.Join(dtypes, ","),
		"workdir":     u.Backend.Workdir,
		"inputs":      strings.Join(u.InputPaths, ","),
		"outputs":     strings.Join(u.OutputPaths, ","),
		"shape_index": strconv.Itoa(u.ShapeIndex),
		"dtype":       "",
		"shape":       "",
	}

	if len(dtypes) > 0 {
		tokens["dtype"] = dtypes[0]
	}

	if len(u.Shape.Inputs) > 0 {
		dims := make([]string, len(u.Shape.Inputs[0]))
		for i, d := range u.Shape.Inputs[0] {
			dims[i] = strconv.FormatInt(d, 10)
		}

		tokens["shape"] = strings.Join(dims, "x")
	}

	shapes, _ := json.Marshal(map[string][][]int64{"inputs": u.Shape.Inputs, "outputs": u.Shape.Outputs})
	tokens["shapes"] = string(shapes)

	for i, p := range u.InputPaths {
		tokens["input"+strconv.Itoa(i)] = p
	}

	for i, p := range u.OutputPaths {
		tokens["output"+strconv.Itoa(i)] = p
	}

	return tokens
}

// Render substitutes {name} tokens in tmpl. "{{" and "}}" produce literal
// braces. An unknown name fails with *TokenError.
func Render(tmpl string, tokens map[string]string) (string, error) {
	if !strings.ContainsAny(tmpl, "{}") {
		return tmpl, nil
	}

	var b strings.Builder

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]

		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("runner: unclosed '{' in %q", tmpl)
			}

			name := tmpl[i+1 : i+1+end]

			value, ok := tokens[name]
			if !ok {
				return "", &TokenError{Token: name, Template: tmpl, Known: knownTokens(tokens)}
			}

			b.WriteString(value)
			i += end + 1
		case c == '}':
			return "", fmt.Errorf("runner: single '}' in %q", tmpl)
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}

func knownTokens(tokens map[string]string) []string {
	names := make([]string, 0, len(tokens))
	for name := range tokens {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// renderArgv renders every argument; argv elements are passed to the process
// as-is, so no shell quoting is applied.
func renderArgv(argv []string, tokens map[string]string) ([]string, error) {
	out := make([]string, len(argv))

	for i, arg := range argv {
		rendered, err := Render(arg, tokens)
		if err != nil {
			return nil, err
		}

		out[i] = rendered
	}

	return out, nil
}

func renderEnv(env map[string]string, tokens map[string]string) ([]string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(env))

	for _, k := range keys {
		key, err := Render(k, tokens)
		if err != nil {
			return nil, err
		}

		value, err := Render(env[k], tokens)
		if err != nil {
			return nil, err
		}

		out = append(out, key+"="+value)
	}

	return out, nil
}
