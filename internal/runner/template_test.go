package runner

import (
	"errors"
	"strings"
	"testing"

	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/resolve"
)

func TestRender(t *testing.T) {
	tokens := map[string]string{"case": "small", "chip": "cpu", "empty": ""}

	tests := []struct {
		tmpl    string
		want    string
		wantErr string
	}{
		{tmpl: "plain", want: "plain"},
		{tmpl: "{case}", want: "small"},
		{tmpl: "--case={case}-{chip}", want: "--case=small-cpu"},
		{tmpl: "x{empty}y", want: "xy"},
		{tmpl: "{{case}}", want: "{case}"},
		{tmpl: "{{{case}}}", want: "{small}"},
		{tmpl: "{case", wantErr: "unclosed"},
		{tmpl: "case}", wantErr: "single '}'"},
		{tmpl: "{bogus}", wantErr: "unknown token {bogus}"},
	}

	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := Render(tt.tmpl, tokens)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Render(%q) err = %v, want %q", tt.tmpl, err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("Render(%q): %v", tt.tmpl, err)
			}

			if got != tt.want {
				t.Fatalf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestTokenErrorListsKnownTokens(t *testing.T) {
	_, err := Render("{nope}", map[string]string{"b": "", "a": ""})

	var tokErr *TokenError
	if !errors.As(err, &tokErr) {
		t.Fatalf("err = %v, want *TokenError", err)
	}

	if tokErr.Token != "nope" || !strings.HasSuffix(err.Error(), "available tokens: a, b") {
		t.Fatalf("token error = %v", err)
	}
}

func TestTokens(t *testing.T) {
	p := &plan.Plan{
		Operator: "matmul",
		Inputs:   []string{"a.bin", "b.bin"},
		Outputs:  []string{"/abs/out.bin"},
		Backends: []plan.BackendConfig{{Type: "sim", Chip: "v2", Workdir: "/work"}},
		Cases: []plan.CaseConfig{{
			Name:   "mm",
			DTypes: []string{"float16", "float16"},
			Shapes: []plan.ShapeVariant{
				{Inputs: [][]int64{{1}, {1}}, Outputs: [][]int64{{1}}},
				{Inputs: [][]int64{{2, 3}, {3, 4}}, Outputs: [][]int64{{2, 4}}},
			},
		}},
	}

	units := resolve.Resolve(p, resolve.Options{})
	tokens := Tokens(units[1])

	want := map[string]string{
		"operator":    "matmul",
		"chip":        "v2",
		"backend":     "sim",
		"case":        "mm",
		"dtype":       "float16",
		"dtypes":      "float16,float16",
		"shape":       "2x3",
		"shapes":      `{"inputs":[[2,3],[3,4]],"outputs":[[2,4]]}`,
		"workdir":     "/work",
		"inputs":      "/work/a.bin,/work/b.bin",
		"outputs":     "/abs/out.bin",
		"shape_index": "1",
		"input0":      "/work/a.bin",
		"input1":      "/work/b.bin",
		"output0":     "/abs/out.bin",
	}

	for key, value := range want {
		if tokens[key] != value {
			t.Errorf("token %s = %q, want %q", key, tokens[key], value)
		}
	}

	if len(tokens) != len(want) {
		t.Fatalf("token count = %d, want %d", len(tokens), len(want))
	}
}
