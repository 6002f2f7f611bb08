package plan

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan.schema.json
var planSchemaJSON string

const planSchemaURL = "optest://plan.schema.json"

var (
	planSchemaOnce sync.Once
	planSchema     *jsonschema.Schema
	planSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7

		if err := c.AddResource(planSchemaURL, strings.NewReader(planSchemaJSON)); err != nil {
			planSchemaErr = fmt.Errorf("plan: load schema: %w", err)
			return
		}

		planSchema, planSchemaErr = c.Compile(planSchemaURL)
		if planSchemaErr != nil {
			planSchemaErr = fmt.Errorf("plan: compile schema: %w", planSchemaErr)
		}
	})

	return planSchema, planSchemaErr
}

// ValidateSchema checks a normalized document against the plan schema and
// returns a *SchemaError listing every violation sorted by path.
func ValidateSchema(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("plan: validate schema: %w", err)
	}

	seen := map[Violation]bool{}

	var violations []Violation
	collectViolations(verr, seen, &violations)

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Path < violations[j].Path
	})

	return &SchemaError{Violations: violations}
}

func collectViolations(verr *jsonschema.ValidationError, seen map[Violation]bool, out *[]Violation) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectViolations(cause, seen, out)
		}

		return
	}

	v := Violation{Path: instancePath(verr.InstanceLocation), Message: verr.Message}
	if seen[v] {
		return
	}

	seen[v] = true
	*out = append(*out, v)
}

func instancePath(pointer string) string {
	p := strings.TrimPrefix(pointer, "/")
	if p == "" {
		return "root"
	}

	p = strings.ReplaceAll(p, "~1", "/")

	return strings.ReplaceAll(p, "~0", "~")
}
