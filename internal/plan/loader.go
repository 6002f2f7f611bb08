package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/example/go-optest/internal/tensor"
)

// Load reads, decodes and validates the plan file at path.
func Load(path string) (*Plan, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("plan: resolve %s: %w", path, err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}

	doc, err := Decode(data, FormatForPath(abs))
	if err != nil {
		return nil, err
	}

	p, err := Parse(doc, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}

	p.Path = abs

	return p, nil
}

// Parse validates a decoded document against the schema and then builds the
// plan model. Relative paths resolve against baseDir.
func Parse(doc map[string]any, baseDir string) (*Plan, error) {
	if doc == nil {
		return nil, invalid("", "plan file must contain a mapping at the top level")
	}

	if err := ValidateSchema(doc); err != nil {
		return nil, err
	}

	base, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("plan: resolve base dir %s: %w", baseDir, err)
	}

	p := &Plan{BaseDir: base}

	if p.Operator, err = requireString(doc, "operator", "operator"); err != nil {
		return nil, err
	}

	p.Description = scalarString(doc["description"])

	if p.Inputs, err = slotList(doc["inputs"], "inputs"); err != nil {
		return nil, err
	}

	if p.Outputs, err = slotList(doc["outputs"], "outputs"); err != nil {
		return nil, err
	}

	if p.Generator, err = parseGenerator(doc["generator"], base, DefaultGenerator, "generator"); err != nil {
		return nil, err
	}

	if p.Assertion, err = parseAssertion(doc["assertion"], base, DefaultAssertion, "assertion"); err != nil {
		return nil, err
	}

	if p.Backends, err = parseBackends(doc["backends"], base); err != nil {
		return nil, err
	}

	if p.Cases, err = parseCases(doc["cases"], base, p); err != nil {
		return nil, err
	}

	cache, ok := ParseCachePolicy(scalarString(doc["cache"]))
	if !ok {
		return nil, invalid("cache", "cache must be 'reuse' or 'regen'")
	}

	if cache == "" {
		cache = CacheReuse
	}

	p.Cache = cache
	p.Tags = stringList(doc["tags"])

	if p.Priority, err = optionalInt(doc["priority"], "priority"); err != nil {
		return nil, err
	}

	if err := validateCases(p); err != nil {
		return nil, err
	}

	return p, nil
}

func parseGenerator(raw any, base, defaultName, field string) (GeneratorConfig, error) {
	switch v := raw.(type) {
	case nil:
		return GeneratorConfig{Name: defaultName}, nil
	case string:
		return GeneratorConfig{Name: strings.TrimSpace(v)}, nil
	case map[string]any:
		cfg := GeneratorConfig{
			Name:      defaultName,
			Params:    paramsOf(v["params"]),
			Constants: paramsOf(v["constants"]),
		}

		if name := strings.TrimSpace(scalarString(v["name"])); name != "" {
			cfg.Name = name
		}

		cfg.Source = resolvePath(base, scalarString(v["source"]))

		if v["seed"] != nil {
			seed, ok := toInt(v["seed"])
			if !ok {
				return GeneratorConfig{}, invalid(field+".seed", "seed must be an integer")
			}

			cfg.Seed = &seed
		}

		if perInput, ok := v["per_input"].(map[string]any); ok && len(perInput) > 0 {
			cfg.PerInput = make(map[int]GeneratorConfig, len(perInput))

			for key, item := range perInput {
				idx, ok := toInt(json.Number(key))
				if !ok || idx < 0 {
					return GeneratorConfig{}, invalid(field+".per_input", "generator.per_input keys must be integers")
				}

				sub, err := parseGenerator(item, base, cfg.Name, fmt.Sprintf("%s.per_input[%d]", field, idx))
				if err != nil {
					return GeneratorConfig{}, err
				}

				// One external generator call fills every input slot.
				if sub.External() {
					return GeneratorConfig{}, invalid(fmt.Sprintf("%s.per_input[%d].source", field, idx),
						"per-input overrides must name a built-in generator; set source on the generator itself")
				}

				cfg.PerInput[int(idx)] = sub
			}
		}

		return cfg, nil
	default:
		return GeneratorConfig{}, invalid(field, "generator must be a string or mapping")
	}
}

func parseAssertion(raw any, base, defaultName, field string) (AssertionConfig, error) {
	switch v := raw.(type) {
	case nil:
		return AssertionConfig{Name: defaultName}, nil
	case string:
		return AssertionConfig{Name: strings.TrimSpace(v)}, nil
	case map[string]any:
		cfg := AssertionConfig{
			Name:   defaultName,
			Metric: scalarString(v["metric"]),
			Params: paramsOf(v["params"]),
		}

		if name := strings.TrimSpace(scalarString(v["name"])); name != "" {
			cfg.Name = name
		}

		cfg.Source = resolvePath(base, scalarString(v["source"]))

		for key, dst := range map[string]**float64{"rtol": &cfg.RTol, "atol": &cfg.ATol} {
			if v[key] == nil {
				continue
			}

			f, ok := toFloat(v[key])
			if !ok || f < 0 {
				return AssertionConfig{}, invalid(field+"."+key, key+" must be a non-negative number")
			}

			*dst = &f
		}

		if v["output_dtypes"] != nil {
			cfg.OutputDTypes = stringList(v["output_dtypes"])
			for i, dt := range cfg.OutputDTypes {
				if _, err := tensor.ParseDType(dt); err != nil {
					return AssertionConfig{}, invalid(fmt.Sprintf("%s.output_dtypes[%d]", field, i), err.Error())
				}
			}
		}

		return cfg, nil
	default:
		return AssertionConfig{}, invalid(field, "assertion must be a string or mapping")
	}
}

func parseBackends(raw any, base string) ([]BackendConfig, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, invalid("backends", "backends must be a non-empty list")
	}

	backends := make([]BackendConfig, 0, len(items))
	seen := map[string]bool{}

	for i, item := range items {
		field := fmt.Sprintf("backends[%d]", i)

		entry, ok := item.(map[string]any)
		if !ok {
			return nil, invalid(field, "each backend entry must be a mapping")
		}

		b, err := parseBackend(entry, base, field)
		if err != nil {
			return nil, err
		}

		if seen[b.Key()] {
			return nil, invalid(field, fmt.Sprintf("duplicate backend entry for type=%s chip=%s", b.Type, b.Chip))
		}

		seen[b.Key()] = true
		backends = append(backends, b)
	}

	return backends, nil
}

func parseBackend(entry map[string]any, base, field string) (BackendConfig, error) {
	var (
		b   BackendConfig
		err error
	)

	if b.Type, err = requireString(entry, "type", field+".type"); err != nil {
		return b, err
	}

	if b.Chip, err = requireString(entry, "chip", field+".chip"); err != nil {
		return b, err
	}

	b.Workdir = base
	if wd := scalarString(entry["workdir"]); wd != "" {
		b.Workdir = resolvePath(base, wd)
	}

	if env, ok := entry["env"].(map[string]any); ok {
		b.Env = make(map[string]string, len(env))
		for k, v := range env {
			b.Env[k] = scalarString(v)
		}
	}

	if b.Timeout, err = parseTimeout(entry["timeout"]); err != nil {
		return b, invalid(field+".timeout", err.Error())
	}

	if entry["retries"] != nil {
		n, ok := toInt(entry["retries"])
		if !ok || n < 0 {
			return b, invalid(field+".retries", "retries must be a non-negative integer")
		}

		b.Retries = int(n)
	}

	if b.Command, err = NormalizeCommand(entry["command"]); err != nil {
		return b, invalid(field+".command", err.Error())
	}

	if b.Prepare, err = normalizeCommands(entry["prepare"]); err != nil {
		return b, invalid(field+".prepare", err.Error())
	}

	if b.Cleanup, err = normalizeCommands(entry["cleanup"]); err != nil {
		return b, invalid(field+".cleanup", err.Error())
	}

	b.OnlyCases = stringList(entry["only_cases"])
	b.SkipCases = stringList(entry["skip_cases"])
	b.XFailCases = stringList(entry["xfail_cases"])

	if both := intersect(b.OnlyCases, b.SkipCases); len(both) > 0 {
		return b, invalid(field, fmt.Sprintf("backend %s lists cases in both only_cases and skip_cases: %v", b.Key(), both))
	}

	if both := intersect(b.SkipCases, b.XFailCases); len(both) > 0 {
		return b, invalid(field, fmt.Sprintf("backend %s lists cases in both skip_cases and xfail_cases: %v", b.Key(), both))
	}

	return b, nil
}

// parseTimeout accepts seconds as a number or a Go duration string.
func parseTimeout(raw any) (time.Duration, error) {
	if raw == nil {
		return 0, nil
	}

	if s, ok := raw.(string); ok {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("timeout %q is not a duration", s)
		}

		if d < 0 {
			return 0, fmt.Errorf("timeout must not be negative, got %s", d)
		}

		return d, nil
	}

	secs, ok := toFloat(raw)
	if !ok {
		return 0, fmt.Errorf("timeout must be seconds or a duration, got %v", raw)
	}

	if secs < 0 {
		return 0, fmt.Errorf("timeout must not be negative, got %v", secs)
	}

	return time.Duration(secs * float64(time.Second)), nil
}

func parseCases(raw any, base string, p *Plan) ([]CaseConfig, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, invalid("cases", "cases must be a non-empty list")
	}

	cases := make([]CaseConfig, 0, len(items))
	seen := map[string]int{}

	for i, item := range items {
		field := fmt.Sprintf("cases[%d]", i)

		entry, ok := item.(map[string]any)
		if !ok {
			return nil, invalid(field, "case entries must be mappings")
		}

		c, err := parseCase(entry, base, p, field)
		if err != nil {
			return nil, err
		}

		if prev, dup := seen[c.Name]; dup {
			return nil, invalid(field, fmt.Sprintf("duplicate case name %q (first defined at cases[%d])", c.Name, prev))
		}

		seen[c.Name] = i
		cases = append(cases, c)
	}

	return cases, nil
}

func parseCase(entry map[string]any, base string, p *Plan, field string) (CaseConfig, error) {
	var (
		c   CaseConfig
		err error
	)

	if c.Name, err = requireString(entry, "name", field+".name"); err != nil {
		return c, err
	}

	field = fmt.Sprintf("%s (%s)", field, c.Name)

	c.DTypes = stringList(entry["dtypes"])
	if len(c.DTypes) == 0 {
		return c, invalid(field, "case dtypes must be a non-empty list")
	}

	for i, dt := range c.DTypes {
		if _, err := tensor.ParseDType(dt); err != nil {
			return c, invalid(fmt.Sprintf("%s.dtypes[%d]", field, i), err.Error())
		}
	}

	shapes, ok := entry["shapes"].([]any)
	if !ok || len(shapes) == 0 {
		return c, invalid(field, "case shapes must be a non-empty list")
	}

	for i, raw := range shapes {
		sv, ok := raw.(map[string]any)
		if !ok {
			return c, invalid(fmt.Sprintf("%s.shapes[%d]", field, i), "shape entries must be mappings")
		}

		var variant ShapeVariant

		if variant.Inputs, err = shapeList(sv["inputs"]); err != nil {
			return c, invalid(fmt.Sprintf("%s.shapes[%d].inputs", field, i), err.Error())
		}

		if variant.Outputs, err = shapeList(sv["outputs"]); err != nil {
			return c, invalid(fmt.Sprintf("%s.shapes[%d].outputs", field, i), err.Error())
		}

		c.Shapes = append(c.Shapes, variant)
	}

	if raw, ok := entry["generator"]; ok {
		g, err := parseGenerator(raw, base, p.Generator.Name, field+".generator")
		if err != nil {
			return c, err
		}

		c.Generator = &g
	}

	if raw, ok := entry["assertion"]; ok {
		a, err := parseAssertion(raw, base, p.Assertion.Name, field+".assertion")
		if err != nil {
			return c, err
		}

		c.Assertion = &a
	}

	c.Inputs = stringList(entry["inputs"])
	c.Outputs = stringList(entry["outputs"])

	if filters, ok := entry["backends"].(map[string]any); ok {
		c.Backends = BackendFilter{
			Only:  stringList(filters["only"]),
			Skip:  stringList(filters["skip"]),
			XFail: stringList(filters["xfail"]),
		}
	}

	c.Tags = stringList(entry["tags"])

	if c.Priority, err = optionalInt(entry["priority"], field+".priority"); err != nil {
		return c, err
	}

	return c, nil
}

func validateCases(p *Plan) error {
	for i := range p.Cases {
		c := &p.Cases[i]
		field := fmt.Sprintf("cases[%d] (%s)", i, c.Name)
		wantIn := len(c.EffectiveInputs(p))
		wantOut := len(c.EffectiveOutputs(p))

		if len(c.DTypes) != wantIn {
			return invalid(field, fmt.Sprintf("case %q dtypes length %d does not match inputs %d", c.Name, len(c.DTypes), wantIn))
		}

		for idx, shape := range c.Shapes {
			if len(shape.Inputs) != wantIn {
				return invalid(field, fmt.Sprintf("case %q shape index %d has %d inputs, expected %d", c.Name, idx, len(shape.Inputs), wantIn))
			}

			if len(shape.Outputs) != wantOut {
				return invalid(field, fmt.Sprintf("case %q shape index %d has %d outputs, expected %d", c.Name, idx, len(shape.Outputs), wantOut))
			}
		}

		if both := intersect(c.Backends.Only, c.Backends.Skip); len(both) > 0 {
			return invalid(field, fmt.Sprintf("case %q has backends listed in both only and skip: %v", c.Name, both))
		}

		if both := intersect(c.Backends.Skip, c.Backends.XFail); len(both) > 0 {
			return invalid(field, fmt.Sprintf("case %q has backends listed in both skip and xfail: %v", c.Name, both))
		}
	}

	return nil
}

func requireString(m map[string]any, key, field string) (string, error) {
	s, ok := m[key].(string)
	if !ok {
		return "", invalid(field, fmt.Sprintf("missing required string field '%s'", key))
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(field, fmt.Sprintf("field '%s' cannot be empty", key))
	}

	return s, nil
}

func slotList(raw any, field string) ([]string, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, invalid(field, "must be a non-empty list of strings")
	}

	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, invalid(fmt.Sprintf("%s[%d]", field, i), "entries must be non-empty strings")
		}

		out = append(out, strings.TrimSpace(s))
	}

	return out, nil
}

func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, scalarString(item))
	}

	if len(out) == 0 {
		return nil
	}

	return out
}

func shapeList(raw any) ([][]int64, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("shapes inputs/outputs must be non-empty lists")
	}

	out := make([][]int64, 0, len(items))
	for i, item := range items {
		dimsRaw, ok := item.([]any)
		if !ok || len(dimsRaw) == 0 {
			return nil, fmt.Errorf("shape %d must be a non-empty list", i)
		}

		dims := make([]int64, 0, len(dimsRaw))
		for _, d := range dimsRaw {
			n, ok := toInt(d)
			if !ok || n <= 0 {
				return nil, fmt.Errorf("shape %d has invalid dimension %v (must be a positive integer)", i, d)
			}

			dims = append(dims, n)
		}

		out = append(out, dims)
	}

	return out, nil
}

func optionalInt(raw any, field string) (*int, error) {
	if raw == nil {
		return nil, nil
	}

	n, ok := toInt(raw)
	if !ok {
		return nil, invalid(field, "must be an integer")
	}

	v := int(n)

	return &v, nil
}

func paramsOf(raw any) Params {
	m, ok := raw.(map[string]any)
	if !ok {
		return Params{}
	}

	return Params(m)
}

func resolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}

	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}

	return filepath.Clean(p)
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}

	var out []string

	seen := map[string]bool{}
	for _, s := range b {
		if set[s] && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}

	sort.Strings(out)

	return out
}
