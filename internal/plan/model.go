// Package plan holds the validated plan model and the loader that builds it
// from YAML, JSON or TOML documents.
//
// A Plan is read-only after Load/Parse returns; every invariant described on
// the types below is enforced by the loader.
package plan

import (
	"strings"
	"time"
)

const (
	DefaultGenerator = "builtin.random"
	DefaultAssertion = "builtin.identity"
)

// CachePolicy decides whether existing input files are reused.
type CachePolicy string

const (
	CacheReuse CachePolicy = "reuse"
	CacheRegen CachePolicy = "regen"
)

// ParseCachePolicy accepts "reuse", "regen" or "" (no override).
func ParseCachePolicy(raw string) (CachePolicy, bool) {
	switch CachePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case CacheReuse:
		return CacheReuse, true
	case CacheRegen:
		return CacheRegen, true
	case "":
		return "", true
	default:
		return "", false
	}
}

type Plan struct {
	Operator    string
	Description string
	Inputs      []string
	Outputs     []string
	Generator   GeneratorConfig
	Assertion   AssertionConfig
	Backends    []BackendConfig
	Cases       []CaseConfig
	Cache       CachePolicy
	Tags        []string
	Priority    *int
	// BaseDir is the absolute directory relative paths were resolved against.
	BaseDir string
	// Path is the absolute plan file path, empty for in-memory documents.
	Path string
}

// GeneratorConfig names an input generation strategy.
type GeneratorConfig struct {
	Name string
	// Source is an absolute path to an external generator, or empty.
	Source    string
	Seed      *int64
	Params    Params
	PerInput  map[int]GeneratorConfig
	Constants Params
}

func (g GeneratorConfig) External() bool { return g.Source != "" }

// ForInput returns the per-input override for slot index, or g itself.
func (g GeneratorConfig) ForInput(index int) GeneratorConfig {
	if cfg, ok := g.PerInput[index]; ok {
		return cfg
	}

	return g
}

// AssertionConfig names the strategy that judges a unit's outputs.
type AssertionConfig struct {
	Name         string
	Source       string
	RTol         *float64
	ATol         *float64
	Metric       string
	OutputDTypes []string
	Params       Params
}

func (a AssertionConfig) External() bool { return a.Source != "" }

// Command is a canonical argument vector. Argv[0] is the executable.
type Command struct {
	Argv []string
}

func (c Command) String() string { return strings.Join(c.Argv, " ") }

type BackendConfig struct {
	Type    string
	Chip    string
	Workdir string
	Env     map[string]string
	// Timeout bounds each command invocation; zero means unbounded.
	Timeout    time.Duration
	Retries    int
	Prepare    []Command
	Cleanup    []Command
	Command    Command
	OnlyCases  []string
	SkipCases  []string
	XFailCases []string
}

// Key identifies a backend as "type:chip".
func (b BackendConfig) Key() string { return b.Type + ":" + b.Chip }

// ShapeVariant is one concrete set of shapes, one per input and output slot.
type ShapeVariant struct {
	Inputs  [][]int64
	Outputs [][]int64
}

// BackendFilter lists backend types a case is restricted to, skipped on or
// expected to fail on.
type BackendFilter struct {
	Only  []string
	Skip  []string
	XFail []string
}

type CaseConfig struct {
	Name      string
	DTypes    []string
	Shapes    []ShapeVariant
	Generator *GeneratorConfig
	Assertion *AssertionConfig
	// Inputs and Outputs override the plan slots when non-nil.
	Inputs   []string
	Outputs  []string
	Backends BackendFilter
	Tags     []string
	Priority *int
}

func (c *CaseConfig) EffectiveInputs(p *Plan) []string {
	if len(c.Inputs) > 0 {
		return c.Inputs
	}

	return p.Inputs
}

func (c *CaseConfig) EffectiveOutputs(p *Plan) []string {
	if len(c.Outputs) > 0 {
		return c.Outputs
	}

	return p.Outputs
}

func (c *CaseConfig) EffectiveGenerator(p *Plan) GeneratorConfig {
	if c.Generator != nil {
		return *c.Generator
	}

	return p.Generator
}

func (c *CaseConfig) EffectiveAssertion(p *Plan) AssertionConfig {
	if c.Assertion != nil {
		return *c.Assertion
	}

	return p.Assertion
}

// EffectivePriority is the case priority, else the plan priority, else nil.
func (c *CaseConfig) EffectivePriority(p *Plan) *int {
	if c.Priority != nil {
		return c.Priority
	}

	return p.Priority
}

// HasTag reports whether any of tags is set on the case.
func (c *CaseConfig) HasTag(tags ...string) bool {
	for _, want := range tags {
		for _, tag := range c.Tags {
			if tag == want {
				return true
			}
		}
	}

	return false
}
