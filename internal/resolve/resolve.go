// Package resolve expands a plan's backends x cases x shape variants into the
// ordered list of units a run executes.
package resolve

import (
	"fmt"
	"path"
	"path/filepath"
	"slices"

	"github.com/example/go-optest/internal/plan"
)

// Options are the run-time filters. Zero values mean "no filtering".
type Options struct {
	Backend string
	Chip    string
	// Cases are shell-style glob patterns matched against case names.
	Cases       []string
	Tags        []string
	SkipTags    []string
	PriorityMax *int
	// Cache overrides the plan cache policy when set. Resolution carries it
	// through unchanged.
	Cache    plan.CachePolicy
	ListOnly bool
}

// Unit is one concrete (backend, case, shape variant) combination.
type Unit struct {
	Plan        *plan.Plan
	Backend     *plan.BackendConfig
	Case        *plan.CaseConfig
	Shape       *plan.ShapeVariant
	CaseIndex   int
	ShapeIndex  int
	InputPaths  []string
	OutputPaths []string
	XFail       bool
}

// ID is the stable unit identifier "<case>@<type>:<chip>/shape<N>".
func (u Unit) ID() string {
	return fmt.Sprintf("%s@%s:%s/shape%d", u.Case.Name, u.Backend.Type, u.Backend.Chip, u.ShapeIndex)
}

// Resolve enumerates units in declaration order: backends outer, cases
// inner, shape variants innermost.
func Resolve(p *plan.Plan, opts Options) []Unit {
	var units []Unit

	for bi := range p.Backends {
		backend := &p.Backends[bi]

		if opts.Backend != "" && backend.Type != opts.Backend {
			continue
		}

		if opts.Chip != "" && backend.Chip != opts.Chip {
			continue
		}

		for ci := range p.Cases {
			c := &p.Cases[ci]
			if !selected(p, backend, c, opts) {
				continue
			}

			xfail := slices.Contains(backend.XFailCases, c.Name) || slices.Contains(c.Backends.XFail, backend.Type)
			inputs := resolvePaths(c.EffectiveInputs(p), backend.Workdir)
			outputs := resolvePaths(c.EffectiveOutputs(p), backend.Workdir)

			for si := range c.Shapes {
				units = append(units, Unit{
					Plan:        p,
					Backend:     backend,
					Case:        c,
					Shape:       &c.Shapes[si],
					CaseIndex:   ci,
					ShapeIndex:  si,
					InputPaths:  inputs,
					OutputPaths: outputs,
					XFail:       xfail,
				})
			}
		}
	}

	return units
}

func selected(p *plan.Plan, backend *plan.BackendConfig, c *plan.CaseConfig, opts Options) bool {
	if len(opts.Cases) > 0 && !matchesAny(c.Name, opts.Cases) {
		return false
	}

	if len(opts.Tags) > 0 && !c.HasTag(opts.Tags...) {
		return false
	}

	if len(opts.SkipTags) > 0 && c.HasTag(opts.SkipTags...) {
		return false
	}

	if priority := c.EffectivePriority(p); opts.PriorityMax != nil && priority != nil && *priority > *opts.PriorityMax {
		return false
	}

	if len(backend.OnlyCases) > 0 && !slices.Contains(backend.OnlyCases, c.Name) {
		return false
	}

	if slices.Contains(backend.SkipCases, c.Name) {
		return false
	}

	if len(c.Backends.Only) > 0 && !slices.Contains(c.Backends.Only, backend.Type) {
		return false
	}

	return !slices.Contains(c.Backends.Skip, backend.Type)
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}

	return false
}

func resolvePaths(names []string, workdir string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !filepath.IsAbs(name) {
			name = filepath.Join(workdir, name)
		}

		out = append(out, name)
	}

	return out
}
