// Package doctor provides preflight checks for optest plans.
package doctor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-optest/internal/plan"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds the plans to check and injectable probes.
type Config struct {
	Plans []*plan.Plan
	// LookPath resolves bare executable names; defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	// PythonVersion returns the Python version string (e.g. "3.11.4"). It is
	// only consulted when a plan uses a .py generator or assertion.
	PythonVersion VersionFunc
	SkipPython    bool
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	lookPath := cfg.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	usesPython := false

	for _, p := range cfg.Plans {
		name := p.Path
		if name == "" {
			name = p.Operator
		}

		fmt.Fprintf(w, "plan %s (operator %s)\n", name, p.Operator)

		for i := range p.Backends {
			checkBackend(&res, w, &p.Backends[i], lookPath)
		}

		for _, src := range callableSources(p) {
			if strings.EqualFold(filepath.Ext(src), ".py") {
				usesPython = true
			}

			if _, err := os.Stat(src); err != nil {
				res.fail(fmt.Sprintf("callable source %s: %v", src, err))
				fmt.Fprintf(w, "%s callable source %s: not found\n", FailMark, src)
			} else {
				fmt.Fprintf(w, "%s callable source: %s\n", PassMark, src)
			}
		}
	}

	// ---- Python version ---------------------------------------------------
	switch {
	case !usesPython || cfg.SkipPython || cfg.PythonVersion == nil:
		fmt.Fprintf(w, "%s python version: skipped\n", PassMark)
	default:
		pyVer, err := cfg.PythonVersion()
		if err != nil {
			res.fail(fmt.Sprintf("python version: %v", err))
			fmt.Fprintf(w, "%s python version: not found (%v)\n", FailMark, err)
		} else if pyErr := checkPythonVersion(pyVer); pyErr != nil {
			res.fail(fmt.Sprintf("python version: %v", pyErr))
			fmt.Fprintf(w, "%s python version %s: %v\n", FailMark, pyVer, pyErr)
		} else {
			fmt.Fprintf(w, "%s python version: %s\n", PassMark, pyVer)
		}
	}

	return res
}

func checkBackend(res *Result, w io.Writer, b *plan.BackendConfig, lookPath func(string) (string, error)) {
	key := b.Key()

	if info, err := os.Stat(b.Workdir); err != nil || !info.IsDir() {
		res.fail(fmt.Sprintf("backend %s: workdir %s does not exist", key, b.Workdir))
		fmt.Fprintf(w, "%s backend %s workdir: %s missing\n", FailMark, key, b.Workdir)
	} else {
		fmt.Fprintf(w, "%s backend %s workdir: %s\n", PassMark, key, b.Workdir)
	}

	commands := []plan.Command{b.Command}
	commands = append(commands, b.Prepare...)
	commands = append(commands, b.Cleanup...)

	seen := map[string]bool{}

	for _, c := range commands {
		if len(c.Argv) == 0 || seen[c.Argv[0]] {
			continue
		}

		exe := c.Argv[0]
		seen[exe] = true

		// Rendered per unit; nothing to resolve yet.
		if strings.ContainsAny(exe, "{}") {
			fmt.Fprintf(w, "%s backend %s executable %s: skipped (templated)\n", PassMark, key, exe)
			continue
		}

		resolved, err := resolveExecutable(exe, b.Workdir, lookPath)
		if err != nil {
			res.fail(fmt.Sprintf("backend %s: executable %s: %v", key, exe, err))
			fmt.Fprintf(w, "%s backend %s executable %s: not found\n", FailMark, key, exe)

			continue
		}

		fmt.Fprintf(w, "%s backend %s executable: %s\n", PassMark, key, resolved)
	}
}

// resolveExecutable finds exe the way the runner will: paths relative to the
// workdir, bare names on PATH.
func resolveExecutable(exe, workdir string, lookPath func(string) (string, error)) (string, error) {
	if !strings.ContainsRune(exe, filepath.Separator) && !strings.ContainsRune(exe, '/') {
		return lookPath(exe)
	}

	path := exe
	if !filepath.IsAbs(path) {
		path = filepath.Join(workdir, path)
	}

	if _, err := os.Stat(path); err != nil {
		return "", err
	}

	return path, nil
}

// callableSources lists the distinct external generator and assertion sources
// a plan references, sorted.
func callableSources(p *plan.Plan) []string {
	set := map[string]bool{}

	add := func(src string) {
		if src != "" {
			set[src] = true
		}
	}

	add(p.Generator.Source)
	add(p.Assertion.Source)

	for _, c := range p.Cases {
		if c.Generator != nil {
			add(c.Generator.Source)
		}

		if c.Assertion != nil {
			add(c.Assertion.Source)
		}
	}

	out := make([]string, 0, len(set))
	for src := range set {
		out = append(out, src)
	}

	sort.Strings(out)

	return out
}

// checkPythonVersion returns an error if ver is older than 3.8.
// ver is expected to be a string like "3.11.4".
func checkPythonVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	if major != 3 {
		return fmt.Errorf("requires Python 3, got %d", major)
	}

	if minor < 8 {
		return fmt.Errorf("requires Python >=3.8, got 3.%d", minor)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}

	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}

	return major, minor, nil
}
