package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"github.com/example/go-optest/internal/resolve"
	"github.com/example/go-optest/internal/runner"
)

// ColorMode selects when terminal output is colored.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

func ParseColorMode(raw string) (ColorMode, error) {
	switch mode := ColorMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", ColorAuto:
		return ColorAuto, nil
	case ColorAlways, ColorNever:
		return mode, nil
	default:
		return "", fmt.Errorf("report: unknown color mode %q (want auto, always or never)", raw)
	}
}

// ColorEnabled resolves mode for w. Auto colors only terminals and honors
// NO_COLOR.
func ColorEnabled(w io.Writer, mode ColorMode) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}

	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var statusLabels = map[runner.Status]string{
	runner.StatusPassed: "PASS",
	runner.StatusFailed: "FAIL",
	runner.StatusError:  "ERROR",
	runner.StatusXFail:  "XFAIL",
	runner.StatusXPass:  "XPASS",
}

// Terminal prints one block per result and a summary line.
type Terminal struct {
	w     io.Writer
	color bool

	pass lipgloss.Style
	fail lipgloss.Style
	warn lipgloss.Style
}

func NewTerminal(w io.Writer, mode ColorMode) *Terminal {
	t := &Terminal{w: w, color: ColorEnabled(w, mode)}

	r := lipgloss.NewRenderer(w)
	if t.color {
		r.SetColorProfile(termenv.ANSI)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	t.pass = r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	t.fail = r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	t.warn = r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)

	return t
}

func (t *Terminal) style(status runner.Status) lipgloss.Style {
	switch status {
	case runner.StatusPassed:
		return t.pass
	case runner.StatusXFail, runner.StatusXPass:
		return t.warn
	default:
		return t.fail
	}
}

// Result prints one result.
func (t *Terminal) Result(r runner.Result) {
	label, ok := statusLabels[r.Status]
	if !ok {
		label = strings.ToUpper(string(r.Status))
	}

	// Pad before styling so escape codes do not break the column.
	fmt.Fprintf(t.w, "%s %s\n", t.style(r.Status).Render(fmt.Sprintf("%-11s", label)), r.ID)

	if r.Detail != "" {
		fmt.Fprintf(t.w, "    detail: %s\n", r.Detail)
	}

	if len(r.Metrics) > 0 {
		fmt.Fprintf(t.w, "    metrics: %s\n", FormatMetrics(r.Metrics))
	}
}

// Summary prints the closing line. xfail counts both expected-failure
// outcomes; failed counts everything that fails the run.
func (t *Terminal) Summary(results []runner.Result) {
	s := runner.Summarize(results)

	style := t.pass
	if !s.OK() {
		style = t.fail
	}

	fmt.Fprintf(t.w, "%s: total=%d passed=%d xfail=%d failed=%d\n",
		style.Render("Summary"), s.Total, s.Passed, s.XFail+s.XPass, s.Failures())
}

// FormatMetrics renders metrics as "k=v, ..." in key order.
func FormatMetrics(metrics map[string]any) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, metrics[k])
	}

	return strings.Join(parts, ", ")
}

// List prints one unit ID per line.
func List(w io.Writer, units []resolve.Unit) {
	for _, u := range units {
		fmt.Fprintln(w, u.ID())
	}
}
