package callable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/go-optest/internal/procgroup"
)

// ExecLoader runs generator and assertion sources as external processes.
//
// The process receives argv [<source>, "generate"|"assert", <name>] (Python
// sources run through an embedded bootstrap under the detected interpreter),
// the JSON request on stdin, and answers with one JSON document on stdout.
type ExecLoader struct {
	// Python overrides interpreter detection for .py sources.
	Python string
	// Timeout bounds each invocation; zero means unbounded.
	Timeout time.Duration
	Logger  *slog.Logger
}

var execCommand = exec.CommandContext

func (l *ExecLoader) Generator(ref Ref) (GeneratorFunc, error) {
	if err := checkSource(ref); err != nil {
		return nil, err
	}

	return func(ctx context.Context, req GeneratorRequest) error {
		out, err := l.invoke(ctx, ref, "generate", req)
		if err != nil {
			return err
		}

		var resp struct {
			Error string `json:"error"`
		}

		if len(bytes.TrimSpace(out)) > 0 {
			if err := json.Unmarshal(out, &resp); err != nil {
				return fmt.Errorf("callable: generator %s returned invalid JSON: %w", ref, err)
			}
		}

		if resp.Error != "" {
			return fmt.Errorf("callable: generator %s: %s", ref, resp.Error)
		}

		return nil
	}, nil
}

func (l *ExecLoader) Assertion(ref Ref) (AssertionFunc, error) {
	if err := checkSource(ref); err != nil {
		return nil, err
	}

	return func(ctx context.Context, req AssertionRequest) (AssertionResult, error) {
		out, err := l.invoke(ctx, ref, "assert", req)
		if err != nil {
			return AssertionResult{}, err
		}

		res, err := ParseAssertionResponse(out)
		if err != nil {
			return AssertionResult{}, fmt.Errorf("callable: assertion %s: %w", ref, err)
		}

		return res, nil
	}, nil
}

func checkSource(ref Ref) error {
	if ref.Source == "" {
		return fmt.Errorf("%w: %s has no source", ErrNotFound, ref)
	}

	if _, err := os.Stat(ref.Source); err != nil {
		return fmt.Errorf("callable: custom source file not found: %s", ref.Source)
	}

	if strings.TrimSpace(ref.Name) == "" {
		return fmt.Errorf("callable: custom source %s requires a function name", ref.Source)
	}

	return nil
}

func (l *ExecLoader) argv(ref Ref, mode string) (string, []string) {
	if isPythonSource(ref.Source) {
		return DetectPython(ref.Source, l.Python), []string{"-c", bootstrapPy, ref.Source, mode, ref.Name}
	}

	return ref.Source, []string{mode, ref.Name}
}

func (l *ExecLoader) invoke(ctx context.Context, ref Ref, mode string, req any) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("callable: encode %s request: %w", mode, err)
	}

	if l.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	name, args := l.argv(ref, mode)

	cmd := execCommand(ctx, name, args...)
	cmd.Dir = filepath.Dir(ref.Source)
	cmd.Stdin = bytes.NewReader(payload)
	procgroup.Configure(cmd)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("invoking custom callable", "mode", mode, "source", ref.Source, "name", ref.Name, "program", name)

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("callable: %s %s timed out after %s", mode, ref, l.Timeout)
	}

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}

		return nil, fmt.Errorf("callable: %s %s failed: %w: %s", mode, ref, err, lastLines(msg, 5))
	}

	return responseDocument(stdout.Bytes()), nil
}

// responseDocument returns stdout when it is one JSON document, else its last
// non-empty line so that chatty programs can still answer.
func responseDocument(out []byte) []byte {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || json.Valid(trimmed) {
		return trimmed
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}

	return trimmed
}

// ParseAssertionResponse accepts {"ok", "detail"|"details", "metrics"} or the
// legacy two-element [ok, detail] form.
func ParseAssertionResponse(raw []byte) (AssertionResult, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return AssertionResult{}, fmt.Errorf("invalid JSON response: %w", err)
	}

	switch v := doc.(type) {
	case []any:
		if len(v) != 2 {
			return AssertionResult{}, fmt.Errorf("legacy response must have 2 elements, got %d", len(v))
		}

		ok, isBool := v[0].(bool)
		if !isBool {
			return AssertionResult{}, fmt.Errorf("legacy response ok must be boolean, got %v", v[0])
		}

		return AssertionResult{OK: ok, Detail: fmt.Sprint(v[1])}, nil
	case map[string]any:
		if msg, ok := v["error"].(string); ok && msg != "" {
			return AssertionResult{}, errors.New(msg)
		}

		ok, isBool := v["ok"].(bool)
		if !isBool {
			return AssertionResult{}, errors.New("response must contain boolean \"ok\"")
		}

		res := AssertionResult{OK: ok}

		for _, key := range []string{"detail", "details"} {
			if s, isStr := v[key].(string); isStr && s != "" {
				res.Detail = s
				break
			}
		}

		if metrics, isMap := v["metrics"].(map[string]any); isMap && len(metrics) > 0 {
			res.Metrics = metrics
		}

		return res, nil
	default:
		return AssertionResult{}, errors.New("custom assertion must return {ok, detail} or [ok, detail]")
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n")
}
