package callable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRegistryAndChain(t *testing.T) {
	ref := Ref{Source: "mem", Name: "gen"}

	first := NewRegistry()
	second := NewRegistry()

	called := ""
	second.RegisterGenerator(ref, func(context.Context, GeneratorRequest) error {
		called = "second"
		return nil
	})
	second.RegisterAssertion(ref, func(context.Context, AssertionRequest) (AssertionResult, error) {
		return AssertionResult{OK: true, Detail: "fine"}, nil
	})

	if _, err := first.Generator(ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty registry error = %v, want ErrNotFound", err)
	}

	loader := Chain(first, second)

	gen, err := loader.Generator(ref)
	if err != nil {
		t.Fatalf("Generator: %v", err)
	}

	if err := gen(context.Background(), GeneratorRequest{}); err != nil {
		t.Fatalf("gen: %v", err)
	}

	if called != "second" {
		t.Fatalf("called = %q", called)
	}

	assert, err := loader.Assertion(ref)
	if err != nil {
		t.Fatalf("Assertion: %v", err)
	}

	res, err := assert(context.Background(), AssertionRequest{})
	if err != nil || !res.OK || res.Detail != "fine" {
		t.Fatalf("assert = %+v, %v", res, err)
	}

	_, err = loader.Assertion(Ref{Source: "mem", Name: "other"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown ref error = %v", err)
	}

	if !strings.Contains(err.Error(), "mem:gen") {
		t.Fatalf("error should list registered refs: %v", err)
	}
}

type failingLoader struct{}

func (failingLoader) Generator(Ref) (GeneratorFunc, error) { return nil, errors.New("boom") }
func (failingLoader) Assertion(Ref) (AssertionFunc, error) { return nil, errors.New("boom") }

func TestChainStopsOnHardError(t *testing.T) {
	reg := NewRegistry()
	ref := Ref{Source: "mem", Name: "gen"}
	reg.RegisterGenerator(ref, func(context.Context, GeneratorRequest) error { return nil })

	_, err := Chain(failingLoader{}, reg).Generator(ref)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestParseAssertionResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    AssertionResult
		wantErr string
	}{
		{
			name: "object",
			raw:  `{"ok": true, "detail": "close", "metrics": {"max_abs": 0.5}}`,
			want: AssertionResult{OK: true, Detail: "close", Metrics: map[string]any{"max_abs": json.Number("0.5")}},
		},
		{
			name: "details key",
			raw:  `{"ok": false, "details": "off by one"}`,
			want: AssertionResult{Detail: "off by one"},
		},
		{
			name: "legacy pair",
			raw:  `[false, "mismatch"]`,
			want: AssertionResult{Detail: "mismatch"},
		},
		{name: "error key", raw: `{"error": "ValueError: nope"}`, wantErr: "ValueError: nope"},
		{name: "missing ok", raw: `{"detail": "x"}`, wantErr: `boolean "ok"`},
		{name: "legacy arity", raw: `[true]`, wantErr: "2 elements"},
		{name: "legacy ok type", raw: `["yes", "x"]`, wantErr: "must be boolean"},
		{name: "scalar", raw: `42`, wantErr: "must return"},
		{name: "garbage", raw: `not json`, wantErr: "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAssertionResponse([]byte(tt.raw))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseAssertionResponse: %v", err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResponseDocument(t *testing.T) {
	got := responseDocument([]byte("warming up\n{\"ok\": true}\n\n"))
	if string(got) != `{"ok": true}` {
		t.Fatalf("responseDocument = %q", got)
	}

	got = responseDocument([]byte("  {\n \"ok\": false\n}\n"))
	if !json.Valid(got) {
		t.Fatalf("multi-line document should be kept whole: %q", got)
	}
}

func TestShebangInterpreter(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}

		return p
	}

	absInterp := write("interp", "")
	abs := write("abs.py", "#!"+absInterp+" -u\nprint(1)\n")
	missing := write("missing.py", "#!/definitely/not/here/python\n")
	plain := write("plain.py", "def f(): pass\n")

	if got := shebangInterpreter(abs); got != absInterp {
		t.Fatalf("abs shebang = %q, want %q", got, absInterp)
	}

	if got := shebangInterpreter(missing); got != "" {
		t.Fatalf("missing interpreter = %q, want empty", got)
	}

	if got := shebangInterpreter(plain); got != "" {
		t.Fatalf("no shebang = %q, want empty", got)
	}

	if got := DetectPython(abs, " /opt/py/bin/python "); got != "/opt/py/bin/python" {
		t.Fatalf("configured interpreter = %q", got)
	}

	if got := DetectPython(abs, ""); got != absInterp {
		t.Fatalf("DetectPython = %q, want shebang interpreter", got)
	}
}

func TestExecLoaderMissingSource(t *testing.T) {
	l := &ExecLoader{}
	source := filepath.Join(t.TempDir(), "nope.py")

	_, err := l.Generator(Ref{Source: source, Name: "gen"})
	if err == nil || err.Error() != "callable: custom source file not found: "+source {
		t.Fatalf("err = %v", err)
	}

	_, err = l.Assertion(Ref{Name: "check"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("sourceless ref error = %v, want ErrNotFound", err)
	}
}

// fakeExec re-runs the test binary as TestHelperProcess with the real argv
// after "--".
func fakeExec(t *testing.T) {
	t.Helper()

	orig := execCommand
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

		return cmd
	}

	t.Cleanup(func() { execCommand = orig })
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}

	args = args[1:]

	// Python sources arrive as [interpreter, -c, bootstrap, source, mode, name].
	if len(args) == 6 && args[1] == "-c" {
		args = args[3:]
	}

	source, mode, name := args[0], args[1], args[2]

	raw, _ := io.ReadAll(os.Stdin)

	var req map[string]any
	_ = json.Unmarshal(raw, &req)

	switch {
	case mode == "generate" && name == "fill":
		for _, p := range req["input_paths"].([]any) {
			_ = os.WriteFile(p.(string), []byte(source), 0o644)
		}

		fmt.Println("{}")
	case mode == "generate" && name == "refuse":
		fmt.Println(`{"error": "RuntimeError: refused"}`)
	case mode == "assert" && name == "chatty":
		fmt.Println("checking outputs")
		fmt.Printf(`{"ok": true, "detail": "metric=%v", "metrics": {"n": 1}}`+"\n", req["metric"])
	case mode == "assert" && name == "legacy":
		fmt.Println(`[false, "legacy says no"]`)
	case name == "crash":
		fmt.Fprintln(os.Stderr, "Traceback: crash")
		os.Exit(3)
	case name == "hang":
		time.Sleep(10 * time.Second)
	}

	os.Exit(0)
}

func writeSource(t *testing.T, name string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("# custom\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	return p
}

func TestExecLoaderGenerator(t *testing.T) {
	fakeExec(t)

	source := writeSource(t, "gen.py")
	out := filepath.Join(t.TempDir(), "in0.bin")
	l := &ExecLoader{Python: "python3"}

	gen, err := l.Generator(Ref{Source: source, Name: "fill"})
	if err != nil {
		t.Fatalf("Generator: %v", err)
	}

	if err := gen(context.Background(), GeneratorRequest{InputPaths: []string{out}}); err != nil {
		t.Fatalf("gen: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil || string(data) != source {
		t.Fatalf("generated file = %q, %v", data, err)
	}

	refuse, err := l.Generator(Ref{Source: source, Name: "refuse"})
	if err != nil {
		t.Fatal(err)
	}

	err = refuse(context.Background(), GeneratorRequest{})
	if err == nil || !strings.Contains(err.Error(), "RuntimeError: refused") {
		t.Fatalf("refuse err = %v", err)
	}
}

func TestExecLoaderAssertion(t *testing.T) {
	fakeExec(t)

	source := writeSource(t, "check")
	l := &ExecLoader{}

	chatty, err := l.Assertion(Ref{Source: source, Name: "chatty"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := chatty(context.Background(), AssertionRequest{Metric: "max_rel"})
	if err != nil {
		t.Fatalf("chatty: %v", err)
	}

	if !res.OK || res.Detail != "metric=max_rel" || res.Metrics["n"] != json.Number("1") {
		t.Fatalf("chatty result = %+v", res)
	}

	legacy, err := l.Assertion(Ref{Source: source, Name: "legacy"})
	if err != nil {
		t.Fatal(err)
	}

	res, err = legacy(context.Background(), AssertionRequest{})
	if err != nil || res.OK || res.Detail != "legacy says no" {
		t.Fatalf("legacy result = %+v, %v", res, err)
	}

	crash, err := l.Assertion(Ref{Source: source, Name: "crash"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = crash(context.Background(), AssertionRequest{})
	if err == nil || !strings.Contains(err.Error(), "Traceback: crash") {
		t.Fatalf("crash err = %v", err)
	}
}

func TestExecLoaderTimeout(t *testing.T) {
	fakeExec(t)

	source := writeSource(t, "slow")
	l := &ExecLoader{Timeout: 200 * time.Millisecond}

	hang, err := l.Assertion(Ref{Source: source, Name: "hang"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = hang(context.Background(), AssertionRequest{})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("hang err = %v", err)
	}
}

func TestExecLoaderTimeoutKillsScriptChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	source := filepath.Join(t.TempDir(), "slow.sh")
	if err := os.WriteFile(source, []byte("#!/bin/sh\nsleep 4; echo '{\"ok\": true}'\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := &ExecLoader{Timeout: 200 * time.Millisecond}

	check, err := l.Assertion(Ref{Source: source, Name: "check"})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = check(context.Background(), AssertionRequest{})

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("assertion returned after %s; want the 200ms timeout to end it", elapsed)
	}

	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v; want timeout", err)
	}
}
