package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-optest/internal/callable"
	"github.com/example/go-optest/internal/history"
	"github.com/example/go-optest/internal/tensor"
)

// TestHelperProcess plays the backend binary for plans written by writePlan.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}

	// -- add a b out
	if len(args) != 4 {
		fmt.Fprintln(os.Stderr, "helper: want add a b out")
		os.Exit(2)
	}

	a, errA := readFlat(args[1])
	b, errB := readFlat(args[2])

	if err := errors.Join(errA, errB); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sum := a.Data()
	for i, v := range b.Data() {
		sum[i] += v
	}

	out, err := tensor.New(tensor.Float32, sum, []int64{int64(len(sum))})
	if err == nil {
		err = tensor.WriteFile(args[3], out)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(0)
}

func readFlat(path string) (*tensor.Tensor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return tensor.ReadFile(path, tensor.Float32, []int64{info.Size() / 4})
}

// writePlan writes a JSON plan whose only backend re-executes this test
// binary as an elementwise adder.
func writePlan(t *testing.T, assertion any) string {
	t.Helper()

	dir := t.TempDir()
	doc := map[string]any{
		"operator":  "add",
		"inputs":    []string{"a.bin", "b.bin"},
		"outputs":   []string{"c.bin"},
		"assertion": assertion,
		"backends": []any{map[string]any{
			"type":    "helper",
			"chip":    "cpu",
			"env":     map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
			"command": []string{os.Args[0], "-test.run=TestHelperProcess", "--", "{input0}", "{input1}", "{output0}"},
		}},
		"cases": []any{
			map[string]any{
				"name":   "small",
				"dtypes": []string{"float32", "float32"},
				"shapes": []any{map[string]any{"inputs": [][]int{{2, 3}, {2, 3}}, "outputs": [][]int{{2, 3}}}},
				"tags":   []string{"smoke"},
			},
			map[string]any{
				"name":   "wide",
				"dtypes": []string{"float32", "float32"},
				"shapes": []any{
					map[string]any{"inputs": [][]int{{8}, {8}}, "outputs": [][]int{{8}}},
					map[string]any{"inputs": [][]int{{1, 16}, {1, 16}}, "outputs": [][]int{{1, 16}}},
				},
			},
		},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "add.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	var outBuf, errBuf bytes.Buffer

	root := NewRootCmd()
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(append([]string{"--log-level=error"}, args...))

	err = root.Execute()

	return outBuf.String(), errBuf.String(), err
}

func TestRun_TerminalReport(t *testing.T) {
	planPath := writePlan(t, "elementwise_add")

	out, _, err := execute(t, "run", "--plan", planPath, "--color=never")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	for _, want := range []string{
		"small@helper:cpu/shape0",
		"wide@helper:cpu/shape1",
		"Summary: total=3 passed=3 xfail=0 failed=0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_JSONReportToFile(t *testing.T) {
	planPath := writePlan(t, "elementwise_add")
	reportPath := filepath.Join(t.TempDir(), "reports", "run.json")

	_, _, err := execute(t, "run", planPath, "--report=json", "--report-path", reportPath, "--cases", "small")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	raw, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		RunID   string `json:"run_id"`
		Summary struct {
			Total    int `json:"total"`
			Failures int `json:"failures"`
		} `json:"summary"`
		Cases []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"cases"`
	}

	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode report: %v", err)
	}

	if doc.RunID == "" || doc.Summary.Total != 1 || doc.Summary.Failures != 0 {
		t.Errorf("report header = %+v", doc)
	}

	if len(doc.Cases) != 1 || doc.Cases[0].ID != "small@helper:cpu/shape0" || doc.Cases[0].Status != "passed" {
		t.Errorf("report cases = %+v", doc.Cases)
	}
}

func TestRun_FailureExitsWithError(t *testing.T) {
	planPath := writePlan(t, "elementwise_mul")

	out, _, err := execute(t, "run", planPath, "--color=never", "--tags", "smoke")
	if err == nil || !strings.Contains(err.Error(), "1 of 1 units failed") {
		t.Fatalf("err = %v\n%s", err, out)
	}

	if !strings.Contains(out, "FAIL") {
		t.Errorf("output missing FAIL line:\n%s", out)
	}
}

func TestRun_RegisteredAssertionBeforeExternalSource(t *testing.T) {
	planPath := writePlan(t, map[string]any{"name": "check", "source": "inline.py"})

	orig := callables
	callables = callable.NewRegistry()

	t.Cleanup(func() { callables = orig })

	calls := 0
	ref := callable.Ref{Source: filepath.Join(filepath.Dir(planPath), "inline.py"), Name: "check"}
	callables.RegisterAssertion(ref, func(_ context.Context, req callable.AssertionRequest) (callable.AssertionResult, error) {
		calls++
		return callable.AssertionResult{OK: len(req.OutputPaths) == 1, Detail: "registered"}, nil
	})

	out, _, err := execute(t, "run", planPath, "--color=never")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	if calls != 3 {
		t.Errorf("registered assertion called %d times; want 3", calls)
	}
}

func TestRun_NoMatchingCases(t *testing.T) {
	planPath := writePlan(t, "elementwise_add")

	_, stderr, err := execute(t, "run", planPath, "--cases", "nothing*")
	if !errors.Is(err, errNoUnits) {
		t.Fatalf("err = %v; want errNoUnits", err)
	}

	if !strings.Contains(stderr, noMatchMessage) {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRun_RequiresPlan(t *testing.T) {
	if _, _, err := execute(t, "run"); err == nil {
		t.Fatal("expected an error without a plan")
	}
}

func TestRun_ListOnly(t *testing.T) {
	planPath := writePlan(t, "elementwise_add")

	out, _, err := execute(t, "run", planPath, "--list", "--skip-tags", "smoke")
	if err != nil {
		t.Fatal(err)
	}

	got := strings.Fields(out)
	want := []string{"wide@helper:cpu/shape0", "wide@helper:cpu/shape1"}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listed units mismatch (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(planPath), "a.bin")); !os.IsNotExist(err) {
		t.Errorf("--list must not materialize inputs (stat err = %v)", err)
	}
}

func TestList(t *testing.T) {
	planPath := writePlan(t, "elementwise_add")

	out, _, err := execute(t, "list", "--plan", planPath, "--backend", "helper")
	if err != nil {
		t.Fatal(err)
	}

	if n := len(strings.Fields(out)); n != 3 {
		t.Errorf("listed %d units; want 3:\n%s", n, out)
	}

	if _, _, err := execute(t, "list", planPath, "--chip", "npu"); !errors.Is(err, errNoUnits) {
		t.Errorf("err = %v; want errNoUnits", err)
	}
}

func TestValidate(t *testing.T) {
	good := writePlan(t, "elementwise_add")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("operator: add\nbackends: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(t, "validate", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if !strings.Contains(out, "operator add, 1 backends, 2 cases, 3 units") {
		t.Errorf("validate output = %q", out)
	}

	out, _, err = execute(t, "validate", good, bad)
	if err == nil || !strings.Contains(err.Error(), "1 of 2 plans invalid") {
		t.Fatalf("err = %v", err)
	}

	if !strings.Contains(out, "FAIL "+bad) {
		t.Errorf("validate output = %q", out)
	}
}

func TestCatalog(t *testing.T) {
	out, _, err := execute(t, "catalog")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"OPERATOR", "elementwise_add", "matmul", "generators:", "random"} {
		if !strings.Contains(out, want) {
			t.Errorf("catalog output missing %q", want)
		}
	}
}

func TestDoctor(t *testing.T) {
	planPath := writePlan(t, "elementwise_add")

	out, _, err := execute(t, "doctor", planPath)
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}

	if !strings.Contains(out, "doctor checks passed") {
		t.Errorf("doctor output = %q", out)
	}
}

func TestHistory(t *testing.T) {
	planPath := writePlan(t, "elementwise_add")
	dbPath := filepath.Join(t.TempDir(), "history.sqlite")

	if _, _, err := execute(t, "history"); err == nil {
		t.Fatal("history without a path should fail")
	}

	if _, _, err := execute(t, "run", planPath, "--color=never", "--history-path", dbPath); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, _, err := execute(t, "history", "--history-path", dbPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	if !strings.Contains(out, "RUN") || !strings.Contains(out, planPath) {
		t.Errorf("history output = %q", out)
	}

	store, err := history.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	runs, err := store.Recent(t.Context(), 1)
	_ = store.Close()

	if err != nil || len(runs) != 1 {
		t.Fatalf("Recent = %v, %v", runs, err)
	}

	out, _, err = execute(t, "history", runs[0].ID, "--history-path", dbPath)
	if err != nil {
		t.Fatalf("history %s: %v", runs[0].ID, err)
	}

	if got := strings.Count(out, "passed"); got != 3 {
		t.Errorf("history detail shows %d passed units; want 3:\n%s", got, out)
	}
}
