// Package testutil provides shared skip helpers and fixtures for tests that
// drive optest end to end.
//
// Skip helpers call t.Skip with a clear reason when a prerequisite is absent,
// so integration tests remain runnable in partial environments.
//
// Typical usage:
//
//	func TestPythonGenerator(t *testing.T) {
//	    testutil.RequirePython(t)
//	    path := testutil.WriteFile(t, dir, "gen.py", src)
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/example/go-optest/internal/tensor"
)

// RequirePython skips the test if no Python 3 interpreter is found in PATH or
// at the path given by OPTEST_CALLABLE_PYTHON.
func RequirePython(tb testing.TB) string {
	tb.Helper()

	candidates := []string{"python3", "python"}
	if exe := os.Getenv("OPTEST_CALLABLE_PYTHON"); exe != "" {
		candidates = []string{exe}
	}

	for _, exe := range candidates {
		if path, err := exec.LookPath(exe); err == nil {
			return path
		}
	}

	tb.Skipf("python interpreter not available (tried %v); set OPTEST_CALLABLE_PYTHON to override", candidates)

	return ""
}

// WriteFile writes content to dir/name, creating parent directories, and
// returns the full path.
func WriteFile(tb testing.TB, dir, name, content string) string {
	tb.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}

	return path
}

// AssertTensorFile checks that the raw tensor file at path decodes to want.
func AssertTensorFile(tb testing.TB, path string, dtype tensor.DType, shape []int64, want []float64) {
	tb.Helper()

	got, err := tensor.ReadFile(path, dtype, shape)
	if err != nil {
		tb.Fatalf("read tensor %s: %v", path, err)
	}

	data := got.Data()
	if len(data) != len(want) {
		tb.Fatalf("tensor %s has %d elements, want %d", path, len(data), len(want))
	}

	for i := range want {
		if data[i] != want[i] {
			tb.Fatalf("tensor %s element %d = %v, want %v", path, i, data[i], want[i])
		}
	}
}
