package callable

import (
	"bufio"
	_ "embed"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// bootstrapPy loads a Python source file, calls the named function with the
// JSON request as keyword arguments and prints the JSON response.
//
//go:embed bootstrap.py
var bootstrapPy string

// DetectPython picks the interpreter for a Python source: the configured one,
// else the source's own shebang interpreter when it exists, else python3 or
// python from PATH.
func DetectPython(source, configured string) string {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured
	}

	if interp := shebangInterpreter(source); interp != "" {
		return interp
	}

	if _, err := exec.LookPath("python3"); err == nil {
		return "python3"
	}

	if _, err := exec.LookPath("python"); err == nil {
		return "python"
	}

	return "python3"
}

func shebangInterpreter(source string) string {
	fh, err := os.Open(source)
	if err != nil {
		return ""
	}
	defer fh.Close()

	s := bufio.NewScanner(fh)
	if !s.Scan() {
		return ""
	}

	line := strings.TrimSpace(s.Text())
	if !strings.HasPrefix(line, "#!") {
		return ""
	}

	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return ""
	}

	// "#!/usr/bin/env python3" names the interpreter in the second field.
	if filepath.Base(fields[0]) == "env" && len(fields) > 1 {
		if p, err := exec.LookPath(fields[1]); err == nil {
			return p
		}

		return ""
	}

	if _, err := os.Stat(fields[0]); err != nil {
		return ""
	}

	return fields[0]
}

func isPythonSource(source string) bool {
	return strings.EqualFold(filepath.Ext(source), ".py")
}
