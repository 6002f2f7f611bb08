package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/example/go-optest/internal/procgroup"
)

// Invocation is one fully rendered command.
type Invocation struct {
	Argv []string
	Dir  string
	// Env is the complete environment in KEY=VALUE form.
	Env []string
}

// ExecResult carries a finished process's exit code and output.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor runs invocations. A non-zero exit is reported in ExecResult, not
// as an error; errors mean the process could not run to completion.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (ExecResult, error)
}

// OSExecutor runs invocations with os/exec.
type OSExecutor struct{}

func (OSExecutor) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	if len(inv.Argv) == 0 {
		return ExecResult{}, errors.New("runner: empty command")
	}

	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	procgroup.Configure(cmd)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	if err != nil {
		res.ExitCode = -1
		return res, err
	}

	return res, nil
}

// CommandError is a command that exited non-zero on its last attempt.
type CommandError struct {
	Argv     []string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	Attempts int
}

func (e *CommandError) Error() string {
	output := strings.TrimSpace(e.Stderr)
	if output == "" {
		output = strings.TrimSpace(e.Stdout)
	}

	return fmt.Sprintf("command '%s' failed (code %d) in %s: %s", strings.Join(e.Argv, " "), e.ExitCode, e.Dir, output)
}

// TimeoutError is a command killed after exceeding the backend timeout.
type TimeoutError struct {
	Argv    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command '%s' timed out after %s", strings.Join(e.Argv, " "), e.Timeout)
}

// commandSpec is a rendered command plus its lifecycle settings.
type commandSpec struct {
	inv     Invocation
	timeout time.Duration
	retries int
}

// runCommand executes spec up to retries+1 times and returns the number of
// attempts made. Timeouts and start failures are not retried.
func (r *Runner) runCommand(ctx context.Context, spec commandSpec) (int, error) {
	attempts := spec.retries + 1

	var last error

	for attempt := 1; attempt <= attempts; attempt++ {
		r.logger.Debug("running command", "argv", spec.inv.Argv, "dir", spec.inv.Dir, "attempt", attempt, "of", attempts)

		res, err := r.runOnce(ctx, spec)
		if err != nil {
			return attempt, err
		}

		if res.ExitCode == 0 {
			return attempt, nil
		}

		last = &CommandError{
			Argv:     spec.inv.Argv,
			Dir:      spec.inv.Dir,
			ExitCode: res.ExitCode,
			Stdout:   string(res.Stdout),
			Stderr:   string(res.Stderr),
			Attempts: attempt,
		}

		if attempt < attempts {
			r.logger.Warn("command failed, retrying", "argv", spec.inv.Argv, "code", res.ExitCode, "attempt", attempt)
		}
	}

	return attempts, last
}

func (r *Runner) runOnce(ctx context.Context, spec commandSpec) (ExecResult, error) {
	if spec.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, spec.timeout)
		defer cancel()
	}

	res, err := r.opts.Executor.Execute(ctx, spec.inv)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, &TimeoutError{Argv: spec.inv.Argv, Timeout: spec.timeout}
	}

	if err != nil {
		return res, fmt.Errorf("command '%s' could not run in %s: %w", strings.Join(spec.inv.Argv, " "), spec.inv.Dir, err)
	}

	return res, nil
}

// backendCommands renders prepare, main and cleanup for u. Every template is
// rendered before anything runs so an unknown token never leaves a
// half-executed lifecycle behind.
func backendCommands(u unitContext) (prepare []commandSpec, mainCmd commandSpec, cleanup []commandSpec, err error) {
	b := u.unit.Backend

	env, err := renderEnv(b.Env, u.tokens)
	if err != nil {
		return nil, commandSpec{}, nil, err
	}

	fullEnv := append(os.Environ(), env...)

	build := func(argv []string, retries int) (commandSpec, error) {
		rendered, err := renderArgv(argv, u.tokens)
		if err != nil {
			return commandSpec{}, err
		}

		return commandSpec{
			inv:     Invocation{Argv: rendered, Dir: b.Workdir, Env: fullEnv},
			timeout: b.Timeout,
			retries: retries,
		}, nil
	}

	for _, c := range b.Prepare {
		spec, err := build(c.Argv, 0)
		if err != nil {
			return nil, commandSpec{}, nil, err
		}

		prepare = append(prepare, spec)
	}

	if mainCmd, err = build(b.Command.Argv, b.Retries); err != nil {
		return nil, commandSpec{}, nil, err
	}

	for _, c := range b.Cleanup {
		spec, err := build(c.Argv, 0)
		if err != nil {
			return nil, commandSpec{}, nil, err
		}

		cleanup = append(cleanup, spec)
	}

	return prepare, mainCmd, cleanup, nil
}
