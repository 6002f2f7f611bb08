package procgroup

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func requireShell(t *testing.T) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix-only")
	}

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	return sh
}

func TestConfigureKillsGrandchildren(t *testing.T) {
	sh := requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(ctx, sh, "-c", "sleep 4; echo done")

	var out byteCounter
	cmd.Stdout = &out

	Configure(cmd)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Run() = nil; want an error after the deadline")
	}

	if elapsed > 2*time.Second {
		t.Fatalf("Run() returned after %s; want well under the 4s sleep", elapsed)
	}

	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatalf("ctx.Err() = %v", ctx.Err())
	}

	if out.n != 0 {
		t.Errorf("grandchild kept running and wrote %d bytes", out.n)
	}
}

func TestConfigureLeavesSuccessfulCommandsAlone(t *testing.T) {
	sh := requireShell(t)

	cmd := exec.CommandContext(context.Background(), sh, "-c", "echo ok")
	Configure(cmd)

	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}

	if string(out) != "ok\n" {
		t.Errorf("Output() = %q; want %q", out, "ok\n")
	}

	if cmd.WaitDelay != WaitDelay {
		t.Errorf("WaitDelay = %v; want %v", cmd.WaitDelay, WaitDelay)
	}
}

type byteCounter struct{ n int }

func (b *byteCounter) Write(p []byte) (int, error) {
	b.n += len(p)
	return len(p), nil
}
