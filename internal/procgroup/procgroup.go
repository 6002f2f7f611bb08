// Package procgroup makes context cancellation of an exec.Cmd reach every
// process the command started, not only the direct child.
package procgroup

import (
	"os/exec"
	"time"
)

// WaitDelay bounds how long Wait keeps reading output pipes after the
// process group was killed.
const WaitDelay = 500 * time.Millisecond

// Configure places cmd in its own process group, kills the whole group when
// the command's context is done and sets WaitDelay. Call before Start.
func Configure(cmd *exec.Cmd) {
	configure(cmd)
	cmd.WaitDelay = WaitDelay
}
