//go:build !unix

package procgroup

import "os/exec"

// Only the direct child is killed; WaitDelay still bounds Wait.
func configure(*exec.Cmd) {}
