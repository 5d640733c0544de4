//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func configureProcessGroup(*exec.Cmd) {}

// killProcessGroup can only reach the direct child on this platform
func killProcessGroup(p *os.Process) error {
	return p.Kill()
}

func reapProcessGroup(*os.Process) error { return nil }

func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
