//go:build windows

package ytdlp

import (
	"fmt"
	"os/exec"
	"strconv"
)

func configureSysProcAttr(cmd *exec.Cmd) {}

// killTree uses taskkill /T: Windows has no signal propagation to a process
// tree, and the extractor's merge helpers must not be left running.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		return fmt.Errorf("taskkill pid %d: %w", cmd.Process.Pid, err)
	}
	return nil
}
