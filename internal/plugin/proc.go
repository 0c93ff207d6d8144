package plugin

import (
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// killProcessTree forcibly terminates a child and every descendant it
// spawned. The process-group kill catches the common case; walking the tree
// catches children that moved to their own group.
func killProcessTree(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := proc.Children()
	if err == nil {
		for _, child := range children {
			killProcessTree(int(child.Pid))
		}
	}
	_ = proc.Kill()
}

// pidAlive reports whether a process with this pid still exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
