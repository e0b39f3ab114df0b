//go:build windows

package supervisor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// NativeProvider on Windows shells out to wmic for tree enumeration and
// taskkill for delivery. Windows has no interrupt signal for detached
// console processes, so SignalInterrupt degrades to a plain (non-forced)
// taskkill; deployments running the uploader under Cygwin should configure
// the cygwin provider instead to get real SIGINT semantics.
type NativeProvider struct{}

func NewNativeProvider() *NativeProvider {
	return &NativeProvider{}
}

func (p *NativeProvider) Descendants(pid int) []int {
	children := wmicChildren()
	if len(children) == 0 {
		return nil
	}

	var out []int
	queue := []int{pid}
	seen := map[int]struct{}{pid: {}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

func (p *NativeProvider) Signal(pid int, sig Signal) error {
	args := []string{"/PID", strconv.Itoa(pid)}
	if sig == SignalTerminate || sig == SignalKill {
		args = append(args, "/F")
	}

	cmd := exec.Command("taskkill", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("taskkill pid %d (%s): %w", pid, sig, err)
	}
	return nil
}

func (p *NativeProvider) Alive(pid int) bool {
	cmd := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH")
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

func wmicChildren() map[int][]int {
	cmd := exec.Command("wmic", "process", "get", "ProcessId,ParentProcessId", "/format:csv")
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	children := make(map[int][]int)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		// Node,ParentProcessId,ProcessId
		if len(fields) < 3 {
			continue
		}
		ppid, err1 := strconv.Atoi(strings.TrimSpace(fields[1]))
		pid, err2 := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err1 != nil || err2 != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}
	return children
}
