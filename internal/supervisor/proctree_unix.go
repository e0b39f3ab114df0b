//go:build !windows

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// NativeProvider enumerates and signals plain POSIX processes. Descendant
// discovery walks /proc; hosts without /proc simply report no descendants
// and the escalation falls back to signaling the parent alone.
type NativeProvider struct{}

func NewNativeProvider() *NativeProvider {
	return &NativeProvider{}
}

func (p *NativeProvider) Descendants(pid int) []int {
	children := procChildren()
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
	var s syscall.Signal
	switch sig {
	case SignalInterrupt:
		s = syscall.SIGINT
	case SignalTerminate:
		s = syscall.SIGTERM
	case SignalKill:
		s = syscall.SIGKILL
	default:
		return fmt.Errorf("unknown signal %d", sig)
	}

	if err := syscall.Kill(pid, s); err != nil {
		if err == syscall.ESRCH {
			return nil // already gone
		}
		return fmt.Errorf("kill pid %d with %s: %w", pid, sig, err)
	}
	return nil
}

func (p *NativeProvider) Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// procChildren builds a ppid -> child pids map from one pass over /proc.
func procChildren() map[int][]int {
	children := make(map[int][]int)

	dirs, err := os.ReadDir("/proc")
	if err != nil {
		return children
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		pid, ok := parsePID(dir.Name())
		if !ok {
			continue
		}

		stat, err := os.ReadFile(filepath.Join("/proc", dir.Name(), "stat"))
		if err != nil {
			continue
		}

		ppid, ok := parseStatPPID(string(stat))
		if !ok {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}

	return children
}

func parsePID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	pid, err := strconv.Atoi(name)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// parseStatPPID pulls field 4 out of /proc/<pid>/stat, skipping past the
// parenthesized comm which may itself contain spaces.
func parseStatPPID(stat string) (int, bool) {
	rparen := strings.LastIndex(stat, ")")
	if rparen == -1 || rparen+2 >= len(stat) {
		return 0, false
	}
	rest := strings.Fields(stat[rparen+2:])
	if len(rest) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}
