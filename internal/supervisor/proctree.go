package supervisor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Signal names the three escalation levels the supervisor uses. Providers
// translate them into whatever delivery mechanism reaches the target.
type Signal int

const (
	// SignalInterrupt asks for a graceful stop, as if the user pressed the
	// interrupt key.
	SignalInterrupt Signal = iota
	// SignalTerminate is the stronger follow-up sent to a whole tree.
	SignalTerminate
	// SignalKill is unconditional.
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	default:
		return "unknown"
	}
}

// TreeProvider abstracts process-tree enumeration and signal delivery so the
// escalation logic stays platform-agnostic. Pids passed in and returned are
// always host-visible pids (the ones os/exec reports); a provider bridging a
// compatibility layer remaps internally before signaling.
type TreeProvider interface {
	// Descendants returns every live descendant of pid, not including pid.
	Descendants(pid int) []int
	// Signal delivers sig to pid.
	Signal(pid int, sig Signal) error
	// Alive reports whether pid still exists.
	Alive(pid int) bool
}

// CygwinProvider signals processes running inside a Cygwin layer on a
// Windows host. os/exec sees Windows pids while Cygwin's kill wants Cygwin
// pids, so every operation goes through the WINPID column of Cygwin's ps to
// remap before acting.
type CygwinProvider struct {
	PSPath   string
	KillPath string
}

func NewCygwinProvider() *CygwinProvider {
	return &CygwinProvider{PSPath: "ps", KillPath: "kill"}
}

type cygwinEntry struct {
	pid    int
	ppid   int
	winPID int
}

func (p *CygwinProvider) snapshot() []cygwinEntry {
	out, err := exec.Command(p.PSPath, "-ef").Output()
	if err != nil {
		return nil
	}
	return parseCygwinPS(string(out))
}

// parseCygwinPS reads Cygwin ps output. Columns: PID PPID PGID WINPID TTY
// UID STIME COMMAND; a status flag may prefix the PID field.
func parseCygwinPS(out string) []cygwinEntry {
	var entries []cygwinEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if fields[0] == "PID" || (len(fields) > 1 && fields[1] == "PID") {
			continue
		}
		// Drop the leading status flag (I/O/S) when present.
		if len(fields[0]) == 1 && fields[0][0] >= 'A' && fields[0][0] <= 'Z' {
			fields = fields[1:]
			if len(fields) < 4 {
				continue
			}
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		winPID, err3 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		entries = append(entries, cygwinEntry{pid: pid, ppid: ppid, winPID: winPID})
	}
	return entries
}

func (p *CygwinProvider) Descendants(pid int) []int {
	entries := p.snapshot()
	if len(entries) == 0 {
		return nil
	}

	winByCyg := make(map[int]int, len(entries))
	children := make(map[int][]int, len(entries))
	rootCyg := 0
	for _, e := range entries {
		winByCyg[e.pid] = e.winPID
		children[e.ppid] = append(children[e.ppid], e.pid)
		if e.winPID == pid {
			rootCyg = e.pid
		}
	}
	if rootCyg == 0 {
		return nil
	}

	var out []int
	queue := []int{rootCyg}
	seen := map[int]struct{}{rootCyg: {}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, winByCyg[child])
			queue = append(queue, child)
		}
	}
	return out
}

func (p *CygwinProvider) Signal(pid int, sig Signal) error {
	cyg := p.toCygwinPID(pid)
	if cyg == 0 {
		return fmt.Errorf("no cygwin pid for host pid %d", pid)
	}

	var name string
	switch sig {
	case SignalInterrupt:
		name = "-INT"
	case SignalTerminate:
		name = "-TERM"
	case SignalKill:
		name = "-KILL"
	default:
		return fmt.Errorf("unknown signal %d", sig)
	}

	if err := exec.Command(p.KillPath, name, strconv.Itoa(cyg)).Run(); err != nil {
		return fmt.Errorf("cygwin kill %s %d: %w", name, cyg, err)
	}
	return nil
}

func (p *CygwinProvider) Alive(pid int) bool {
	return p.toCygwinPID(pid) != 0
}

func (p *CygwinProvider) toCygwinPID(hostPID int) int {
	for _, e := range p.snapshot() {
		if e.winPID == hostPID {
			return e.pid
		}
	}
	return 0
}
