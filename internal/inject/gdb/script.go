//go:build linux

package gdb

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/probe"
)

// markers printed by the scripts, to tell their results apart from the gdb messages
const (
	handleMarker = "endoscope-handle "
	entryMarker  = "endoscope-entry-done"
	pidMarker    = "endoscope-pid "
)

const preamble = `set confirm off
set pagination off
set width 0
`

// loadCommands call dlopen(path, RTLD_NOW) and, if it succeeds, the entry symbol.
// The casts allow calling into libraries without debug information.
func loadCommands(artifact probe.Artifact) string {
	return fmt.Sprintf(`printf "%[1]s%%d\n", ((int(*)(void)) getpid)()
set $endoscope_handle = ((void *(*)(const char *, int)) dlopen)(%[2]s, 2)
printf "%[3]s%%lu\n", (unsigned long) $endoscope_handle
if $endoscope_handle != 0
  call ((void (*)(void)) %[4]s)()
  printf "%[5]s\n"
end
`, pidMarker, strconv.Quote(artifact.Path), handleMarker, artifact.EntrySymbol, entryMarker)
}

func attachScript(artifact probe.Artifact) string {
	return preamble + loadCommands(artifact) + "detach\nquit\n"
}

// launchScript runs the program until main, once the dynamic loader is ready. The program
// stdio is redirected to the one of the process with the given pid.
func launchScript(target inject.ByLaunchSpec, artifact probe.Artifact, pid int) string {
	sb := strings.Builder{}
	sb.WriteString(preamble)
	sb.WriteString("set breakpoint pending on\nset startup-with-shell on\n")
	fmt.Fprintf(&sb, "file %s\n", target.Executable)
	sb.WriteString("break main\nrun")
	for _, arg := range target.Args {
		sb.WriteString(" " + shellQuote(arg))
	}
	fmt.Fprintf(&sb, " </proc/%[1]d/fd/0 >/proc/%[1]d/fd/1 2>/proc/%[1]d/fd/2\n", pid)
	sb.WriteString(loadCommands(artifact))
	sb.WriteString("delete\ndetach\nquit\n")
	return sb.String()
}

func shellQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

type result struct {
	pid       int
	handle    uint64
	hasHandle bool
	entryDone bool
	// lastError is the last gdb message before the script got stopped
	lastError string
	messages  []string
}

func parseOutput(out string) result {
	res := result{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, pidMarker):
			res.pid, _ = strconv.Atoi(strings.TrimPrefix(line, pidMarker))
		case strings.HasPrefix(line, handleMarker):
			if h, err := strconv.ParseUint(strings.TrimPrefix(line, handleMarker), 10, 64); err == nil {
				res.handle, res.hasHandle = h, true
			}
		case line == entryMarker:
			res.entryDone = true
		case line != "":
			res.lastError = line
			res.messages = append(res.messages, line)
		}
	}
	return res
}

var unavailableMessages = []string{
	"ptrace: Operation not permitted",
	"ptrace: No such process",
	"No such file or directory",
}

func (r result) err() error {
	switch {
	case r.hasHandle && r.handle == 0:
		return fmt.Errorf("%w: dlopen returned NULL", inject.ErrTargetDidNotLoadProbe)
	case r.hasHandle && !r.entryDone:
		return fmt.Errorf("%w: calling the entry symbol: %s", inject.ErrTargetDidNotLoadProbe, r.lastError)
	case r.hasHandle:
		return nil
	}
	for _, line := range r.messages {
		for _, msg := range unavailableMessages {
			if strings.Contains(line, msg) {
				return fmt.Errorf("%w: %s", inject.ErrTargetProcessUnavailable, line)
			}
		}
	}
	if strings.Contains(r.lastError, "The program is not being run") {
		return fmt.Errorf("%w: the process finished before the probe could be loaded", inject.ErrTargetDidNotLoadProbe)
	}
	if r.lastError == "" {
		r.lastError = "no output"
	}
	return fmt.Errorf("%w: gdb: %s", inject.ErrInjectionMechanismFailed, r.lastError)
}
