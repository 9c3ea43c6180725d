package logcat

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// Process is a running log producer.
type Process interface {
	Stdout() io.Reader
	Terminate() error
	Wait() error
}

// Spawner starts the log producer with the given argv.
type Spawner interface {
	Spawn(argv []string) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(argv []string) (Process, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(argv []string) (Process, error) { return f(argv) }

// ExecSpawner runs argv with os/exec. Stderr receives the child's stderr
// when set; otherwise it is discarded.
type ExecSpawner struct {
	Stderr io.Writer
}

// Spawn starts the command.
func (s ExecSpawner) Spawn(argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = s.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", strings.Join(argv, " "), err)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Terminate() error { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// Command builds the logcat argv: base command, long headers, backlog and
// filter spec. A negative backlog omits -T and dumps the whole buffer.
func Command(base []string, backlog int, filter string) []string {
	if len(base) == 0 {
		base = []string{"logcat"}
	}
	argv := append([]string(nil), base...)
	argv = append(argv, "-v", "long")
	if backlog >= 0 {
		argv = append(argv, "-T", strconv.Itoa(backlog))
	}
	return append(argv, strings.Fields(filter)...)
}

// FilterForSeverity returns the logcat filter spec "*:<letter>".
func FilterForSeverity(letter string) string {
	return "*:" + letter
}
