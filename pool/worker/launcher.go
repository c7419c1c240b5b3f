package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// PortPlaceholder is replaced with the allocated port in command arguments.
const PortPlaceholder = "{port}"

// ExecLauncher runs the worker as a child process.
type ExecLauncher struct {
	// Command is the argv template, e.g. ["npx", "@playwright/mcp@latest", "--port", "{port}"].
	Command []string
	// IsolationFlag is appended so workers never share browser state.
	IsolationFlag string
	// Env holds extra KEY=VALUE pairs added to the inherited environment.
	Env []string
	Dir string
}

// Args expands the command template for port.
func (l *ExecLauncher) Args(port int) []string {
	args := make([]string, 0, len(l.Command)+1)
	hasPort := false
	for _, arg := range l.Command {
		if strings.Contains(arg, PortPlaceholder) {
			hasPort = true
		}
		args = append(args, strings.ReplaceAll(arg, PortPlaceholder, strconv.Itoa(port)))
	}
	if !hasPort {
		args = append(args, "--port", strconv.Itoa(port))
	}
	if l.IsolationFlag != "" {
		args = append(args, l.IsolationFlag)
	}
	return args
}

// Launch starts the process in its own process group so Kill also reaches
// anything it forks (npx spawns node underneath).
func (l *ExecLauncher) Launch(port int, emit func(Event)) (Process, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("empty worker command")
	}

	args := l.Args(port)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	streams := make(chan struct{}, 2)
	go pumpLines(stdout, "stdout", port, emit, streams)
	go pumpLines(stderr, "stderr", port, emit, streams)

	go func() {
		// Wait closes the pipes, so drain them first.
		<-streams
		<-streams
		err := cmd.Wait()
		emit(Event{Type: EventExited, Port: port, Err: err, At: time.Now()})
	}()

	return &execProcess{cmd: cmd}, nil
}

func pumpLines(r io.Reader, stream string, port int, emit func(Event), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(Event{Type: EventOutput, Port: port, Stream: stream, Line: scanner.Text(), At: time.Now()})
	}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill sends SIGKILL to the whole process group.
func (p *execProcess) Kill() error {
	pid := p.Pid()
	if pid == 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
