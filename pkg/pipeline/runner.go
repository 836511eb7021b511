package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Command describes one pipeline process.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	LogPath string
}

// Argv returns the full command line.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// Process is a started pipeline process.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Kill() error
}

// Runner starts pipeline processes.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecRunner runs pipelines as OS processes with stdout and stderr merged
// into Command.LogPath.
type ExecRunner struct{}

// Start implements Runner. The process is not bound to ctx; its lifetime is
// owned by the supervisor.
func (ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Path) == "" {
		return nil, fmt.Errorf("pipeline executable is required")
	}

	logFile, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create pipeline log: %w", err)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), c.Env...)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	return &execProcess{cmd: cmd, log: logFile}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	log *os.File
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	_ = p.log.Close()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// expandArgs substitutes {job_id}, {config}, {output_dir} and {study_id}.
func expandArgs(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		out[i] = a
	}
	return out
}
