// Package runner executes build steps on the local host.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// waitDelay bounds how long a canceled step may keep its output open.
const waitDelay = 5 * time.Second

// StepRun is one resolved step handed to a Runner.
type StepRun struct {
	BuildID string
	Index   int
	Name    string
	Dir     string
	Script  string
	Env     []string
}

// Runner executes a step and reports the process exit code. A non-nil error
// means the step could not be run or was interrupted; a failing command is a
// non-zero exit code with a nil error.
type Runner interface {
	Run(ctx context.Context, step StepRun) (int, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, step StepRun) (int, error)

func (f Func) Run(ctx context.Context, step StepRun) (int, error) { return f(ctx, step) }

// ShellRunner passes the script to a shell verbatim and streams its output
// line by line to Logger and Output.
type ShellRunner struct {
	Shell  string
	Logger log.FieldLogger
	Output io.Writer
}

func NewShellRunner(logger log.FieldLogger) ShellRunner {
	return ShellRunner{Shell: "/bin/sh", Logger: logger}
}

func (s ShellRunner) Run(ctx context.Context, step StepRun) (int, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	logger := s.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if fi, err := os.Stat(step.Dir); err != nil {
		return -1, fmt.Errorf("step %q working dir: %w", step.Name, err)
	} else if !fi.IsDir() {
		return -1, fmt.Errorf("step %q working dir %s is not a directory", step.Name, step.Dir)
	}

	cmd := exec.CommandContext(ctx, shell, "-c", step.Script)
	cmd.Dir = step.Dir
	cmd.Env = append(os.Environ(), step.Env...)
	cmd.WaitDelay = waitDelay

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	entry := logger.WithFields(log.Fields{
		"build": step.BuildID,
		"step":  step.Name,
	})
	entry.WithField("dir", step.Dir).Info("Running step")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			entry.Info(line)
			if s.Output != nil {
				fmt.Fprintln(s.Output, line)
			}
		}
		// drain so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, pr)
	}()

	runErr := cmd.Run()
	pw.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, runErr
	}
	return 0, nil
}
