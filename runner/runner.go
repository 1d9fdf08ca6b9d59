// Package runner executes generated scripts with an external interpreter.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ExecutionError describes a script that could not be started or exited non-zero.
type ExecutionError struct {
	Script   string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("run %s", e.Script)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Result is the captured outcome of one run.
type Result struct {
	Script   string        `json:"script"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Runner is what the copilot needs to execute a script file.
type Runner interface {
	Run(ctx context.Context, script string) (Result, error)
}

// Interpreter runs scripts as `<Path> <script>` in the script's directory.
type Interpreter struct {
	Path    string
	Timeout time.Duration
	Env     []string
}

func NewInterpreter(path string, timeout time.Duration) *Interpreter {
	p := strings.TrimSpace(path)
	if p == "" {
		p = "python3"
	}
	return &Interpreter{Path: p, Timeout: timeout}
}

func (i *Interpreter) Run(ctx context.Context, script string) (Result, error) {
	res := Result{Script: script}
	if _, err := os.Stat(script); err != nil {
		return res, &ExecutionError{Script: script, ExitCode: -1, Cause: err}
	}
	abs, err := filepath.Abs(script)
	if err != nil {
		return res, &ExecutionError{Script: script, ExitCode: -1, Cause: err}
	}

	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, i.Path, abs)
	cmd.Dir = filepath.Dir(abs)
	if len(i.Env) > 0 {
		cmd.Env = append(os.Environ(), i.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}

	execErr := &ExecutionError{Script: script, ExitCode: res.ExitCode, Stderr: res.Stderr}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		execErr.Cause = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		execErr.Cause = ctxErr
	}
	return res, execErr
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
