// Package command runs the external tools the bundle pipeline drives
// (dnf, createrepo, zstd, docker).
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Result is the captured outcome of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports a zero exit status.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes external commands. A process that starts and exits with a
// non-zero status is not an error; the error return is reserved for failures
// to start and for context expiry.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner executes real system commands.
type ExecRunner struct{}

// NewExecRunner creates a runner that executes real commands.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command with stdout and stderr captured separately.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		result.ExitCode = -1
		return result, err
	}
	return result, nil
}

// NotFound reports whether err means the executable does not exist.
func NotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

// Response is a scripted reply for Fake.
type Response struct {
	// Prefix is matched against the space-joined command line.
	Prefix string
	Result Result
	Err    error
	// Effect, when set, runs with the full argument list before the reply
	// is returned, e.g. to drop files a real tool would have written.
	Effect func(args []string)
}

// Fake is a scripted Runner for tests. The first response whose Prefix
// matches the command line is returned; unmatched commands fail with
// exec.ErrNotFound.
type Fake struct {
	mu        sync.Mutex
	Responses []Response
	Calls     [][]string
}

// Run records the call and returns the first matching response.
func (f *Fake) Run(ctx context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := append([]string{name}, args...)
	f.Calls = append(f.Calls, call)

	line := strings.Join(call, " ")
	for _, resp := range f.Responses {
		if strings.HasPrefix(line, resp.Prefix) {
			if resp.Effect != nil {
				resp.Effect(call[1:])
			}
			return resp.Result, resp.Err
		}
	}
	return Result{ExitCode: -1}, fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

// CallLines returns the recorded calls as space-joined command lines.
func (f *Fake) CallLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		lines[i] = strings.Join(c, " ")
	}
	return lines
}

// Called reports whether any recorded call starts with prefix.
func (f *Fake) Called(prefix string) bool {
	for _, line := range f.CallLines() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
