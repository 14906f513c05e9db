// Package proc runs OS subprocesses as streaming job producers.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var ErrEmptyCommand = errors.New("proc: empty command")

// Stream identifies which pipe a Line came from.
type Stream int

const (
	Stdout Stream = iota + 1
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// Line is one chunk of subprocess output, without its trailing newline.
type Line struct {
	Stream Stream
	Text   string
}

// Result is the terminal outcome of a subprocess.
type Result struct {
	ExitCode int
	Duration time.Duration
	Lines    int
}

// Command describes a subprocess. The zero Dir means the current directory.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Shell runs cmdline through /bin/sh -c.
func Shell(cmdline string) *Command {
	return &Command{Name: "/bin/sh", Args: []string{"-c", cmdline}}
}

func (c *Command) String() string {
	if c.Name == "/bin/sh" && len(c.Args) == 2 && c.Args[0] == "-c" {
		return c.Args[1]
	}
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Stream starts the subprocess and calls emit with a Line for every line it
// writes to stdout or stderr. emit is never called concurrently.
//
// A non-zero exit is returned as an *ExitError next to the Result. Cancelling
// ctx kills the process.
func (c *Command) Stream(ctx context.Context, emit func(chunk any)) (any, error) {
	if c == nil || strings.TrimSpace(c.Name) == "" {
		return nil, ErrEmptyCommand
	}
	if emit == nil {
		emit = func(any) {}
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: start %s: %w", c, err)
	}

	var (
		mu      sync.Mutex
		lines   int
		lastErr string
		wg      sync.WaitGroup
	)
	pump := func(r io.Reader, s Stream) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			mu.Lock()
			lines++
			if s == Stderr {
				lastErr = sc.Text()
			}
			emit(Line{Stream: s, Text: sc.Text()})
			mu.Unlock()
		}
	}
	wg.Add(2)
	go pump(stdout, Stdout)
	go pump(stderr, Stderr)
	// Pipes must be drained before Wait closes them.
	wg.Wait()
	waitErr := cmd.Wait()

	res := Result{ExitCode: cmd.ProcessState.ExitCode(), Duration: time.Since(start), Lines: lines}
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			return res, &ExitError{Command: c.String(), Code: res.ExitCode, Stderr: lastErr, err: waitErr}
		}
		return res, waitErr
	}
	return res, nil
}

// ExitError reports a subprocess that ran but did not exit cleanly.
type ExitError struct {
	Command string
	Code    int
	Stderr  string // last stderr line, if any
	err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("proc: %q exited with code %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.err }
