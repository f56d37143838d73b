// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package runner provides the command execution abstraction used for every
// external tool (make, eselect, emerge, efibootmgr, mount, git, ...).
//
// The package level functions are variables, so tests can replace them with
// a MockRunner and never spawn real processes.
package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// ErrCommand is matched by every error returned for a command that could not
// be started or exited with a non-zero status.
var ErrCommand = errors.New("command failed")

// CommandError describes a failed command invocation.
type CommandError struct {
	Name   string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if line := firstLine(e.Stderr); line != "" {
		// most tools already prefix their messages with their name
		if strings.HasPrefix(line, e.Name+":") {
			return line
		}
		return fmt.Sprintf("%s: %s", e.Name, line)
	}
	return fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
}

// Is makes errors.Is(err, ErrCommand) succeed.
func (e *CommandError) Is(target error) bool { return target == ErrCommand }

func (e *CommandError) Unwrap() error { return e.Err }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Func executes the named program in dir, wiring stdin/stdout/stderr to the
// supplied reader and writers. An empty dir runs in the current directory.
type Func func(dir string, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error

// OutputFunc executes the named program in dir and returns its standard
// output. Standard error is captured into the returned *CommandError.
type OutputFunc func(dir string, name string, args ...string) ([]byte, error)

// CombinedOutputFunc executes the named program in dir and returns its
// combined standard output and standard error, also on failure.
type CombinedOutputFunc func(dir string, name string, args ...string) ([]byte, error)

// Run is the default Func implementation.
var Run Func = func(dir string, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Name: name, Args: args, Err: err}
	}
	return nil
}

// Output is the default OutputFunc implementation.
var Output OutputFunc = func(dir string, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	}
	return out, nil
}

// CombinedOutput is the default CombinedOutputFunc implementation.
var CombinedOutput CombinedOutputFunc = func(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &CommandError{Name: name, Args: args, Stderr: string(out), Err: err}
	}
	return out, nil
}
