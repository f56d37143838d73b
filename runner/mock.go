// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package runner

import (
	"io"
	"strings"
)

// MockRunnerCall records a single command invocation.
type MockRunnerCall struct {
	Dir  string
	Name string
	Args []string
}

// String returns the command line of the call, e.g. "mount /boot".
func (c MockRunnerCall) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// MockRunner records calls and returns configurable output and errors.
//
// If Handler is set it answers every call. Otherwise the call with index
// FailOn (0-based) fails with Err, or every call fails with Err if FailOn is
// negative, and OutputData provides the output per call index.
type MockRunner struct {
	Calls      []MockRunnerCall
	Err        error
	FailOn     int
	OutputData map[int][]byte
	Handler    func(call MockRunnerCall) ([]byte, error)
}

// NewMockRunner creates a MockRunner that always succeeds.
func NewMockRunner() *MockRunner {
	return &MockRunner{FailOn: -1}
}

// NewMockRunnerFailOnCall creates a MockRunner that returns err on the n-th
// call (0-based) and succeeds on all others.
func NewMockRunnerFailOnCall(n int, err error) *MockRunner {
	return &MockRunner{FailOn: n, Err: err}
}

// NewMockRunnerWithHandler creates a MockRunner answering calls with fn.
func NewMockRunnerWithHandler(fn func(call MockRunnerCall) ([]byte, error)) *MockRunner {
	return &MockRunner{FailOn: -1, Handler: fn}
}

func (mr *MockRunner) call(dir, name string, args []string) ([]byte, error) {
	c := MockRunnerCall{Dir: dir, Name: name, Args: append([]string(nil), args...)}
	mr.Calls = append(mr.Calls, c)
	if mr.Handler != nil {
		return mr.Handler(c)
	}
	idx := len(mr.Calls) - 1
	var out []byte
	if mr.OutputData != nil {
		out = mr.OutputData[idx]
	}
	if mr.FailOn >= 0 && idx == mr.FailOn {
		return out, mr.Err
	}
	if mr.FailOn < 0 && mr.Err != nil {
		return out, mr.Err
	}
	return out, nil
}

// Run implements the Func signature. Output is written to stdout.
func (mr *MockRunner) Run(dir string, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error {
	out, err := mr.call(dir, name, args)
	if stdout != nil && len(out) > 0 {
		stdout.Write(out)
	}
	return err
}

// Output implements the OutputFunc signature.
func (mr *MockRunner) Output(dir string, name string, args ...string) ([]byte, error) {
	return mr.call(dir, name, args)
}

// CombinedOutput implements the CombinedOutputFunc signature.
func (mr *MockRunner) CombinedOutput(dir string, name string, args ...string) ([]byte, error) {
	return mr.call(dir, name, args)
}

// Commands returns the command lines of all recorded calls.
func (mr *MockRunner) Commands() []string {
	var out []string
	for _, c := range mr.Calls {
		out = append(out, c.String())
	}
	return out
}

// Count returns how many recorded calls ran the given command line.
func (mr *MockRunner) Count(cmdline string) int {
	n := 0
	for _, c := range mr.Calls {
		if c.String() == cmdline {
			n++
		}
	}
	return n
}

// Install replaces the package level Run, Output and CombinedOutput with the
// mock and returns a function restoring the previous implementations.
func (mr *MockRunner) Install() (restore func()) {
	origRun, origOutput, origCombined := Run, Output, CombinedOutput
	Run, Output, CombinedOutput = mr.Run, mr.Output, mr.CombinedOutput
	return func() {
		Run, Output, CombinedOutput = origRun, origOutput, origCombined
	}
}
