/*
Copyright © 2025 OSImager Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

// Package packer writes the assembled input document and runs the packer
// binary as a supervised child process.
package packer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/osimager/osimager/errors"
)

// Options controls one packer invocation.
type Options struct {
	// Binary defaults to "packer" on PATH.
	Binary string

	// WorkingDir is the installer-fragment root so relative playbook paths
	// inside provisioners resolve.
	WorkingDir string

	// Env entries are appended to the inherited environment: the build's
	// evars plus credential and logging controls.
	Env map[string]string

	TimestampUI bool
	OnError     string
	Force       bool
	Debug       bool
}

// WriteDocument serializes the Packer input document to
// <workspace>/<name>.json and returns the path.
func WriteDocument(workspace, name string, doc map[string]interface{}) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize packer document: %w", err)
	}
	path := filepath.Join(workspace, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write packer document %s: %w", path, err)
	}
	return path, nil
}

// Args builds the packer command line for a document file.
func Args(opts Options, docPath string) []string {
	args := []string{"build"}
	if opts.TimestampUI {
		args = append(args, "-timestamp-ui")
	}
	if opts.OnError != "" {
		args = append(args, "-on-error="+opts.OnError)
	}
	if opts.Force {
		args = append(args, "-force")
	}
	if opts.Debug {
		args = append(args, "-debug")
	}
	return append(args, docPath)
}

// Command prepares the packer process with stdout and stderr pipes attached.
// The caller starts it and supervises the pipes.
func Command(opts Options, docPath string) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "packer"
	}

	cmd := exec.Command(binary, Args(opts, docPath)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = mergedEnv(opts.Env)
	// Put the child in its own process group so a kill reaches packer's own
	// children (ansible, qemu helpers).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, nil, nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	return cmd, stdout, stderr, nil
}

// Terminate sends SIGTERM to the process group.
func Terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func Kill(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// Negative pid targets the process group created at start.
	return syscall.Kill(-cmd.Process.Pid, sig)
}

// ExitCode extracts the child exit code from a Wait error. A signalled
// process reports -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// mergedEnv layers extra variables over the inherited environment in sorted
// order so invocations are reproducible.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
