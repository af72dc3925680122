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

package builder

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/osimager/osimager/assembly"
	"github.com/osimager/osimager/config"
	"github.com/osimager/osimager/errors"
	"github.com/osimager/osimager/installer"
	"github.com/osimager/osimager/logging"
	"github.com/osimager/osimager/packer"
)

// Build phases reported through progress events.
const (
	stepPrepare = "prepare"
	stepFileGen = "generate files"
	stepSpawn   = "spawn"
	stepRunning = "running"
	stepCleanup = "cleanup"

	totalSteps = 5
)

// runBuild drives one build from preparation through its terminal state.
// The worker observes the cancel signal between phases and during process
// supervision.
func (o *Orchestrator) runBuild(build *Build) {
	o.transition(build, StatePreparing, "")
	o.progress(build, stepPrepare, 1, totalSteps)

	result, err := o.prepare(build)
	if err != nil {
		o.fail(build, err)
		return
	}
	if build.isCancelled() {
		o.finishCancelled(build)
		return
	}

	o.progress(build, stepFileGen, 2, totalSteps)
	if err := o.generateFiles(build, result); err != nil {
		o.fail(build, err)
		return
	}
	if build.isCancelled() {
		o.finishCancelled(build)
		return
	}

	o.progress(build, stepSpawn, 3, totalSteps)
	build.mu.Lock()
	workspace := build.workspace
	build.mu.Unlock()

	docPath, err := packer.WriteDocument(workspace, result.Name, result.Document)
	if err != nil {
		o.fail(build, err)
		return
	}
	o.appendLog(build, "info", "wrote packer document "+docPath, "osimager")

	if build.Request.DryRun {
		o.appendLog(build, "info",
			"dry run: would execute packer "+strings.Join(packer.Args(o.packerOptions(build, result), docPath), " "),
			"osimager")
		o.progress(build, stepCleanup, totalSteps, totalSteps)
		o.cleanupWorkspace(build)
		o.transition(build, StateCompleted, "")
		return
	}

	o.supervise(build, result, docPath)
}

// prepare creates the workspace and resolves the request into a Packer
// document.
func (o *Orchestrator) prepare(build *Build) (*assembly.Result, error) {
	workspace, err := o.settings.NewWorkspace(build.Request.Assembly.Target.SpecKey)
	if err != nil {
		return nil, err
	}
	build.mu.Lock()
	build.workspace = workspace
	build.mu.Unlock()

	result, err := o.assembler.Assemble(build.Request.Assembly, workspace)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// generateFiles verifies required files and writes the installer files into
// the workspace.
func (o *Orchestrator) generateFiles(build *Build, result *assembly.Result) error {
	gen := &installer.Generator{
		FragmentRoot: o.settings.FragmentDir,
		Engine:       result.Engine,
	}
	if err := gen.CheckRequiredFiles(result.Required); err != nil {
		return err
	}
	build.mu.Lock()
	workspace := build.workspace
	build.mu.Unlock()
	return gen.Generate(result.Files, workspace)
}

// packerOptions assembles the invocation environment: the build's evars plus
// credential passthrough and logging controls.
func (o *Orchestrator) packerOptions(build *Build, result *assembly.Result) packer.Options {
	env := map[string]string{}
	for k, v := range result.Evars {
		env[k] = v
	}
	if o.settings.CredentialSource == config.CredentialSourceRemote {
		env["VAULT_ADDR"] = o.settings.VaultAddr
		env["VAULT_TOKEN"] = o.settings.VaultToken
	}
	if build.Request.Debug {
		env["PACKER_LOG"] = "1"
	}
	return packer.Options{
		Binary:      o.settings.PackerBinary,
		WorkingDir:  o.settings.FragmentDir,
		Env:         env,
		TimestampUI: build.Request.TimestampUI,
		OnError:     build.Request.OnError,
		Force:       build.Request.Force,
		Debug:       build.Request.Debug,
	}
}

// supervise spawns packer and follows it to completion, honoring the cancel
// signal and the per-build timeout with a SIGTERM-then-SIGKILL sequence.
func (o *Orchestrator) supervise(build *Build, result *assembly.Result, docPath string) {
	cmd, stdout, stderr, err := packer.Command(o.packerOptions(build, result), docPath)
	if err != nil {
		o.fail(build, err)
		return
	}
	if err := cmd.Start(); err != nil {
		o.fail(build, errors.WithKind(errors.KindPackerExit,
			errors.Wrap("start packer", docPath, err)))
		return
	}

	build.mu.Lock()
	build.cmd = cmd
	build.mu.Unlock()

	o.transition(build, StateRunning, "")
	o.progress(build, stepRunning, 4, totalSteps)

	var readers sync.WaitGroup
	readers.Add(2)
	go o.readLines(build, stdout, "stdout", &readers)
	go o.readLines(build, stderr, "stderr", &readers)

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	timeout := build.Request.Timeout
	if timeout <= 0 {
		timeout = config.DefaultBuildTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var interrupted bool
	select {
	case waitErr = <-waitCh:
	case <-build.Cancelled():
		interrupted = true
		waitErr = o.killSequence(build, waitCh)
	case <-timer.C:
		build.signalCancel(true)
		interrupted = true
		waitErr = o.killSequence(build, waitCh)
	}

	o.progress(build, stepCleanup, totalSteps, totalSteps)
	o.cleanupWorkspace(build)

	if interrupted {
		o.finishCancelled(build)
		return
	}
	if code := packer.ExitCode(waitErr); code != 0 {
		o.fail(build, errors.E(errors.KindPackerExit, "packer exited with code %d", code))
		return
	}
	o.transition(build, StateCompleted, "")
}

// killSequence terminates the child: SIGTERM, a grace window, then SIGKILL.
// It returns once the process is reaped.
func (o *Orchestrator) killSequence(build *Build, waitCh chan error) error {
	build.mu.Lock()
	proc := build.cmd
	build.mu.Unlock()

	if err := packer.Terminate(proc); err != nil {
		logging.WarnContext(o.ctx, "Failed to signal build %s: %v", build.ID, err)
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(o.settings.KillGrace()):
	}
	if err := packer.Kill(proc); err != nil {
		logging.WarnContext(o.ctx, "Failed to kill build %s: %v", build.ID, err)
	}
	return <-waitCh
}

// finishCancelled settles the terminal state after an interrupt: TimedOut
// when the timeout fired, Cancelled otherwise.
func (o *Orchestrator) finishCancelled(build *Build) {
	o.cleanupWorkspace(build)

	build.mu.Lock()
	timedOut := build.timedOut
	build.mu.Unlock()

	if timedOut {
		o.transition(build, StateTimedOut, "build timed out")
		return
	}
	o.transition(build, StateCancelled, "")
}

// fail records the error and transitions the build to Failed.
func (o *Orchestrator) fail(build *Build, err error) {
	o.appendLog(build, "error", err.Error(), "osimager")
	o.cleanupWorkspace(build)
	build.mu.Lock()
	build.errCause = err
	build.mu.Unlock()
	o.transition(build, StateFailed, err.Error())
}

// readLines streams one output pipe into the log ring, detecting a level
// prefix when one is recognizable.
func (o *Orchestrator) readLines(build *Build, r io.Reader, source string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		o.appendLog(build, detectLevel(line, source), line, source)
	}
}

// detectLevel guesses a log level from packer output. stderr lines default
// to warn, stdout to info.
func detectLevel(line, source string) string {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR"):
		return "error"
	case strings.Contains(upper, "WARN"):
		return "warn"
	case strings.Contains(upper, "DEBUG"):
		return "debug"
	case source == "stderr":
		return "warn"
	default:
		return "info"
	}
}
