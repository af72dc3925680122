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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/osimager/osimager/assembly"
	"github.com/osimager/osimager/builder"
	"github.com/osimager/osimager/config"
	"github.com/osimager/osimager/creds"
	"github.com/osimager/osimager/errors"
	"github.com/osimager/osimager/events"
	"github.com/osimager/osimager/logging"
	"github.com/osimager/osimager/resolver"
	"github.com/osimager/osimager/specindex"
	"github.com/spf13/cobra"
)

// ExitCode maps a command error to the documented process exit code.
func ExitCode(err error) int {
	return errors.ExitCode(err)
}

// run dispatches the command: listings first, then the build pipeline.
func run(cmd *cobra.Command, args []string, flags *buildFlags, reProvision bool) error {
	ctx := cmd.Context()
	settings := settingsFromContext(cmd)
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := settings.EnsureUserDirs(); err != nil {
		return err
	}

	if flags.listPlatforms {
		return listPlatforms(ctx, settings)
	}

	index, err := specindex.Load(specindex.Options{
		SpecsDir:  settings.SpecsDir(),
		CacheFile: settings.IndexCacheFile(),
		ISODirs:   settings.ISODirs(),
	})
	if err != nil {
		return err
	}

	if flags.list || flags.avail {
		needle := ""
		if len(args) > 0 {
			needle = args[0]
		}
		return listSpecs(ctx, index, needle)
	}

	req, err := buildRequest(args, flags, reProvision)
	if err != nil {
		return err
	}

	provider, err := newProvider(settings)
	if err != nil {
		return err
	}
	assembler := &assembly.Assembler{Settings: settings, Index: index, Creds: provider}

	if flags.listDefs || flags.dumpDefs || flags.dumpConfig {
		return dumpResolved(ctx, settings, assembler, req, flags)
	}

	return runBuild(ctx, settings, assembler, req, flags)
}

// buildRequest turns positional arguments and flags into a build request.
func buildRequest(args []string, flags *buildFlags, reProvision bool) (builder.Request, error) {
	target, err := assembly.ParseTarget(args[0])
	if err != nil {
		return builder.Request{}, err
	}

	areq := assembly.Request{
		Target:      target,
		FQDN:        flags.fqdn,
		Defines:     map[string]string{},
		Variables:   map[string]string{},
		LocalOnly:   flags.localOnly,
		ReProvision: reProvision,
	}
	if len(args) > 1 {
		areq.Name = args[1]
	}
	if len(args) > 2 {
		areq.IP = args[2]
	}

	if err := parseKeyValues(flags.defines, areq.Defines); err != nil {
		return builder.Request{}, err
	}
	if err := parseKeyValues(flags.sets, areq.Variables); err != nil {
		return builder.Request{}, err
	}

	req := builder.Request{
		Assembly:    areq,
		Priority:    flags.priority,
		Keep:        flags.keep,
		DryRun:      flags.dry,
		Debug:       flags.debug,
		Force:       flags.force,
		TimestampUI: flags.timestamp,
		OnError:     flags.onError,
	}
	if flags.timeout != "" {
		d, err := time.ParseDuration(flags.timeout)
		if err != nil {
			return builder.Request{}, errors.E(errors.KindConfigParse,
				"invalid --timeout %q: %v", flags.timeout, err)
		}
		req.Timeout = d
	}
	return req, nil
}

// runBuild submits the request to a local orchestrator and follows it to a
// terminal state, mirroring log events to the console.
func runBuild(ctx context.Context, settings *config.Settings, assembler *assembly.Assembler, req builder.Request, flags *buildFlags) error {
	bus := events.NewBus()
	orch := builder.New(settings, assembler, bus)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	orch.Start(runCtx)

	status, err := orch.Submit(req)
	if err != nil {
		return err
	}
	sub := bus.SubscribeBuild(status.ID)
	defer sub.Close()

	// Ctrl-C cancels the build; a second interrupt exits immediately.
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	logging.InfoContext(ctx, "Submitted build %s for %s", status.ID, status.Target)

	terminal := waitForTerminal(ctx, orch, status.ID, sub, interrupts)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), settings.KillGrace()+5*time.Second)
	defer shutdownCancel()
	_ = orch.Shutdown(shutdownCtx)

	switch terminal.State {
	case builder.StateCompleted:
		logging.InfoContext(ctx, "Build %s completed", terminal.ID)
		return nil
	case builder.StateCancelled:
		return errors.E(errors.KindCancelled, "build %s cancelled", terminal.ID)
	case builder.StateTimedOut:
		return errors.E(errors.KindTimedOut, "build %s timed out", terminal.ID)
	default:
		if cause := orch.Err(terminal.ID); cause != nil {
			return cause
		}
		return errors.E(errors.KindPackerExit, "build %s failed: %s", terminal.ID, terminal.ErrorMessage)
	}
}

// waitForTerminal consumes build events until a terminal state arrives.
func waitForTerminal(ctx context.Context, orch *builder.Orchestrator, id string, sub *events.Subscription, interrupts <-chan os.Signal) builder.Status {
	// The build may have finished between submission and subscription.
	if status, ok := orch.Get(id); ok && status.State.Terminal() {
		return status
	}
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				// Dropped by the bus; poll the final state instead.
				status, _ := orch.Get(id)
				if status.State.Terminal() {
					return status
				}
				time.Sleep(time.Second)
				continue
			}
			printEvent(ctx, event)
			if status, ok := orch.Get(id); ok && status.State.Terminal() {
				return status
			}
		case <-interrupts:
			logging.WarnContext(ctx, "Interrupt received; cancelling build %s", id)
			_ = orch.Cancel(id)
		case <-ctx.Done():
			_ = orch.Cancel(id)
		}
	}
}

// printEvent mirrors one bus event to the console.
func printEvent(ctx context.Context, event events.Event) {
	switch event.Kind {
	case events.KindLog:
		entry, ok := event.Data.(builder.LogEntry)
		if !ok {
			return
		}
		switch entry.Level {
		case "error":
			logging.ErrorContext(ctx, "%s", entry.Message)
		case "warn":
			logging.WarnContext(ctx, "%s", entry.Message)
		case "debug":
			logging.DebugContext(ctx, "%s", entry.Message)
		default:
			logging.PrintContext(ctx, entry.Message)
		}
	case events.KindProgress:
		if p, ok := event.Data.(*builder.Progress); ok {
			logging.InfoContext(ctx, "[%d/%d] %s", p.StepNumber, p.TotalSteps, p.CurrentStep)
		}
	case events.KindStatus, events.KindCompleted, events.KindFailed, events.KindCancelled:
		if s, ok := event.Data.(builder.Status); ok {
			logging.DebugContext(ctx, "Build %s is now %s", s.ID, s.State)
		}
	}
}

// dumpResolved resolves the target without building and prints the requested
// view: defs (human or JSON) or the packer document.
func dumpResolved(ctx context.Context, settings *config.Settings, assembler *assembly.Assembler, req builder.Request, flags *buildFlags) error {
	workspace, err := settings.NewWorkspace(req.Assembly.Target.SpecKey)
	if err != nil {
		return err
	}
	defer func() {
		if !flags.keep {
			os.RemoveAll(workspace)
		}
	}()

	result, err := assembler.Assemble(req.Assembly, workspace)
	if err != nil {
		return err
	}

	switch {
	case flags.dumpDefs:
		return printJSON(ctx, result.Defs)
	case flags.dumpConfig:
		return printJSON(ctx, result.Document)
	default:
		keys := make([]string, 0, len(result.Defs))
		for k := range result.Defs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			logging.PrintContext(ctx, fmt.Sprintf("%s = %s", k, resolver.Stringify(result.Defs[k])))
		}
		return nil
	}
}

// listSpecs prints the spec index, optionally fuzzy-filtered.
func listSpecs(ctx context.Context, index *specindex.Index, needle string) error {
	keys := index.Search(needle)
	for _, key := range keys {
		entry, err := index.Lookup(key)
		if err != nil {
			continue
		}
		marker := " "
		if entry.ISOLocal {
			marker = "*"
		}
		logging.PrintContext(ctx, fmt.Sprintf("%s %s", marker, key))
	}
	logging.DebugContext(ctx, "%d specs listed (* = ISO available locally)", len(keys))
	return nil
}

// listPlatforms prints the platform layer names found in the data dir.
func listPlatforms(ctx context.Context, settings *config.Settings) error {
	entries, err := os.ReadDir(settings.PlatformsDir())
	if err != nil {
		return errors.Wrap("read platforms dir", settings.PlatformsDir(), err)
	}
	var names []string
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".json" && ext != ".toml") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ext))
	}
	sort.Strings(names)
	for _, name := range names {
		logging.PrintContext(ctx, name)
	}
	return nil
}

// newProvider builds the configured credential source.
func newProvider(settings *config.Settings) (creds.Provider, error) {
	if settings.CredentialSource == config.CredentialSourceRemote {
		return creds.NewVaultProvider(settings.VaultAddr, settings.VaultToken)
	}
	return creds.NewLocalProvider(settings.SecretsFile())
}

func printJSON(ctx context.Context, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	logging.PrintContext(ctx, string(data))
	return nil
}

func parseKeyValues(pairs []string, into map[string]string) error {
	for _, pair := range pairs {
		eq := strings.Index(pair, "=")
		if eq <= 0 {
			return errors.E(errors.KindConfigParse, "%q is not key=value", pair)
		}
		into[pair[:eq]] = pair[eq+1:]
	}
	return nil
}
