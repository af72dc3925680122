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

// Package cli implements the mkosimage and rfosimage command surfaces. Both
// binaries share the same resolution pipeline; rfosimage swaps the builder
// for a null builder so provisioning runs against an existing host.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/osimager/osimager/config"
	"github.com/osimager/osimager/logging"
)

// settingsKeyType keys the loaded settings in the command context.
type settingsKeyType struct{}

var settingsKey = settingsKeyType{}

// buildFlags collects everything the build commands accept.
type buildFlags struct {
	list          bool
	avail         bool
	listPlatforms bool
	listDefs      bool
	dry           bool
	dumpDefs      bool
	dumpConfig    bool

	defines   []string
	sets      []string
	keep      bool
	tempDir   string
	force     bool
	debug     bool
	verbose   bool
	localOnly bool
	onError   string
	fqdn      string
	timestamp bool
	timeout   string
	priority  int
}

// NewRootCmd builds the command tree for one of the two binaries.
// reProvision selects the rfosimage behavior.
func NewRootCmd(name string, reProvision bool) *cobra.Command {
	flags := &buildFlags{}
	var cfgFile string

	use := name + " [flags] <platform>/<location>/<spec> [name] [ip]"
	short := "Build a VM image from a declaratively composed Packer input"
	if reProvision {
		use = name + " [flags] <platform>/<location>/<spec> <host> [ip]"
		short = "Re-provision an existing host through the image build pipeline"
	}

	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if flags.list || flags.avail || flags.listPlatforms {
				return nil
			}
			min := 1
			if reProvision {
				min = 2
			}
			if len(args) < min || len(args) > 3 {
				return fmt.Errorf("expected %d to 3 arguments, got %d", min, len(args))
			}
			return nil
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, cfgFile, flags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, flags, reProvision)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Settings file (default is ~/.osimager/osimager.conf)")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (text, json, color)")
	pf.BoolP("quiet", "q", false, "Quiet mode - only show errors")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose mode - show debug output")

	f := cmd.Flags()
	f.BoolVar(&flags.list, "list", false, "Print the spec index and exit")
	f.BoolVar(&flags.avail, "avail", false, "Alias for --list")
	f.BoolVar(&flags.listPlatforms, "list-platforms", false, "List configured platforms and exit")
	f.BoolVar(&flags.listDefs, "list-defs", false, "Resolve the target and list its defs")
	f.BoolVar(&flags.dry, "dry", false, "Resolve and print the intended packer invocation without running")
	f.BoolVar(&flags.dumpDefs, "dump-defs", false, "Dump resolved defs as JSON and exit")
	f.BoolVar(&flags.dumpConfig, "dump-config", false, "Dump the assembled packer document as JSON and exit")
	f.StringSliceVar(&flags.defines, "define", nil, "Override defs: key=value[,key=value...]")
	f.StringSliceVar(&flags.sets, "set", nil, "Override packer user variables: key=value")
	f.BoolVar(&flags.keep, "keep", false, "Keep the build workspace after completion")
	f.StringVar(&flags.tempDir, "temp", "", "Root directory for build workspaces")
	f.BoolVar(&flags.force, "force", false, "Pass -force to packer")
	f.BoolVar(&flags.debug, "debug", false, "Pass -debug to packer and enable PACKER_LOG")
	f.BoolVar(&flags.localOnly, "local-only", false, "Only use ISOs already on disk")
	f.StringVar(&flags.onError, "on_error", "", "Packer -on-error mode (cleanup, abort, ask)")
	f.StringVar(&flags.fqdn, "fqdn", "", "Override the derived FQDN")
	f.BoolVar(&flags.timestamp, "timestamp", false, "Pass -timestamp-ui to packer")
	f.StringVar(&flags.timeout, "timeout", "", "Per-build timeout (e.g. 90m)")
	f.IntVar(&flags.priority, "priority", 0, "Queue priority; higher runs first")

	return cmd
}

// initConfig loads settings with the usual precedence: flags over
// environment over osimager.conf over defaults.
func initConfig(cmd *cobra.Command, cfgFile string, flags *buildFlags) error {
	var settings *config.Settings
	var err error
	if cfgFile != "" {
		settings, err = config.LoadFromPath(cfgFile)
	} else {
		settings, err = config.Load()
	}
	if err != nil {
		return err
	}

	v := viper.New()
	v.SetDefault("log_level", settings.LogLevel)
	v.SetDefault("log_format", settings.LogFormat)
	v.SetEnvPrefix("OSIMAGER")
	v.AutomaticEnv()
	bindFlagsToViper(v, cmd)

	settings.LogLevel = v.GetString("log_level")
	settings.LogFormat = v.GetString("log_format")
	if flags.tempDir != "" {
		settings.TempRoot = flags.tempDir
	}
	if flags.localOnly {
		settings.LocalOnly = true
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	logger := logging.NewWithOptions(settings.LogLevel, settings.LogFormat, quiet, flags.verbose)

	ctx := context.WithValue(cmd.Context(), settingsKey, settings)
	ctx = logging.WithLogger(ctx, logger)
	cmd.SetContext(ctx)
	return nil
}

// settingsFromContext retrieves the loaded settings for a command.
func settingsFromContext(cmd *cobra.Command) *config.Settings {
	if s, ok := cmd.Context().Value(settingsKey).(*config.Settings); ok {
		return s
	}
	return config.Defaults()
}

// bindFlagsToViper binds every flag so it participates in the precedence
// chain: flags > environment > settings file > defaults.
func bindFlagsToViper(v *viper.Viper, cmd *cobra.Command) {
	bind := func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			logging.WarnContext(cmd.Context(), "failed to bind flag %s: %v", f.Name, err)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.Root().PersistentFlags().VisitAll(bind)
}
