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

// Package assembly turns a build target into a fully resolved Packer input
// document: it drives layer resolution, computes derived defs, resolves the
// install ISO, runs template substitution, and assembles the final document.
package assembly

import (
	"path/filepath"
	"strings"

	"github.com/osimager/osimager/config"
	"github.com/osimager/osimager/creds"
	"github.com/osimager/osimager/errors"
	"github.com/osimager/osimager/resolver"
	"github.com/osimager/osimager/specindex"
	"github.com/osimager/osimager/template"
)

// Request carries everything the caller supplies about one build.
type Request struct {
	Target Target

	// Name overrides the instance name (default "dist-version-arch").
	Name string
	// IP pins the guest address instead of resolving it from DNS.
	IP string
	// FQDN overrides the derived fully qualified name.
	FQDN string

	// Defines are --define overrides applied to defs after derivation; they
	// always win.
	Defines map[string]string
	// Variables are --set overrides merged into Packer user variables.
	Variables map[string]string

	// LocalOnly restricts ISO resolution to files already on disk.
	LocalOnly bool
	// ReProvision swaps the builder for a null builder so provisioning runs
	// against an existing host.
	ReProvision bool
}

// Result is the fully assembled build input.
type Result struct {
	Target   Target
	Entry    specindex.Entry
	Name     string
	Defs     map[string]interface{}
	Evars    map[string]string
	Files    []resolver.FileSet
	Required []resolver.RequiredFile
	Document map[string]interface{}

	// Engine is the template engine bound to the final defs, for callers
	// that substitute additional content (the installer file generator).
	Engine *template.Engine
}

// Assembler resolves build requests against the configured library.
type Assembler struct {
	Settings *config.Settings
	Index    *specindex.Index
	Creds    creds.Provider
}

// Assemble runs the full resolution pipeline for one request. The workspace
// path is supplied by the caller (the orchestrator creates it when the build
// enters preparation) and is exposed to templates as the workspace def.
func (a *Assembler) Assemble(req Request, workspace string) (*Result, error) {
	entry, err := a.Index.Lookup(req.Target.SpecKey)
	if err != nil {
		return nil, err
	}

	acc, err := a.resolve(req, entry)
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = entry.Key
	}
	if err := a.deriveDefs(acc, req, entry, name, workspace); err != nil {
		return nil, err
	}
	for k, v := range req.Defines {
		acc.Defs[k] = v
	}

	engine := a.newEngine(acc)

	defs, err := engine.Process(acc.Defs)
	if err != nil {
		return nil, errors.Wrap("substitute defs", req.Target.String(), err)
	}
	acc.Defs = defs.(map[string]interface{})
	engine.Defs = acc.Defs

	if err := resolveISO(acc.Defs, a.Settings.ISODirs(), req.LocalOnly || a.Settings.LocalOnly); err != nil {
		return nil, err
	}

	if err := a.substitute(engine, acc, req); err != nil {
		return nil, err
	}

	doc, err := a.document(acc, req)
	if err != nil {
		return nil, err
	}

	return &Result{
		Target:   req.Target,
		Entry:    entry,
		Name:     name,
		Defs:     acc.Defs,
		Evars:    acc.Evars,
		Files:    acc.Files,
		Required: acc.RequiredFiles,
		Document: doc,
		Engine:   engine,
	}, nil
}

// resolve loads platform, location, and spec layers (includes first) into a
// fresh accumulator seeded with the target tuple and the library paths.
func (a *Assembler) resolve(req Request, entry specindex.Entry) (*resolver.Accumulator, error) {
	acc := resolver.NewAccumulator()
	acc.Defs["platform"] = req.Target.Platform
	acc.Defs["location"] = req.Target.Location
	acc.Defs["dist"] = entry.Dist
	acc.Defs["version"] = entry.Version
	acc.Defs["arch"] = entry.Arch
	acc.Defs["data_dir"] = a.Settings.DataDir
	acc.Defs["user_dir"] = a.Settings.UserDir
	acc.Defs["files_dir"] = a.Settings.FragmentDir

	loader := resolver.NewLoader(
		a.Settings.PlatformsDir(),
		a.Settings.LocationsDir(),
		a.specPath(entry),
	)

	if _, err := loader.Apply(acc, resolver.WherePlatforms, req.Target.Platform); err != nil {
		return nil, errors.Wrap("load platform", req.Target.Platform, err)
	}

	locLayer, err := loader.Apply(acc, resolver.WhereLocations, req.Target.Location)
	if err != nil {
		return nil, errors.Wrap("load location", req.Target.Location, err)
	}
	if len(locLayer.Platforms) > 0 && !containsFold(locLayer.Platforms, req.Target.Platform) {
		return nil, errors.E(errors.KindPlatformUnsupported,
			"location %q does not support platform %q (supports %s)",
			req.Target.Location, req.Target.Platform, strings.Join(locLayer.Platforms, ", "))
	}

	if _, err := loader.Apply(acc, resolver.WhereSpecs, entry.Key); err != nil {
		return nil, errors.Wrap("load spec", entry.Key, err)
	}
	return acc, nil
}

// specPath maps spec names to files: the build target resolves through the
// index entry, while includes from inside a spec resolve as sibling spec
// directories.
func (a *Assembler) specPath(entry specindex.Entry) func(string) (string, error) {
	return func(name string) (string, error) {
		if name == entry.Key {
			return entry.SpecPath, nil
		}
		return filepath.Join(a.Settings.SpecsDir(), name, "spec.json"), nil
	}
}

// deriveDefs fills in the computed defs of a build: version parts, instance
// identity, workspace, network split, and numbered server lists. Explicit
// values already present in defs are not overwritten.
func (a *Assembler) deriveDefs(acc *resolver.Accumulator, req Request, entry specindex.Entry, name, workspace string) error {
	defs := acc.Defs

	major, minor := splitVersion(entry.Version)
	setDefault(defs, "major", major)
	setDefault(defs, "minor", minor)
	defs["name"] = name
	defs["workspace"] = workspace

	domain, _ := defs["domain"].(string)
	fqdn := req.FQDN
	if fqdn == "" {
		fqdn = name
		if domain != "" && !strings.Contains(name, ".") {
			fqdn = name + "." + domain
		}
	}
	defs["fqdn"] = fqdn

	if cidr, ok := defs["cidr"].(string); ok && cidr != "" {
		net, err := cidrDefs(cidr)
		if err != nil {
			return err
		}
		for k, v := range net {
			setDefault(defs, k, v)
		}
	}

	expandNumbered(defs, "dns")
	expandNumbered(defs, "ntp")

	ip := req.IP
	if ip == "" {
		resolve := dnsResolver(serverList(defs, "dns"), domain)
		ip, _ = resolve(fqdn)
	}
	if ip != "" {
		defs["ip"] = ip
	}
	return nil
}

// substitute runs the template engine over every section in pipeline order:
// evars, variables, files, then the provisioner phases and the builder
// config. Defs were substituted (and frozen) before the ISO step.
func (a *Assembler) substitute(engine *template.Engine, acc *resolver.Accumulator, req Request) error {
	target := req.Target.String()

	evars, err := engine.Process(stringMapToAny(acc.Evars))
	if err != nil {
		return errors.Wrap("substitute evars", target, err)
	}
	acc.Evars = anyMapToString(evars.(map[string]interface{}))

	for k, v := range req.Variables {
		acc.Variables[k] = v
	}
	variables, err := engine.Process(stringMapToAny(acc.Variables))
	if err != nil {
		return errors.Wrap("substitute variables", target, err)
	}
	acc.Variables = anyMapToString(variables.(map[string]interface{}))

	for i := range acc.Files {
		if acc.Files[i], err = substituteFileSet(engine, acc.Files[i]); err != nil {
			return errors.Wrap("substitute files", target, err)
		}
	}

	for _, phase := range []*[]map[string]interface{}{
		&acc.PreProvisioners, &acc.Provisioners, &acc.PostProvisioners,
	} {
		for i, prov := range *phase {
			out, err := engine.Process(prov)
			if err != nil {
				return errors.Wrap("substitute provisioners", target, err)
			}
			(*phase)[i] = out.(map[string]interface{})
		}
	}

	cfg, err := engine.Process(acc.Config)
	if err != nil {
		return errors.Wrap("substitute config", target, err)
	}
	acc.Config = cfg.(map[string]interface{})
	return nil
}

// document assembles the Packer input: user variables, the concatenated
// provisioner phases, and the single builder. Local-mode credentials are
// substituted into embedded vault references; a re-provision request swaps
// the builder for a null builder.
func (a *Assembler) document(acc *resolver.Accumulator, req Request) (map[string]interface{}, error) {
	builder := acc.Config
	if req.ReProvision {
		builder = nullBuilder(builder)
	}

	provisioners := make([]interface{}, 0,
		len(acc.PreProvisioners)+len(acc.Provisioners)+len(acc.PostProvisioners))
	for _, phase := range [][]map[string]interface{}{
		acc.PreProvisioners, acc.Provisioners, acc.PostProvisioners,
	} {
		for _, p := range phase {
			provisioners = append(provisioners, p)
		}
	}

	doc := map[string]interface{}{
		"variables":    stringMapToAny(acc.Variables),
		"provisioners": provisioners,
		"builders":     []interface{}{builder},
	}

	if a.Settings.CredentialSource == config.CredentialSourceLocal && creds.HasEmbeddedRefs(doc) {
		if a.Creds == nil {
			return nil, errors.E(errors.KindSecretUnavailable,
				"document references secrets but no credential provider is configured")
		}
		resolved, err := a.Creds.ResolveEmbeddedRefs(doc)
		if err != nil {
			return nil, err
		}
		doc = resolved.(map[string]interface{})
	}
	return doc, nil
}

// nullBuilder keeps only the communicator settings of a builder so Packer
// connects to an existing host instead of creating a VM.
func nullBuilder(builder map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"type": "null"}
	for k, v := range builder {
		if k == "communicator" ||
			strings.HasPrefix(k, "ssh_") || strings.HasPrefix(k, "winrm_") {
			out[k] = v
		}
	}
	return out
}

func (a *Assembler) newEngine(acc *resolver.Accumulator) *template.Engine {
	domain, _ := acc.Defs["domain"].(string)
	return &template.Engine{
		Defs:    acc.Defs,
		Secrets: a.Creds,
		Resolve: dnsResolver(serverList(acc.Defs, "dns"), domain),
	}
}

func substituteFileSet(engine *template.Engine, fs resolver.FileSet) (resolver.FileSet, error) {
	out := resolver.FileSet{Sources: make([]string, len(fs.Sources))}
	for i, src := range fs.Sources {
		v, err := engine.ProcessString(src)
		if err != nil {
			return out, err
		}
		out.Sources[i] = resolver.Stringify(v)
	}
	v, err := engine.ProcessString(fs.Dest)
	if err != nil {
		return out, err
	}
	out.Dest = resolver.Stringify(v)
	return out, nil
}

// splitVersion returns the major and minor components of "9.5" style
// versions. A version without a dot has itself as major and an empty minor.
func splitVersion(version string) (string, string) {
	if idx := strings.IndexByte(version, '.'); idx > 0 {
		return version[:idx], version[idx+1:]
	}
	return version, ""
}

func setDefault(defs map[string]interface{}, key string, value interface{}) {
	if _, ok := defs[key]; !ok {
		defs[key] = value
	}
}

func containsFold(list []string, want string) bool {
	for _, item := range list {
		if strings.EqualFold(item, want) {
			return true
		}
	}
	return false
}

func stringMapToAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func anyMapToString(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = resolver.Stringify(v)
	}
	return out
}
