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

// Package installer writes the generated OS-installer files (kickstart,
// preseed, autoyast, autounattend) into a build workspace by concatenating
// template fragments and running marker substitution over the result.
package installer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/osimager/osimager/errors"
	"github.com/osimager/osimager/resolver"
	"github.com/osimager/osimager/template"
)

// Generator assembles installer files from fragments.
type Generator struct {
	// Fs defaults to the OS filesystem.
	Fs afero.Fs

	// FragmentRoot is the directory fragment source paths resolve against.
	FragmentRoot string

	// Engine performs marker substitution over fragment content.
	Engine *template.Engine
}

func (g *Generator) fs() afero.Fs {
	if g.Fs == nil {
		return afero.NewOsFs()
	}
	return g.Fs
}

// CheckRequiredFiles verifies every file a spec declares as required exists
// before the build starts. The first missing entry fails with its declared
// description and download URL so the operator knows what to fetch.
func (g *Generator) CheckRequiredFiles(required []resolver.RequiredFile) error {
	fs := g.fs()
	for _, rf := range required {
		dir := g.FragmentRoot
		if rf.Location != "" {
			dir = filepath.Join(dir, rf.Location)
		}
		path := filepath.Join(dir, rf.File)
		if ok, _ := afero.Exists(fs, path); ok {
			continue
		}
		msg := fmt.Sprintf("required file %s is missing", path)
		if rf.Description != "" {
			msg += ": " + rf.Description
		}
		if rf.URL != "" {
			msg += " (download from " + rf.URL + ")"
		}
		return errors.E(errors.KindMissingRequiredFile, "%s", msg)
	}
	return nil
}

// Generate writes every files entry into the workspace: source paths have
// markers substituted, the sources are concatenated in order, the blob is
// substituted, and the result lands at <workspace>/<dest>.
func (g *Generator) Generate(files []resolver.FileSet, workspace string) error {
	for _, entry := range files {
		if err := g.generateOne(entry, workspace); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) generateOne(entry resolver.FileSet, workspace string) error {
	fs := g.fs()

	var blob strings.Builder
	for _, src := range entry.Sources {
		path := src
		if !filepath.IsAbs(path) {
			path = filepath.Join(g.FragmentRoot, src)
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return errors.E(errors.KindMissingRequiredFile,
				"fragment %s for %s: %v", src, entry.Dest, err)
		}
		blob.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			blob.WriteByte('\n')
		}
	}

	content := blob.String()
	if g.Engine != nil {
		out, err := g.Engine.ProcessString(content)
		if err != nil {
			return errors.Wrap("substitute installer file", entry.Dest, err)
		}
		content = resolver.Stringify(out)
	}

	dest := filepath.Join(workspace, entry.Dest)
	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}
	if err := afero.WriteFile(fs, dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write installer file %s: %w", dest, err)
	}
	return nil
}
