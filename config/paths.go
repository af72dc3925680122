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

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Directory and file permission constants.
const (
	DirPermReadWriteExec = 0o755
	FilePermOwnerOnly    = 0o600
)

// PlatformsDir returns the directory holding platform layer files.
func (s *Settings) PlatformsDir() string {
	return filepath.Join(s.DataDir, "platforms")
}

// SpecsDir returns the directory holding spec subdirectories.
func (s *Settings) SpecsDir() string {
	return filepath.Join(s.DataDir, "specs")
}

// LocationsDir returns the user-authored locations directory.
func (s *Settings) LocationsDir() string {
	return filepath.Join(s.UserDir, "locations")
}

// SecretsFile returns the local secrets file path.
func (s *Settings) SecretsFile() string {
	return filepath.Join(s.UserDir, "secrets")
}

// IndexCacheFile returns the cached spec index path.
func (s *Settings) IndexCacheFile() string {
	return filepath.Join(s.UserDir, "specs", "index.json")
}

// ISODirs returns the directories searched for locally mirrored install
// media.
func (s *Settings) ISODirs() []string {
	return []string{
		filepath.Join(s.DataDir, "isos"),
		filepath.Join(s.UserDir, "isos"),
	}
}

// EnsureUserDirs creates the user-owned directory tree if it does not exist.
func (s *Settings) EnsureUserDirs() error {
	for _, dir := range []string{
		s.UserDir,
		s.LocationsDir(),
		filepath.Join(s.UserDir, "specs"),
	} {
		if err := os.MkdirAll(dir, DirPermReadWriteExec); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// NewWorkspace creates a fresh per-build workspace directory under the
// configured temp root and returns its path.
func (s *Settings) NewWorkspace(name string) (string, error) {
	root := s.TempRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, DirPermReadWriteExec); err != nil {
		return "", fmt.Errorf("failed to create temp root %s: %w", root, err)
	}
	dir, err := os.MkdirTemp(root, "osimager-"+name+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}
