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

// Package config loads OSImager settings. User preferences live in
// <user_dir>/osimager.conf (INI); the platform/location/spec library under
// the data dir is input data, not configuration, and is read by the resolver.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// Credential source selectors for Settings.CredentialSource.
const (
	CredentialSourceRemote = "remote"
	CredentialSourceLocal  = "local"
)

// Defaults applied when osimager.conf does not set a value.
const (
	DefaultConcurrency  = 3
	DefaultLogRing      = 10000
	DefaultKillGrace    = 30 * time.Second
	DefaultRetention    = 24 * time.Hour
	DefaultHTTPTimeout  = 15 * time.Second
	DefaultBuildTimeout = 2 * time.Hour
)

// Settings represents the OSImager runtime configuration.
type Settings struct {
	// CredentialSource selects the secrets backend: "remote" or "local".
	CredentialSource string `ini:"credential_source"`

	// VaultAddr and VaultToken configure the remote credential source.
	VaultAddr  string `ini:"vault_addr"`
	VaultToken string `ini:"vault_token"`

	// DataDir holds platforms/, specs/, and the installer fragment tree.
	DataDir string `ini:"data_dir"`

	// UserDir holds osimager.conf, locations/, secrets, and the spec index
	// cache.
	UserDir string `ini:"user_dir"`

	// FragmentDir is the installer-fragment root. Empty means
	// <data_dir>/files.
	FragmentDir string `ini:"fragment_dir"`

	// TempRoot is where per-build workspaces are created. Empty means the
	// system temp directory.
	TempRoot string `ini:"temp_root"`

	// PackerBinary is the packer executable to launch. Empty means "packer"
	// on PATH.
	PackerBinary string `ini:"packer_binary"`

	// Concurrency is the number of parallel build workers.
	Concurrency int `ini:"concurrency"`

	// LogRingCapacity bounds the per-build log ring buffer.
	LogRingCapacity int `ini:"log_ring_capacity"`

	// KillGraceSeconds is how long to wait between SIGTERM and SIGKILL.
	KillGraceSeconds int `ini:"kill_grace_seconds"`

	// RetentionHours is how long terminal builds remain queryable.
	RetentionHours int `ini:"retention_hours"`

	// LocalOnly restricts ISO resolution to files already on disk.
	LocalOnly bool `ini:"local_only"`

	// Log settings for the CLI logger.
	LogLevel  string `ini:"log_level"`
	LogFormat string `ini:"log_format"`
}

// Defaults returns settings with every default applied. The user dir is
// ~/.osimager and the data dir is ~/.osimager/data unless overridden.
func Defaults() *Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	userDir := filepath.Join(home, ".osimager")
	return &Settings{
		CredentialSource: CredentialSourceLocal,
		DataDir:          filepath.Join(userDir, "data"),
		UserDir:          userDir,
		PackerBinary:     "packer",
		Concurrency:      DefaultConcurrency,
		LogRingCapacity:  DefaultLogRing,
		KillGraceSeconds: int(DefaultKillGrace / time.Second),
		RetentionHours:   int(DefaultRetention / time.Hour),
		LogLevel:         "info",
		LogFormat:        "color",
	}
}

// Load reads <user_dir>/osimager.conf, applying defaults for anything the
// file does not set. A missing file is not an error; the defaults are
// returned unchanged.
func Load() (*Settings, error) {
	s := Defaults()
	return s, s.loadFrom(filepath.Join(s.UserDir, "osimager.conf"))
}

// LoadFromPath reads settings from an explicit conf file path.
func LoadFromPath(path string) (*Settings, error) {
	s := Defaults()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	return s, s.loadFrom(path)
}

func (s *Settings) loadFrom(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Section("").MapTo(s); err != nil {
		return fmt.Errorf("failed to map settings from %s: %w", path, err)
	}
	s.normalize()
	return nil
}

func (s *Settings) normalize() {
	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}
	if s.LogRingCapacity <= 0 {
		s.LogRingCapacity = DefaultLogRing
	}
	if s.KillGraceSeconds <= 0 {
		s.KillGraceSeconds = int(DefaultKillGrace / time.Second)
	}
	if s.RetentionHours <= 0 {
		s.RetentionHours = int(DefaultRetention / time.Hour)
	}
	if s.FragmentDir == "" {
		s.FragmentDir = filepath.Join(s.DataDir, "files")
	}
	if s.PackerBinary == "" {
		s.PackerBinary = "packer"
	}
}

// KillGrace returns the SIGTERM to SIGKILL grace window.
func (s *Settings) KillGrace() time.Duration {
	return time.Duration(s.KillGraceSeconds) * time.Second
}

// Retention returns how long terminal builds remain queryable.
func (s *Settings) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// Validate checks settings that have no sensible fallback.
func (s *Settings) Validate() error {
	switch s.CredentialSource {
	case CredentialSourceRemote:
		if s.VaultAddr == "" {
			return fmt.Errorf("credential_source is remote but vault_addr is not set")
		}
	case CredentialSourceLocal:
	default:
		return fmt.Errorf("unknown credential_source %q (want remote or local)", s.CredentialSource)
	}
	return nil
}
