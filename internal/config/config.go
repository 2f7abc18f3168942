// Package config holds the engine's runtime switches and the optional
// ~/.config/fmha/config.yaml file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	EnvDisableFusedAttention = "FMHA_DISABLE_FUSED_ATTENTION"
	EnvEnableFlashAttention  = "FMHA_ENABLE_FLASH_ATTENTION"
)

// Flags are the kernel-selection switches. They are read once per process
// and copied into each node at construction.
type Flags struct {
	DisableFusedAttention bool `json:"disable_fused_attention"`
	EnableFlashAttention  bool `json:"enable_flash_attention"`
}

// File is the on-disk configuration. Pointer fields distinguish "absent"
// from an explicit zero.
type File struct {
	Device      string `yaml:"device"`
	Precision   string `yaml:"precision"`
	MemoryLimit *int64 `yaml:"memory_limit"`

	DisableFusedAttention *bool `yaml:"disable_fused_attention"`
	EnableFlashAttention  *bool `yaml:"enable_flash_attention"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

// DefaultPath returns the per-user config file location, or "" when the
// platform has no config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fmha", "config.yaml")
}

// Load reads path. A missing file yields a zero File and no error.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// Resolve merges the file switches with the environment. An environment
// variable that is set and parses as a bool wins over the file. Flash
// attention is on unless something turns it off.
func Resolve(f File, getenv func(string) string) Flags {
	flags := Flags{EnableFlashAttention: true}
	if f.DisableFusedAttention != nil {
		flags.DisableFusedAttention = *f.DisableFusedAttention
	}
	if f.EnableFlashAttention != nil {
		flags.EnableFlashAttention = *f.EnableFlashAttention
	}
	if v, ok := envBool(getenv, EnvDisableFusedAttention); ok {
		flags.DisableFusedAttention = v
	}
	if v, ok := envBool(getenv, EnvEnableFlashAttention); ok {
		flags.EnableFlashAttention = v
	}
	return flags
}

func envBool(getenv func(string) string, key string) (bool, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// resolveProcess loads the file at path and layers the environment over
// it. A file that cannot be read or parsed is reported, and the flags fall
// back to the environment and the defaults.
func resolveProcess(path string, getenv func(string) string) (Flags, error) {
	f, err := Load(path)
	return Resolve(f, getenv), err
}

var processFlags = sync.OnceValues(func() (Flags, error) {
	return resolveProcess(DefaultPath(), os.Getenv)
})

// Process returns the flags of this process, computed on first use. The
// error is the config file's, if it was unusable; the flags are valid
// either way.
func Process() (Flags, error) {
	return processFlags()
}
