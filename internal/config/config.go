// Package config implements the settings surface of spec.md §6: the
// recognized repository/global configuration keys a save session reads
// before opening its pack writers, grounded on the teacher's
// global-then-repo JSON merge (repo config overrides global).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds every recognized setting, grouped the way spec.md §6's
// config table groups them (pack.*, core.*, bup.*).
type Config struct {
	Pack PackConfig `json:"pack"`
	Core CoreConfig `json:"core"`
	Bup  BupConfig  `json:"bup"`
}

// PackConfig controls the pack writer (component D).
type PackConfig struct {
	// Compression is the zlib level inside a pack. nil means "unset":
	// Core.Compression governs instead.
	Compression   *int   `json:"compression,omitempty"`
	PackSizeLimit uint64 `json:"packSizeLimit"`
}

// CoreConfig holds the fallback compression level used when
// Pack.Compression is unset.
type CoreConfig struct {
	Compression int `json:"compression"`
}

// BupConfig holds the hashsplit/tree-split/ref settings named bup.* in
// spec.md §6 after the on-disk format's historical prefix.
type BupConfig struct {
	BlobBits     int    `json:"blobbits"`
	TreeSplit    bool   `json:"treesplit"`
	SeparateMeta bool   `json:"separatemeta"`
	RefsName     string `json:"refsname"`
	CacheDir     string `json:"cachedir,omitempty"`
	Storage      string `json:"storage,omitempty"`
}

// EffectiveCompression resolves the configured compression level a pack
// writer should use: Pack.Compression if set, else Core.Compression.
func (c *Config) EffectiveCompression() int {
	if c.Pack.Compression != nil {
		return *c.Pack.Compression
	}
	return c.Core.Compression
}

// DefaultConfig returns spec.md §6's documented defaults. encrypted
// selects core.compression's default (-1 encrypted, 1 otherwise).
func DefaultConfig(encrypted bool) *Config {
	coreCompression := 1
	if encrypted {
		coreCompression = -1
	}
	return &Config{
		Core: CoreConfig{Compression: coreCompression},
		Pack: PackConfig{PackSizeLimit: 1_000_000_000},
		Bup: BupConfig{
			BlobBits:     13,
			TreeSplit:    false,
			SeparateMeta: false,
			RefsName:     "refs",
		},
	}
}

func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home directory: %w", err)
	}
	return filepath.Join(home, ".packvaultconfig"), nil
}

func repoConfigPath() string {
	return filepath.Join(".packvault", "config")
}

// LoadConfig loads settings from the global config file, then the
// repository config file, each overriding the previous where set.
// encrypted selects the starting defaults (see DefaultConfig).
func LoadConfig(encrypted bool) (*Config, error) {
	cfg := DefaultConfig(encrypted)

	if globalPath, err := globalConfigPath(); err == nil {
		if data, err := os.ReadFile(globalPath); err == nil {
			var globalCfg Config
			if err := json.Unmarshal(data, &globalCfg); err == nil {
				mergeConfig(cfg, &globalCfg)
			}
		}
	}

	if data, err := os.ReadFile(repoConfigPath()); err == nil {
		var repoCfg Config
		if err := json.Unmarshal(data, &repoCfg); err == nil {
			mergeConfig(cfg, &repoCfg)
		}
	}

	return cfg, nil
}

// SaveGlobalConfig writes cfg to the user's global config file.
func SaveGlobalConfig(cfg *Config) error {
	globalPath, err := globalConfigPath()
	if err != nil {
		return err
	}
	return writeConfig(globalPath, cfg)
}

// SaveRepoConfig writes cfg to the current repository's config file.
func SaveRepoConfig(cfg *Config) error {
	repoPath := repoConfigPath()
	if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
		return fmt.Errorf("config: create .packvault directory: %w", err)
	}
	return writeConfig(repoPath, cfg)
}

func writeConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// GetValue retrieves a configuration value by "section.key", e.g.
// "bup.blobbits".
func GetValue(key string, encrypted bool) (string, error) {
	cfg, err := LoadConfig(encrypted)
	if err != nil {
		return "", err
	}

	section, field, err := splitKey(key)
	if err != nil {
		return "", err
	}

	switch section {
	case "pack":
		switch field {
		case "compression":
			if cfg.Pack.Compression == nil {
				return "", nil
			}
			return strconv.Itoa(*cfg.Pack.Compression), nil
		case "packsizelimit":
			return strconv.FormatUint(cfg.Pack.PackSizeLimit, 10), nil
		default:
			return "", fmt.Errorf("config: unknown pack field %q", field)
		}
	case "core":
		switch field {
		case "compression":
			return strconv.Itoa(cfg.Core.Compression), nil
		default:
			return "", fmt.Errorf("config: unknown core field %q", field)
		}
	case "bup":
		switch field {
		case "blobbits":
			return strconv.Itoa(cfg.Bup.BlobBits), nil
		case "treesplit":
			return strconv.FormatBool(cfg.Bup.TreeSplit), nil
		case "separatemeta":
			return strconv.FormatBool(cfg.Bup.SeparateMeta), nil
		case "refsname":
			return cfg.Bup.RefsName, nil
		case "cachedir":
			return cfg.Bup.CacheDir, nil
		case "storage":
			return cfg.Bup.Storage, nil
		default:
			return "", fmt.Errorf("config: unknown bup field %q", field)
		}
	default:
		return "", fmt.Errorf("config: unknown section %q", section)
	}
}

// SetValue sets a configuration value by "section.key" in either the
// global or repository config file.
func SetValue(key, value string, global bool, encrypted bool) error {
	var cfg *Config
	var path string
	var err error
	if global {
		path, err = globalConfigPath()
	} else {
		path = repoConfigPath()
	}
	if err != nil {
		return err
	}

	cfg = DefaultConfig(encrypted)
	if data, readErr := os.ReadFile(path); readErr == nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			cfg = DefaultConfig(encrypted)
		}
	}

	section, field, err := splitKey(key)
	if err != nil {
		return err
	}

	switch section {
	case "pack":
		switch field {
		case "compression":
			level, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("config: pack.compression must be an integer: %w", err)
			}
			cfg.Pack.Compression = &level
		case "packsizelimit":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("config: pack.packSizeLimit must be an unsigned integer: %w", err)
			}
			cfg.Pack.PackSizeLimit = n
		default:
			return fmt.Errorf("config: unknown pack field %q", field)
		}
	case "core":
		switch field {
		case "compression":
			level, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("config: core.compression must be an integer: %w", err)
			}
			cfg.Core.Compression = level
		default:
			return fmt.Errorf("config: unknown core field %q", field)
		}
	case "bup":
		switch field {
		case "blobbits":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("config: bup.blobbits must be an integer: %w", err)
			}
			cfg.Bup.BlobBits = n
		case "treesplit":
			cfg.Bup.TreeSplit = value == "true"
		case "separatemeta":
			cfg.Bup.SeparateMeta = value == "true"
		case "refsname":
			cfg.Bup.RefsName = value
		case "cachedir":
			cfg.Bup.CacheDir = value
		case "storage":
			cfg.Bup.Storage = value
		default:
			return fmt.Errorf("config: unknown bup field %q", field)
		}
	default:
		return fmt.Errorf("config: unknown section %q", section)
	}

	if global {
		return SaveGlobalConfig(cfg)
	}
	return SaveRepoConfig(cfg)
}

func splitKey(key string) (section, field string, err error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("config: invalid key %q (expected section.field)", key)
	}
	return parts[0], strings.ToLower(parts[1]), nil
}

// mergeConfig overlays src onto dst: pointer and string fields only
// override when set/non-empty in src, scalar fields (ints without an
// "unset" sentinel, bools) always override, matching the teacher's
// global-then-repo overlay semantics.
func mergeConfig(dst, src *Config) {
	if src.Pack.Compression != nil {
		dst.Pack.Compression = src.Pack.Compression
	}
	if src.Pack.PackSizeLimit != 0 {
		dst.Pack.PackSizeLimit = src.Pack.PackSizeLimit
	}

	dst.Core.Compression = src.Core.Compression

	if src.Bup.BlobBits != 0 {
		dst.Bup.BlobBits = src.Bup.BlobBits
	}
	dst.Bup.TreeSplit = src.Bup.TreeSplit
	dst.Bup.SeparateMeta = src.Bup.SeparateMeta
	if src.Bup.RefsName != "" {
		dst.Bup.RefsName = src.Bup.RefsName
	}
	if src.Bup.CacheDir != "" {
		dst.Bup.CacheDir = src.Bup.CacheDir
	}
	if src.Bup.Storage != "" {
		dst.Bup.Storage = src.Bup.Storage
	}
}
