package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryotapoi/mdrename/internal/store"
)

// ConfigFile is the name of the configuration file at the vault root.
const ConfigFile = "mdrename.yaml"

// Config represents the mdrename.yaml configuration file.
type Config struct {
	Scan     ScanConfig  `yaml:"scan"`
	Write    WriteConfig `yaml:"write"`
	StateDir string      `yaml:"state_dir"`
}

// ScanConfig holds link scanning settings.
type ScanConfig struct {
	ExcludePaths       []string `yaml:"exclude_paths"`
	ExcludeCodeBlocks  bool     `yaml:"exclude_code_blocks"`
	ExcludeFrontmatter bool     `yaml:"exclude_frontmatter"`
	IncludeEmbeds      bool     `yaml:"include_embeds"`
	CaseSensitive      bool     `yaml:"case_sensitive"`
}

// WriteConfig holds the retry policy for storage writes.
type WriteConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Scan: ScanConfig{
			ExcludeCodeBlocks: true,
			IncludeEmbeds:     true,
		},
		Write: WriteConfig{
			MaxRetries: store.DefaultMaxRetries,
			BaseDelay:  store.DefaultBaseDelay,
			MaxDelay:   store.DefaultMaxDelay,
		},
	}
}

// LoadConfig reads mdrename.yaml from the vault root.
// Returns DefaultConfig and nil error if the file does not exist. Keys
// missing from the file keep their defaults.
func LoadConfig(vaultPath string) (Config, error) {
	cfg := DefaultConfig()
	p := filepath.Join(vaultPath, ConfigFile)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", ConfigFile, err)
	}
	if err := validateGlobPatterns(cfg.Scan.ExcludePaths); err != nil {
		return Config{}, fmt.Errorf("%s: %w", ConfigFile, err)
	}
	if cfg.Write.MaxRetries < 0 {
		return Config{}, fmt.Errorf("%s: max_retries must not be negative", ConfigFile)
	}
	if cfg.Write.MaxDelay > store.DefaultMaxDelay {
		return Config{}, fmt.Errorf("%s: max_delay must not exceed %s", ConfigFile, store.DefaultMaxDelay)
	}
	return cfg, nil
}

// ScanOptions returns the scan settings without a target.
func (c Config) ScanOptions() ScanOptions {
	return ScanOptions{
		ExcludeCodeBlocks:  c.Scan.ExcludeCodeBlocks,
		ExcludeFrontmatter: c.Scan.ExcludeFrontmatter,
		IncludeEmbeds:      c.Scan.IncludeEmbeds,
		CaseSensitive:      c.Scan.CaseSensitive,
		ExcludePaths:       c.Scan.ExcludePaths,
	}
}

// RetryPolicy returns the storage retry policy.
func (c Config) RetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		MaxRetries: c.Write.MaxRetries,
		BaseDelay:  c.Write.BaseDelay,
		MaxDelay:   c.Write.MaxDelay,
	}
}

// ExcludeFunc reports whether a vault-relative path matches an exclude glob.
// Returns nil when nothing is excluded.
func (c Config) ExcludeFunc() func(string) bool {
	if len(c.Scan.ExcludePaths) == 0 {
		return nil
	}
	patterns := c.Scan.ExcludePaths
	return func(rel string) bool { return matchesAny(patterns, rel) }
}

// validateGlobPatterns checks that none of the patterns use unsupported character classes.
func validateGlobPatterns(patterns []string) error {
	for _, p := range patterns {
		if strings.Contains(p, "[") {
			return fmt.Errorf("unsupported glob pattern (character class): %s", p)
		}
	}
	return nil
}

func matchesAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if globMatch(p, s) {
			return true
		}
	}
	return false
}

// globMatch implements SQLite GLOB semantics in Go.
// '*' matches any sequence of characters (including '/').
// '?' matches exactly one character.
// '[' is treated as a literal character (character classes not supported).
func globMatch(pattern, s string) bool {
	return globMatchImpl([]rune(pattern), []rune(s))
}

func globMatchImpl(pattern, s []rune) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatchImpl(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern = pattern[1:]
			s = s[1:]
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			pattern = pattern[1:]
			s = s[1:]
		}
	}
	return len(s) == 0
}
