// Package config provides the two configuration layers of deployctl.
//
// The environment layer (Env) carries per-deploy secrets and service URLs,
// the way Render injects them. The file layer (Config, deploy.yaml) carries
// the pipeline shape: which stages each profile runs and how individual
// stages behave. A missing deploy.yaml is not an error; the defaults
// reproduce the standard Comercium release.
//
// File locations (priority order):
//  1. --config flag
//  2. $DEPLOYCTL_CONFIG
//  3. ./deploy.yaml
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StageOrder lists every stage name in canonical execution order. Profiles
// choose a subset; the runner always executes the subset in this order.
var StageOrder = []string{
	"preflight",
	"cache",
	"deps",
	"migrate",
	"site",
	"static",
	"superuser",
	"hooks",
}

// Config is the parsed deploy.yaml.
type Config struct {
	Project        string              `yaml:"project"`
	DefaultProfile string              `yaml:"default_profile"`
	Profiles       map[string][]string `yaml:"profiles"`
	Stages         StagesConfig        `yaml:"stages"`
	Server         ServerConfig        `yaml:"server"`
	Maintenance    MaintenanceConfig   `yaml:"maintenance"`
}

// StagesConfig groups per-stage settings.
type StagesConfig struct {
	Preflight PreflightConfig `yaml:"preflight"`
	Cache     CacheConfig     `yaml:"cache"`
	Deps      DepsConfig      `yaml:"deps"`
	Migrate   MigrateConfig   `yaml:"migrate"`
	Static    StaticConfig    `yaml:"static"`
	Hooks     []HookConfig    `yaml:"hooks"`
}

// PreflightConfig bounds the host checks that gate a full deploy.
type PreflightConfig struct {
	MinDiskMB   uint64 `yaml:"min_disk_mb"`
	MinMemoryMB uint64 `yaml:"min_memory_mb"`
	DBTimeout   int    `yaml:"db_timeout_seconds"`
}

// CacheConfig controls the cache cleanup stage.
type CacheConfig struct {
	// Paths are glob patterns removed relative to the project root.
	Paths []string `yaml:"paths"`
	// FlushRedis flushes the REDIS_URL database as part of cleanup.
	FlushRedis bool `yaml:"flush_redis"`
}

// DepsConfig controls dependency installation.
type DepsConfig struct {
	Pip          string   `yaml:"pip"`
	Requirements string   `yaml:"requirements"`
	UpgradePip   bool     `yaml:"upgrade_pip"`
	// Verify lists package names that must be present in `pip list` output
	// after installation.
	Verify []string `yaml:"verify"`
}

// MigrateConfig controls schema migration.
type MigrateConfig struct {
	Dir string `yaml:"dir"`
}

// StaticConfig controls static asset collection.
type StaticConfig struct {
	SourceDirs []string `yaml:"source_dirs"`
	OutputDir  string   `yaml:"output_dir"`
	Workers    int      `yaml:"workers"`
	// Compress writes .gz siblings next to compressible assets.
	Compress bool `yaml:"compress"`
}

// HookConfig is one post-deploy command.
type HookConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	// When is an optional expression deciding whether the hook runs, with
	// env, profile, production and hostname in scope.
	When string `yaml:"when"`
	// FailFast makes a hook failure abort the run instead of being logged.
	FailFast bool `yaml:"fail_fast"`
}

// ServerConfig configures `deployctl serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// DeploysPerMinute caps how often /api/deploy may trigger a run.
	DeploysPerMinute int `yaml:"deploys_per_minute"`
	HistorySize      int `yaml:"history_size"`
}

// MaintenanceConfig configures `deployctl maintain`.
type MaintenanceConfig struct {
	CartDays          int    `yaml:"cart_days"`
	DeleteEmptyOrders bool   `yaml:"delete_empty_orders"`
	Schedule          string `yaml:"schedule"`
}

// Load reads deploy.yaml from path, from the standard locations when path is
// empty, or returns defaults when no file exists.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigPath()
	}
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads deploy.yaml from a specific path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deploy config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse deploy config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FindConfigPath locates deploy.yaml without an explicit flag.
func FindConfigPath() string {
	if p := os.Getenv("DEPLOYCTL_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("deploy.yaml"); err == nil {
		return "deploy.yaml"
	}
	return ""
}

// DefaultConfig returns the configuration of a standard Comercium release.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func defaultProfiles() map[string][]string {
	return map[string][]string{
		"basic":   {"deps", "migrate", "static"},
		"site":    {"deps", "migrate", "site", "static"},
		"rebuild": {"cache", "deps", "migrate", "site", "static"},
		"release": {"cache", "deps", "migrate", "site", "static", "superuser"},
		"full":    {"preflight", "cache", "deps", "migrate", "site", "static", "superuser", "hooks"},
	}
}

// applyDefaults fills in missing values with defaults. User-defined profiles
// are merged over the built-in set, so deploy.yaml can add profiles without
// restating the standard ones.
func (c *Config) applyDefaults() {
	if c.Project == "" {
		c.Project = "comercium"
	}
	if c.DefaultProfile == "" {
		c.DefaultProfile = "release"
	}

	profiles := defaultProfiles()
	for name, stages := range c.Profiles {
		profiles[name] = stages
	}
	c.Profiles = profiles

	if c.Stages.Preflight.MinDiskMB == 0 {
		c.Stages.Preflight.MinDiskMB = 512
	}
	if c.Stages.Preflight.MinMemoryMB == 0 {
		c.Stages.Preflight.MinMemoryMB = 256
	}
	if c.Stages.Preflight.DBTimeout == 0 {
		c.Stages.Preflight.DBTimeout = 30
	}
	if len(c.Stages.Cache.Paths) == 0 {
		c.Stages.Cache.Paths = []string{"**/__pycache__", "**/*.pyc"}
	}
	if c.Stages.Deps.Pip == "" {
		c.Stages.Deps.Pip = "pip"
	}
	if c.Stages.Deps.Requirements == "" {
		c.Stages.Deps.Requirements = "requirements.txt"
	}
	if c.Stages.Migrate.Dir == "" {
		c.Stages.Migrate.Dir = "migrations"
	}
	if len(c.Stages.Static.SourceDirs) == 0 {
		c.Stages.Static.SourceDirs = []string{"static"}
	}
	if c.Stages.Static.OutputDir == "" {
		c.Stages.Static.OutputDir = "staticfiles"
	}
	if c.Stages.Static.Workers == 0 {
		c.Stages.Static.Workers = 4
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DeploysPerMinute == 0 {
		c.Server.DeploysPerMinute = 2
	}
	if c.Server.HistorySize == 0 {
		c.Server.HistorySize = 20
	}
	if c.Maintenance.CartDays == 0 {
		c.Maintenance.CartDays = 30
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "0 3 * * *"
	}
}

// Validate rejects configurations the runner cannot execute.
func (c *Config) Validate() error {
	for name, stages := range c.Profiles {
		if len(stages) == 0 {
			return fmt.Errorf("profile %s: no stages", name)
		}
		for _, s := range stages {
			if stageRank(s) < 0 {
				return fmt.Errorf("profile %s: unknown stage %q", name, s)
			}
		}
	}
	if _, ok := c.Profiles[c.DefaultProfile]; !ok {
		return fmt.Errorf("default profile %q is not defined", c.DefaultProfile)
	}
	for i, h := range c.Stages.Hooks {
		if len(h.Command) == 0 {
			return fmt.Errorf("hook %d (%s): empty command", i, h.Name)
		}
	}
	if c.Stages.Static.Workers < 1 {
		return fmt.Errorf("static workers must be at least 1, got %d", c.Stages.Static.Workers)
	}
	if c.Maintenance.CartDays < 1 {
		return fmt.Errorf("maintenance cart_days must be at least 1, got %d", c.Maintenance.CartDays)
	}
	return nil
}

// ResolveProfile returns the stage names of the given profile in canonical
// execution order. Profile entries are a selection, never an ordering; two
// profiles naming the same stages always run identically.
func (c *Config) ResolveProfile(name string) ([]string, error) {
	if name == "" {
		name = c.DefaultProfile
	}
	selected, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}

	want := make(map[string]bool, len(selected))
	for _, s := range selected {
		want[s] = true
	}

	ordered := make([]string, 0, len(selected))
	for _, s := range StageOrder {
		if want[s] {
			ordered = append(ordered, s)
		}
	}
	return ordered, nil
}

// FilterStages narrows a resolved stage list with --only and --skip
// selections. Unknown names in either list are errors, so a typo never
// silently deploys the wrong subset.
func FilterStages(names, only, skip []string) ([]string, error) {
	for _, s := range only {
		if stageRank(s) < 0 {
			return nil, fmt.Errorf("--only: unknown stage %q", s)
		}
	}
	for _, s := range skip {
		if stageRank(s) < 0 {
			return nil, fmt.Errorf("--skip: unknown stage %q", s)
		}
	}

	keep := func(name string) bool {
		if len(only) > 0 {
			found := false
			for _, s := range only {
				if s == name {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		for _, s := range skip {
			if s == name {
				return false
			}
		}
		return true
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		if keep(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

func stageRank(name string) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}
