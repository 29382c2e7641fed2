// Package config loads and hot-reloads the orchestrator's YAML
// configuration: per-role agent definitions, auto-scale policy,
// webhook defaults, and dashboard CORS/auth settings. Grounded on the
// teacher's internal/config.Load: YAML-tagged structs unmarshalled
// with gopkg.in/yaml.v3, defaults applied after load, environment
// variables overriding file values via plain os.Getenv (no env-parsing
// library, matching the teacher's own choice).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/fleetboard/internal/autoscaler"
)

// RoleConfig describes one agent role: its manifest, routing behavior,
// and context assembly preferences.
type RoleConfig struct {
	Name            string   `yaml:"name"`
	DisplayName     string   `yaml:"display_name"`
	TaskPrefix      string   `yaml:"task_prefix"`
	Description     string   `yaml:"description"`
	AcceptsTaskType []string `yaml:"accepts_task_type"`
	ContextIncludes []string `yaml:"context_includes"`
	RoutesTo        []string `yaml:"routes_to"`
	RoutingMode     string   `yaml:"routing_mode"` // "fixed" or "open"
	CanCreateGroups bool     `yaml:"can_create_groups"`

	AutoScale AutoScaleConfig `yaml:"auto_scale"`
}

// AutoScaleConfig is a role's auto-scale policy, YAML-tagged mirror of
// autoscaler.RolePolicy.
type AutoScaleConfig struct {
	Enabled              bool `yaml:"enabled"`
	ScaleUpThreshold     int  `yaml:"scale_up_threshold"`
	MaxInstances         int  `yaml:"max_instances"`
	CooldownSeconds      int  `yaml:"cooldown_seconds"`
	IdleThresholdSeconds int  `yaml:"idle_threshold_seconds"`
}

// ToPolicy converts the YAML-facing config into the autoscaler's
// runtime RolePolicy.
func (a AutoScaleConfig) ToPolicy(role string) autoscaler.RolePolicy {
	return autoscaler.RolePolicy{
		Role:                 role,
		Enabled:              a.Enabled,
		ScaleUpThreshold:     a.ScaleUpThreshold,
		MaxInstances:         a.MaxInstances,
		CooldownSeconds:      a.CooldownSeconds,
		IdleThresholdSeconds: a.IdleThresholdSeconds,
	}
}

// WebhookDefaults configures webhook delivery behavior applied to
// webhooks registered without per-hook overrides.
type WebhookDefaults struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// WorktreeConfig enables per-claim git worktree isolation. Left with
// RepoRoot empty, no worktree manager is constructed and agent loops
// run directly in the working directory.
type WorktreeConfig struct {
	RepoRoot string `yaml:"repo_root"`
	Root     string `yaml:"root"`
}

// DashboardConfig configures the HTTP API's CORS and auth posture.
type DashboardConfig struct {
	BindAddr       string   `yaml:"bind_addr"`
	CORSOrigins    []string `yaml:"cors_origins"`
	TeamTokens     []string `yaml:"team_tokens"`
	AuthEnabled    bool     `yaml:"auth_enabled"`
	AdminToken     string   `yaml:"admin_token"`
	MaxRequestBody int64    `yaml:"max_request_body_bytes"`
}

// Config is the orchestrator's root configuration document.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath string `yaml:"db_path"`

	Roles []RoleConfig `yaml:"roles"`

	Webhooks WebhookDefaults `yaml:"webhooks"`

	Dashboard DashboardConfig `yaml:"dashboard"`

	Worktree WorktreeConfig `yaml:"worktree"`

	ScheduleIntervalSeconds int `yaml:"schedule_interval_seconds"`
	AutoScaleIntervalSeconds int `yaml:"autoscale_interval_seconds"`

	LogLevel string `yaml:"log_level"`

	NeedsGenesis bool `yaml:"-"`
}

// RoleByName returns the role config named name, or nil.
func (c Config) RoleByName(name string) *RoleConfig {
	for i := range c.Roles {
		if c.Roles[i].Name == name {
			return &c.Roles[i]
		}
	}
	return nil
}

// AutoScalePolicies returns every role's auto-scale policy, keyed by
// role name, ready to hand to autoscaler.Config.Policies.
func (c Config) AutoScalePolicies() map[string]autoscaler.RolePolicy {
	out := make(map[string]autoscaler.RolePolicy, len(c.Roles))
	for _, r := range c.Roles {
		out[r.Name] = r.AutoScale.ToPolicy(r.Name)
	}
	return out
}

func defaultConfig() Config {
	return Config{
		DBPath:   "./fleetboard.db",
		LogLevel: "info",
		Dashboard: DashboardConfig{
			BindAddr:       "127.0.0.1:18790",
			CORSOrigins:    []string{"http://localhost:8000", "http://localhost:3000"},
			MaxRequestBody: 10 * 1024 * 1024,
		},
		ScheduleIntervalSeconds:  60,
		AutoScaleIntervalSeconds: 15,
	}
}

// HomeDir returns the directory holding config.yaml, defaulting to
// ~/.fleetboard unless overridden by FLEETBOARD_HOME.
func HomeDir() string {
	if override := os.Getenv("FLEETBOARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetboard")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir(), applying defaults and
// environment overrides. A missing config.yaml sets NeedsGenesis
// rather than erroring, mirroring the teacher's first-run handling.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleetboard home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./fleetboard.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Dashboard.BindAddr == "" {
		cfg.Dashboard.BindAddr = "127.0.0.1:18790"
	}
	if len(cfg.Dashboard.CORSOrigins) == 0 {
		cfg.Dashboard.CORSOrigins = []string{"http://localhost:8000", "http://localhost:3000"}
	}
	if cfg.Dashboard.MaxRequestBody <= 0 {
		cfg.Dashboard.MaxRequestBody = 10 * 1024 * 1024
	}
	if cfg.ScheduleIntervalSeconds <= 0 {
		cfg.ScheduleIntervalSeconds = 60
	}
	if cfg.AutoScaleIntervalSeconds <= 0 {
		cfg.AutoScaleIntervalSeconds = 15
	}
	for i := range cfg.Roles {
		if cfg.Roles[i].RoutingMode == "" {
			cfg.Roles[i].RoutingMode = "fixed"
		}
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = StarterRoles()
	}
}

// applyEnvOverrides mirrors spec §6.7's CORS_ORIGINS/AUTH_ENABLED
// environment variables, read with plain os.Getenv the way the
// teacher reads GOCLAW_HOME/GOCLAW_NO_TUI — no env-parsing library.
func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			cfg.Dashboard.CORSOrigins = origins
		}
	}
	if raw := os.Getenv("AUTH_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Dashboard.AuthEnabled = v
		}
	}
	if raw := os.Getenv("FLEETBOARD_ADMIN_TOKEN"); raw != "" {
		cfg.Dashboard.AdminToken = raw
	}
	if raw := os.Getenv("FLEETBOARD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("FLEETBOARD_BIND_ADDR"); raw != "" {
		cfg.Dashboard.BindAddr = raw
	}
	if raw := os.Getenv("FLEETBOARD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an
// empty map if the file doesn't exist — used by the small in-place
// mutators below so a round-trip write doesn't clobber unknown keys a
// hand-edited config.yaml might carry.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetAdminToken updates the dashboard admin token in config.yaml,
// preserving every other setting.
func SetAdminToken(homeDir, token string) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	dashboard, _ := raw["dashboard"].(map[string]any)
	if dashboard == nil {
		dashboard = make(map[string]any)
	}
	dashboard["admin_token"] = token
	raw["dashboard"] = dashboard
	return saveRawConfig(path, raw)
}
