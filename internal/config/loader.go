package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/poll"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file over Defaults(), resolves ${VAR}
// placeholders, applies REMOTECTL_* environment overrides and validates the
// result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	if cfg.Storage.Path != "" && !filepath.IsAbs(cfg.Storage.Path) {
		cfg.Storage.Path = filepath.Join(filepath.Dir(absPath), cfg.Storage.Path)
	}
	return cfg, nil
}

// Parse decodes YAML bytes the same way Load does, without touching the
// filesystem.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromEnv returns Defaults() with only environment overrides applied. It is
// used when no config file is found.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	return nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// are left in place so validate can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.Storage.Driver {
	case "", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres", "postgresql", "pgx":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", cfg.Storage.Driver)
		}
		if err := unresolved("storage.dsn", cfg.Storage.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}
	if cfg.API.MaxConcurrentWaits < 0 {
		return fmt.Errorf("api.max_concurrent_waits must not be negative")
	}
	if cfg.API.MaxWaitTimeout < 0 {
		return fmt.Errorf("api.max_wait_timeout must not be negative")
	}

	if _, err := cfg.Policies(); err != nil {
		return err
	}

	if cfg.Dispatch.DedupeWindow < 0 {
		return fmt.Errorf("dispatch.dedupe_window must not be negative")
	}

	if cfg.Live.Cooldown < 0 {
		return fmt.Errorf("live.cooldown must not be negative")
	}
	if cfg.Live.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("live.max_consecutive_failures must be at least 1")
	}
	if _, err := cfg.LiveKinds(); err != nil {
		return err
	}

	if cfg.Retention.Commands < 0 || cfg.Retention.Events < 0 || cfg.Retention.Interval < 0 {
		return fmt.Errorf("retention periods must not be negative")
	}

	for i, wh := range cfg.Webhooks {
		field := fmt.Sprintf("webhooks[%d]", i)
		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s.url must be an http(s) URL (got %q)", field, wh.URL)
		}
		if wh.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := unresolved(field+".secret", wh.Secret); err != nil {
			return err
		}
		if wh.Timeout < 0 {
			return fmt.Errorf("%s.timeout must not be negative", field)
		}
	}
	return nil
}

// Policies builds the await policy table from poll.budgets and poll.kinds.
func (c *Config) Policies() (*poll.Policies, error) {
	budgets := make(map[command.Budget]poll.Policy, len(c.Poll.Budgets))
	for name, pc := range c.Poll.Budgets {
		b := command.Budget(strings.ToLower(name))
		if !validBudget(b) {
			return nil, fmt.Errorf("poll.budgets: unknown budget class %q", name)
		}
		budgets[b] = poll.Policy{Interval: pc.Interval, MaxAttempts: pc.MaxAttempts}
	}

	// A kind may borrow another class; resolve against the merged budgets.
	classes := poll.DefaultBudgets()
	for b, p := range budgets {
		classes[b] = p
	}

	kinds := make(map[command.Kind]poll.Policy, len(c.Poll.Kinds))
	for name, pc := range c.Poll.Kinds {
		k, err := command.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("poll.kinds: %w", err)
		}
		if pc.Budget != "" {
			b := command.Budget(strings.ToLower(pc.Budget))
			if !validBudget(b) {
				return nil, fmt.Errorf("poll.kinds.%s.budget: unknown budget class %q", name, pc.Budget)
			}
			kinds[k] = classes[b]
			continue
		}
		kinds[k] = poll.Policy{Interval: pc.Interval, MaxAttempts: pc.MaxAttempts}
	}

	policies, err := poll.NewPolicies(budgets, kinds)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return policies, nil
}

// LiveKinds parses live.kinds. An empty list means every live-capable kind.
func (c *Config) LiveKinds() ([]command.Kind, error) {
	kinds := make([]command.Kind, 0, len(c.Live.Kinds))
	for _, name := range c.Live.Kinds {
		k, err := command.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("live.kinds: %w", err)
		}
		if spec, _ := command.Lookup(k); !spec.Live {
			return nil, fmt.Errorf("live.kinds: %s cannot run live", k)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func validBudget(b command.Budget) bool {
	switch b {
	case command.BudgetFast, command.BudgetImage, command.BudgetTransfer, command.BudgetAck:
		return true
	}
	return false
}
