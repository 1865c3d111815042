package config

import "time"

// Config represents the complete remotectl configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Storage     StorageConfig     `yaml:"storage"`
	API         APIConfig         `yaml:"api"`
	Poll        PollConfig        `yaml:"poll"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Live        LiveConfig        `yaml:"live"`
	Retention   RetentionConfig   `yaml:"retention"`
	Webhooks    []WebhookConfig   `yaml:"webhooks,omitempty"`

	// SourcePath is the absolute path the config was loaded from, empty for
	// Defaults().
	SourcePath string `yaml:"-"`
}

// ServiceConfig contains core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level" env:"REMOTECTL_LOG_LEVEL"`
	// IssuerID is recorded on commands dispatched from the CLI.
	IssuerID string `yaml:"issuer_id" env:"REMOTECTL_ISSUER_ID"`
}

// StorageConfig selects the command/event store.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"REMOTECTL_DB_DRIVER"`
	Path   string `yaml:"path" env:"REMOTECTL_DB_PATH"`
	DSN    string `yaml:"dsn" env:"REMOTECTL_DB_DSN"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen" env:"REMOTECTL_API_LISTEN"`
	Auth    APIAuthConfig `yaml:"auth"`
	// MaxConcurrentWaits bounds result requests blocked in an await at once.
	MaxConcurrentWaits int `yaml:"max_concurrent_waits"`
	// MaxWaitTimeout caps the timeout a caller may ask for on a result request.
	MaxWaitTimeout time.Duration `yaml:"max_wait_timeout"`
}

// APIAuthConfig configures API authentication.
type APIAuthConfig struct {
	// APIKey is a legacy admin key with full access.
	APIKey string     `yaml:"api_key" env:"REMOTECTL_API_KEY"`
	Tokens []APIToken `yaml:"tokens"`
}

// APIToken is a bearer token with a set of scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// PollConfig overrides the await budgets.
type PollConfig struct {
	Budgets map[string]PolicyConfig `yaml:"budgets"`
	Kinds   map[string]PolicyConfig `yaml:"kinds"`
}

// PolicyConfig is one interval/attempts pair. Budget is only meaningful under
// poll.kinds, where it points the kind at another class instead of giving
// explicit numbers.
type PolicyConfig struct {
	Budget      string        `yaml:"budget,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
}

// CorrelationConfig controls how replies are matched to commands.
type CorrelationConfig struct {
	RequireCorrelationID bool `yaml:"require_correlation_id" env:"REMOTECTL_REQUIRE_CORRELATION_ID"`
}

// DispatchConfig controls command creation.
type DispatchConfig struct {
	// DedupeWindow reuses an identical in-flight command younger than this.
	// Zero disables de-duplication.
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// LiveConfig controls live sessions.
type LiveConfig struct {
	Cooldown               time.Duration `yaml:"cooldown"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	Kinds                  []string      `yaml:"kinds"`
}

// RetentionConfig bounds how long rows are kept. Zero keeps rows forever.
type RetentionConfig struct {
	Commands time.Duration `yaml:"commands"`
	Events   time.Duration `yaml:"events"`
	// Interval is how often serve prunes in the background. Zero leaves
	// pruning to `remotectl db prune`.
	Interval time.Duration `yaml:"interval"`
}

// WebhookConfig is one outbound notification target.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Secret signs each body with HMAC-SHA256.
	Secret string `yaml:"secret"`
	// Events lists the topics to send; empty sends command outcomes.
	Events  []string      `yaml:"events,omitempty"`
	Devices []string      `yaml:"devices,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "remotectl",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/remotectl.db",
		},
		API: APIConfig{
			Enabled:            true,
			Listen:             "localhost:8080",
			MaxConcurrentWaits: 64,
			MaxWaitTimeout:     2 * time.Minute,
		},
		Live: LiveConfig{
			Cooldown:               500 * time.Millisecond,
			MaxConsecutiveFailures: 3,
		},
		Retention: RetentionConfig{
			Commands: 30 * 24 * time.Hour,
			Events:   7 * 24 * time.Hour,
			Interval: time.Hour,
		},
	}
}
