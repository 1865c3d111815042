package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/remotectl/internal/command"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file keeps defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Service.LogLevel)
				assert.Equal(t, "sqlite", cfg.Storage.Driver)
				assert.Equal(t, 500*time.Millisecond, cfg.Live.Cooldown)
				assert.Equal(t, 3, cfg.Live.MaxConsecutiveFailures)
				assert.Zero(t, cfg.Dispatch.DedupeWindow)
				assert.False(t, cfg.Correlation.RequireCorrelationID)
				assert.Equal(t, time.Hour, cfg.Retention.Interval)
				assert.Empty(t, cfg.Webhooks)
			},
		},
		{
			name: "durations and nested sections",
			yaml: `
service:
  log_level: debug
storage:
  path: state/remotectl.db
correlation:
  require_correlation_id: true
dispatch:
  dedupe_window: 10s
live:
  cooldown: 250ms
  kinds: [screenshot]
poll:
  budgets:
    image:
      interval: 3s
      max_attempts: 20
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Service.LogLevel)
				assert.True(t, filepath.IsAbs(cfg.Storage.Path))
				assert.Equal(t, "remotectl.db", filepath.Base(cfg.Storage.Path))
				assert.True(t, cfg.Correlation.RequireCorrelationID)
				assert.Equal(t, 10*time.Second, cfg.Dispatch.DedupeWindow)
				assert.Equal(t, 250*time.Millisecond, cfg.Live.Cooldown)
				assert.Equal(t, 3*time.Second, cfg.Poll.Budgets["image"].Interval)
			},
		},
		{
			name: "env interpolation",
			yaml: `
api:
  auth:
    tokens:
      - token: ${RC_TEST_TOKEN}
        scopes: ["commands:rw"]
`,
			env: map[string]string{"RC_TEST_TOKEN": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.API.Auth.Tokens, 1)
				assert.Equal(t, "s3cret", cfg.API.Auth.Tokens[0].Token)
			},
		},
		{
			name: "unset interpolation is reported",
			yaml: `
api:
  auth:
    api_key: ${RC_TEST_UNSET_KEY}
`,
			wantErr: "${RC_TEST_UNSET_KEY} is not set",
		},
		{
			name: "env overrides file",
			yaml: `
service:
  log_level: warn
storage:
  driver: sqlite
`,
			env: map[string]string{
				"REMOTECTL_LOG_LEVEL":  "ERROR",
				"REMOTECTL_DB_DRIVER":  "postgres",
				"REMOTECTL_DB_DSN":     "postgres://localhost/remotectl",
				"REMOTECTL_API_LISTEN": "0.0.0.0:9000",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "error", cfg.Service.LogLevel)
				assert.Equal(t, "postgres", cfg.Storage.Driver)
				assert.Equal(t, "postgres://localhost/remotectl", cfg.Storage.DSN)
				assert.Equal(t, "0.0.0.0:9000", cfg.API.Listen)
			},
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level must be one of",
		},
		{
			name:    "postgres without dsn",
			yaml:    "storage:\n  driver: postgres\n",
			wantErr: "storage.dsn is required",
		},
		{
			name:    "unknown driver",
			yaml:    "storage:\n  driver: mysql\n",
			wantErr: "storage.driver must be one of",
		},
		{
			name: "token without scopes",
			yaml: `
api:
  auth:
    tokens:
      - token: abc
`,
			wantErr: "api.auth.tokens[0].scopes must be non-empty",
		},
		{
			name:    "unknown budget class",
			yaml:    "poll:\n  budgets:\n    huge:\n      interval: 1s\n      max_attempts: 3\n",
			wantErr: `unknown budget class "huge"`,
		},
		{
			name:    "zero attempts",
			yaml:    "poll:\n  kinds:\n    screenshot:\n      interval: 1s\n      max_attempts: 0\n",
			wantErr: "max attempts must be at least 1",
		},
		{
			name:    "non-live kind in live list",
			yaml:    "live:\n  kinds: [lock_pc]\n",
			wantErr: "lock_pc cannot run live",
		},
		{
			name: "webhooks and retention interval",
			yaml: `
retention:
  interval: 15m
webhooks:
  - url: https://hooks.example.com/rc
    secret: ${RC_TEST_HOOK}
    events: [command.failed]
    timeout: 2s
`,
			env: map[string]string{"RC_TEST_HOOK": "h00k"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 15*time.Minute, cfg.Retention.Interval)
				require.Len(t, cfg.Webhooks, 1)
				assert.Equal(t, "h00k", cfg.Webhooks[0].Secret)
				assert.Equal(t, []string{"command.failed"}, cfg.Webhooks[0].Events)
				assert.Equal(t, 2*time.Second, cfg.Webhooks[0].Timeout)
			},
		},
		{
			name:    "webhook without scheme",
			yaml:    "webhooks:\n  - url: hooks.example.com\n    secret: x\n",
			wantErr: "webhooks[0].url must be an http(s) URL",
		},
		{
			name:    "webhook without secret",
			yaml:    "webhooks:\n  - url: http://localhost:9999/hook\n",
			wantErr: "webhooks[0].secret is required",
		},
		{
			name:    "negative retention interval",
			yaml:    "retention:\n  interval: -1m\n",
			wantErr: "retention periods must not be negative",
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load(writeConfig(t, tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	path := writeConfig(t, "service:\n  name: dir-mode\n")

	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "dir-mode", cfg.Service.Name)
	assert.Equal(t, path, cfg.SourcePath)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "dsn: ${RC_TEST_HOST}/db",
			env:   map[string]string{"RC_TEST_HOST": "pg.local"},
			want:  "dsn: pg.local/db",
		},
		{
			name:  "multiple vars",
			input: "${RC_TEST_USER}:${RC_TEST_PASS}",
			env:   map[string]string{"RC_TEST_USER": "admin", "RC_TEST_PASS": "secret"},
			want:  "admin:secret",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${RC_TEST_UNDEFINED}",
			want:  "key: ${RC_TEST_UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, interpolateEnv(tt.input))
		})
	}
}

func TestPolicies(t *testing.T) {
	cfg, err := Parse([]byte(`
poll:
  budgets:
    fast:
      interval: 500ms
      max_attempts: 4
  kinds:
    delete_file:
      budget: transfer
    get_running_processes:
      interval: 2s
      max_attempts: 5
`))
	require.NoError(t, err)

	policies, err := cfg.Policies()
	require.NoError(t, err)

	// A kind in the fast class picks up the overridden class.
	fast := policies.For(command.KindListDirectory)
	assert.Equal(t, 500*time.Millisecond, fast.Interval)
	assert.Equal(t, 4, fast.MaxAttempts)

	rm := policies.For(command.KindDeleteFile)
	assert.Equal(t, time.Second, rm.Interval)
	assert.Equal(t, 60, rm.MaxAttempts)

	ps := policies.For(command.KindGetRunningProcesses)
	assert.Equal(t, 2*time.Second, ps.Interval)
	assert.Equal(t, 5, ps.MaxAttempts)

	img := policies.For(command.KindScreenshot)
	assert.Equal(t, 2*time.Second, img.Interval)
	assert.Equal(t, 30, img.MaxAttempts)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("REMOTECTL_DB_PATH", "/tmp/remotectl-test.db")
	t.Setenv("REMOTECTL_REQUIRE_CORRELATION_ID", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/remotectl-test.db", cfg.Storage.Path)
	assert.True(t, cfg.Correlation.RequireCorrelationID)
}
