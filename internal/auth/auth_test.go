package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "surrounding space", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "agent-1", Scopes: []string{"agent"}},
		{Token: "ops", Scopes: []string{" Commands:RW ", "events:ro"}},
	}

	p, ok := Authenticate("admin", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeAgent))
	assert.True(t, HasAnyScope(p, ScopeCommandsRW))

	p, ok = Authenticate("ops", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeCommandsRW))
	assert.True(t, HasAnyScope(p, ScopeCommandsRO), "rw implies ro")
	assert.False(t, HasAnyScope(p, ScopeAgent))

	p, ok = Authenticate("agent-1", "", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeAgent))
	assert.False(t, HasAnyScope(p, ScopeCommandsRO))

	_, ok = Authenticate("", "", tokens)
	assert.False(t, ok, "empty key never matches")
	_, ok = Authenticate("guess", "admin", tokens)
	assert.False(t, ok)
}

func TestHasAnyScopeNoRequirement(t *testing.T) {
	assert.True(t, HasAnyScope(Principal{}))
}

func TestKnownScope(t *testing.T) {
	assert.True(t, KnownScope("commands:rw"))
	assert.True(t, KnownScope(" Agent "))
	assert.True(t, KnownScope("*"))
	assert.False(t, KnownScope("jobs:ro"))
	assert.False(t, KnownScope(""))
}
