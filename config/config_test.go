package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("GAME_SERVICE_TOKEN", "svc-token")
	t.Setenv("DATABASE_URL", "postgres://localhost/entries")
	t.Setenv("CHAIN_RPC_URL", "http://localhost:8545")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5200", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, 8*time.Second, cfg.ReconcileTimeout)
	assert.True(t, cfg.Tolerance().IsZero())
	assert.False(t, cfg.R2Enabled())
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"GAME_SERVICE_TOKEN", "DATABASE_URL", "CHAIN_RPC_URL"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	setRequired(t)

	t.Setenv("AMOUNT_TOLERANCE", "-0.1")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("AMOUNT_TOLERANCE", "0.0001")
	t.Setenv("CREDENTIAL_KEY", "abcd")
	_, err = Load()
	assert.Error(t, err)
}

func TestOrigins_TrimsEntries(t *testing.T) {
	cfg := &Config{AllowedOrigins: "https://a.example , https://b.example"}
	assert.Equal(t, "https://a.example,https://b.example", cfg.Origins())
}

func TestCredentialKeyBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.CredentialKeyBytes()
	require.NoError(t, err)
	assert.Nil(t, key)

	cfg.CredentialKey = "0x" + strings.Repeat("ab", 32)
	key, err = cfg.CredentialKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
