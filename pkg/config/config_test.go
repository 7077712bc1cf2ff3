package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("WORKER_SECRET", "")

	cfg := Load()

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "http://localhost:8080", cfg.AppBaseURL)
	assert.Equal(t, "file:regain.db", cfg.DatabaseURL)
	assert.Contains(t, cfg.Defaulted, "DATABASE_URL")
	assert.Contains(t, cfg.Defaulted, "WORKER_SECRET")
}

func TestLoadProductionLeavesGaps(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")

	cfg := Load()

	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.Defaulted)
}

func TestValidateProductionReportsEveryGap(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	for _, v := range []string{
		"DATABASE_URL", "PP_SECRET_KEY", "PP_CLIENT_ID", "PP_WEBHOOK_SECRET",
		"WORKER_SECRET", "ADMIN_KEY", "ENCRYPTION_KEY", "SESSION_SECRET",
		"AUTH_TOKEN_SECRET", "RESEND_API_KEY",
	} {
		t.Setenv(v, "")
	}

	err := Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
	assert.Contains(t, err.Error(), "RESEND_API_KEY")
}

func TestValidateProductionComplete(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://regain@localhost/regain")
	t.Setenv("PP_SECRET_KEY", "sk_test_x")
	t.Setenv("PP_CLIENT_ID", "ca_x")
	t.Setenv("PP_WEBHOOK_SECRET", "whsec_x")
	t.Setenv("WORKER_SECRET", "w")
	t.Setenv("ADMIN_KEY", "a")
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("ab", 32))
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("AUTH_TOKEN_SECRET", "t")
	t.Setenv("RESEND_API_KEY", "re_x")

	require.NoError(t, Load().Validate())
}

func TestDecodeEncryptionKey(t *testing.T) {
	cfg := &Config{EncryptionKey: strings.Repeat("0f", 32)}
	key, err := cfg.DecodeEncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg = &Config{EncryptionKey: "not-hex"}
	_, err = cfg.DecodeEncryptionKey()
	assert.Error(t, err)

	cfg = &Config{EncryptionKey: "abcd"} // too short
	_, err = cfg.DecodeEncryptionKey()
	assert.Error(t, err)

	cfg = &Config{}
	key, err = cfg.DecodeEncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}
