package app

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("ID_TOKEN_SECRET", "i")
	t.Setenv("CUSTOM_TOKEN_SECRET", "k")
}

// unsetEnv removes key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)
	unsetEnv(t, "DOCSTORE_DRIVER")
	t.Setenv("APP_BASE_URL", "https://event.example/")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DocstorePostgres, cfg.DocstoreDriver)
	assert.Equal(t, "https://event.example", cfg.AppBaseURL)
	assert.Equal(t, "https://event.example/auth/google/callback", cfg.Google().RedirectURL)
	assert.False(t, cfg.Google().Enabled())
	assert.False(t, cfg.Blob().Enabled())
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	setRequired(t)
	t.Setenv("DOCSTORE_DRIVER", "sqlite")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("DOCSTORE_DRIVER", DocstoreMemory)
	t.Setenv("GOOGLE_CLIENT_ID", "id")
	_, err = LoadConfig()
	assert.Error(t, err)

	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Google().Enabled())
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("ID_TOKEN_SECRET", "")
	t.Setenv("CUSTOM_TOKEN_SECRET", "")
	_, err := LoadConfig()
	assert.Error(t, err)
}
