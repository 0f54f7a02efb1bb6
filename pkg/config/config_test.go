package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "PORT", "GITLAB_BRANCH", "FORWARD_PREVIEW_ERRORS", "USE_TEST_TOKEN")

	cfg := Load()
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "develop", cfg.GitlabBranch)
	assert.False(t, cfg.ForwardPreviewErrors)
	assert.False(t, cfg.UseTestToken)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("GITLAB_BRANCH", "main")
	t.Setenv("FORWARD_PREVIEW_ERRORS", "true")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "main", cfg.GitlabBranch)
	assert.True(t, cfg.ForwardPreviewErrors)
}

func TestTaskEngineReadyRequiresURLAndToken(t *testing.T) {
	clearEnv(t, "GITLAB_URL", "GITLAB_TOKEN")
	cfg := Load()
	assert.False(t, cfg.TaskEngineReady())

	t.Setenv("GITLAB_URL", "https://gitlab.example.com")
	t.Setenv("GITLAB_TOKEN", "tok")
	cfg = Load()
	assert.True(t, cfg.TaskEngineReady())
}

func TestInvalidPortFallsBackToDefault(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	cfg := Load()
	assert.Equal(t, 3000, cfg.Port)
}
