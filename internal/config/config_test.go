package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withDataDir(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("CRYSTAL_DATA_DIR", dir)
}

func TestResolveDefaults(t *testing.T) {
	withDataDir(t, t.TempDir())
	cfg, err := Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.EmbeddingProvider)
	assert.Equal(t, "main", cfg.AgentID)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaHost)
}

func TestResolveEnvOverridesDefault(t *testing.T) {
	withDataDir(t, t.TempDir())
	t.Setenv("CRYSTAL_EMBEDDING_PROVIDER", "ollama")
	t.Setenv("CRYSTAL_AGENT_ID", "laptop")

	cfg, err := Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, cfg.EmbeddingProvider)
	assert.Equal(t, "laptop", cfg.AgentID)
}

func TestResolveDotenvFillsGapsBelowEnv(t *testing.T) {
	dir := t.TempDir()
	withDataDir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CRYSTAL_AGENT_ID=from-dotenv\nOPENAI_API_KEY=dotenv-key\n"), 0o644))
	t.Setenv("CRYSTAL_AGENT_ID", "from-env")

	cfg, err := Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AgentID, "process env must win over dotenv")
	assert.Equal(t, "dotenv-key", cfg.OpenAIKey, "dotenv fills values env never set")
}

func TestResolveSecretLookupIsLastResort(t *testing.T) {
	withDataDir(t, t.TempDir())
	secrets := func(key string) (string, bool) {
		if key == "OPENAI_API_KEY" {
			return "secret-key", true
		}
		return "", false
	}

	cfg, err := Resolve(secrets)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.OpenAIKey)
}

func TestResolveExplicitOptionWinsOverEverything(t *testing.T) {
	withDataDir(t, t.TempDir())
	t.Setenv("CRYSTAL_AGENT_ID", "from-env")

	cfg, err := Resolve(nil, WithAgentID("from-option"))
	require.NoError(t, err)
	assert.Equal(t, "from-option", cfg.AgentID)
}

func TestResolveUnknownProviderErrors(t *testing.T) {
	withDataDir(t, t.TempDir())
	_, err := Resolve(nil, WithEmbeddingProvider(Provider("bogus")))
	assert.Error(t, err)
}

func TestResolveDataDirPrefersModernPathWhenStoreExists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CRYSTAL_DATA_DIR", "")
	os.Unsetenv("CRYSTAL_DATA_DIR")

	modern := filepath.Join(home, ".ldm", "memory")
	require.NoError(t, os.MkdirAll(modern, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modern, storeFileName), []byte("x"), 0o644))

	cfg, err := Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, modern, cfg.DataDir)
}

func TestResolveDataDirFallsBackToLegacyPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	os.Unsetenv("CRYSTAL_DATA_DIR")

	cfg, err := Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".memory-crystal"), cfg.DataDir)
}

func TestStorePath(t *testing.T) {
	withDataDir(t, "/tmp/crystal-data")
	cfg, err := Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/crystal-data", "crystal.db"), cfg.StorePath())
}
