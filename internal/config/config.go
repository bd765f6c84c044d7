// Package config resolves Memory Crystal's typed runtime configuration from
// explicit overrides, the process environment, and a dotenv file inside the
// data directory, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Provider identifies an embedding backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
	ProviderGoogle Provider = "google"
)

const storeFileName = "crystal.db"

// SecretLookup is the interface to an external secret manager. Memory
// Crystal's core never implements one — it is an out-of-scope collaborator
// wired in by the adapter that constructs a Config.
type SecretLookup func(key string) (string, bool)

// Config is the fully resolved, typed runtime configuration surface.
type Config struct {
	DataDir string

	EmbeddingProvider Provider

	OpenAIKey   string
	OpenAIModel string

	OllamaHost  string
	OllamaModel string

	GoogleKey   string
	GoogleModel string

	RelayURL     string
	RelayToken   string
	RelayKeyPath string

	AgentID string

	// SummaryMode controls the out-of-scope session-summary collaborator;
	// the core never interprets it beyond passing it through.
	SummaryMode string
}

// Option overrides a single resolved field. Options run after env/dotenv
// resolution so explicit overrides always win (explicit is applied last
// here because it is the highest-precedence layer, not the first looked
// up).
type Option func(*Config)

func WithDataDir(dir string) Option            { return func(c *Config) { c.DataDir = dir } }
func WithEmbeddingProvider(p Provider) Option  { return func(c *Config) { c.EmbeddingProvider = p } }
func WithAgentID(id string) Option             { return func(c *Config) { c.AgentID = id } }
func WithRelay(url, token, keyPath string) Option {
	return func(c *Config) {
		c.RelayURL = url
		c.RelayToken = token
		c.RelayKeyPath = keyPath
	}
}

// Resolve builds a Config from the environment, an optional dotenv file
// inside dataDir, an optional secret lookup, and finally any explicit
// Options. Options override everything else; below them the environment
// beats the dotenv file, which beats the secret lookup.
func Resolve(secrets SecretLookup, opts ...Option) (*Config, error) {
	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}

	env := newLayeredEnv(dataDir, secrets)

	cfg := &Config{
		DataDir:           dataDir,
		EmbeddingProvider: Provider(env.get("CRYSTAL_EMBEDDING_PROVIDER", string(ProviderOpenAI))),
		OpenAIKey:         env.get("OPENAI_API_KEY", ""),
		OpenAIModel:       env.get("CRYSTAL_OPENAI_MODEL", "text-embedding-3-small"),
		OllamaHost:        env.get("CRYSTAL_OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:       env.get("CRYSTAL_OLLAMA_MODEL", "nomic-embed-text"),
		GoogleKey:         env.get("GOOGLE_API_KEY", ""),
		GoogleModel:       env.get("CRYSTAL_GOOGLE_MODEL", "text-embedding-004"),
		RelayURL:          env.get("CRYSTAL_RELAY_URL", ""),
		RelayToken:        env.get("CRYSTAL_RELAY_TOKEN", ""),
		RelayKeyPath:      env.get("CRYSTAL_RELAY_KEY_PATH", filepath.Join(dataDir, "relay.key")),
		AgentID:           env.get("CRYSTAL_AGENT_ID", "main"),
		SummaryMode:       env.get("CRYSTAL_SUMMARY_MODE", "off"),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	switch cfg.EmbeddingProvider {
	case ProviderOpenAI, ProviderOllama, ProviderGoogle:
	default:
		return nil, fmt.Errorf("config: unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	return cfg, nil
}

// StorePath returns the path to the single-file embedded store under the
// resolved data directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, storeFileName)
}

// resolveDataDir prefers the modern path under the user's home directory
// if it already holds a store, otherwise falls back to the legacy path.
func resolveDataDir() (string, error) {
	if override := os.Getenv("CRYSTAL_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve data dir: %w", err)
	}

	preferred := filepath.Join(home, ".ldm", "memory")
	if _, err := os.Stat(filepath.Join(preferred, storeFileName)); err == nil {
		return preferred, nil
	}

	legacy := filepath.Join(home, ".memory-crystal")
	return legacy, nil
}

// layeredEnv resolves a variable from the process environment first, then
// from a dotenv file inside dataDir, then from an external secret lookup.
type layeredEnv struct {
	dotenv  map[string]string
	secrets SecretLookup
}

func newLayeredEnv(dataDir string, secrets SecretLookup) *layeredEnv {
	dotenv, _ := godotenv.Read(filepath.Join(dataDir, ".env"))
	return &layeredEnv{dotenv: dotenv, secrets: secrets}
}

func (e *layeredEnv) get(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	if v, ok := e.dotenv[key]; ok && v != "" {
		return v
	}
	if e.secrets != nil {
		if v, ok := e.secrets(key); ok && v != "" {
			return v
		}
	}
	return fallback
}
