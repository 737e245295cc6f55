package server

import (
	"os"
	"path/filepath"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// Environment variables honored by the server.
const (
	// CacheDirEnv overrides the per-user cache directory.
	CacheDirEnv = "LEMONADE_CACHE_DIR"
	// SDVariantEnv overrides the stable-diffusion accelerator variant.
	SDVariantEnv = "LEMONADE_SDCPP"
	// LlamaArgsEnv supplies extra llama-server flags, shell-quoted.
	LlamaArgsEnv = "LEMONADE_LLAMACPP_ARGS"
)

// Config carries the server's runtime configuration, populated from CLI
// flags and the environment.
type Config struct {
	// Host is the bind address (default localhost).
	Host string
	// Port is the HTTP listen port (default 8000). The WebSocket listener
	// binds Port+100.
	Port int
	// LogLevel is one of debug, info, warning, error.
	LogLevel string
	// ContextSize is the default context length passed to the llama.cpp
	// adapter.
	ContextSize int
	// LlamaVariant pins the llama.cpp accelerator variant; empty selects
	// automatically.
	LlamaVariant string
	// SDVariant pins the stable-diffusion accelerator variant.
	SDVariant string
	// SaveImages persists generated images to ImagesDir.
	SaveImages bool
	// ImagesDir is where generated images are written.
	ImagesDir string
	// CacheDir is the server cache (user catalog, backend binaries).
	CacheDir string
	// WeightsCacheDir is the HF-style weight cache.
	WeightsCacheDir string
	// HubEndpoint overrides the weight hub endpoint; empty uses the public
	// hub.
	HubEndpoint string
	// AllowedOrigins is the CORS allow list.
	AllowedOrigins []string
	// ExtraLlamaArgs are additional llama-server flags.
	ExtraLlamaArgs []string
}

// DefaultConfig resolves defaults and environment overrides.
func DefaultConfig() Config {
	cfg := Config{
		Host:           "localhost",
		Port:           8000,
		LogLevel:       "info",
		SDVariant:      os.Getenv(SDVariantEnv),
		CacheDir:       defaultCacheDir(),
		AllowedOrigins: []string{"*"},
	}
	cfg.WeightsCacheDir = weights.DefaultCacheDir()
	cfg.ImagesDir = filepath.Join(cfg.CacheDir, "generated_images")
	if raw := os.Getenv(LlamaArgsEnv); raw != "" {
		if args, err := shellwords.Parse(raw); err == nil {
			cfg.ExtraLlamaArgs = args
		}
	}
	return cfg
}

// WSPort returns the WebSocket listen port.
func (c Config) WSPort() int {
	return c.Port + 100
}

func defaultCacheDir() string {
	if dir := os.Getenv(CacheDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "lemonade-cache")
	}
	return filepath.Join(home, ".cache", "lemonade")
}
