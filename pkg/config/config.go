// Package config loads service configuration from struct defaults, an
// optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{"config.yaml", "config.yml", "/etc/foodrec/config.yaml"}

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
	Embed   EmbedConfig   `koanf:"embed"`
	Places  PlacesConfig  `koanf:"places"`
	Arbiter ArbiterConfig `koanf:"arbiter"`
	Fusion  FusionConfig  `koanf:"fusion"`
	Neo4j   Neo4jConfig   `koanf:"neo4j"`
	NATS    NATSConfig    `koanf:"nats"`
	Logging LoggingConfig `koanf:"logging"`
}

type ServerConfig struct {
	Port            string        `koanf:"port"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit"` // requests per minute per IP, 0 disables
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type QdrantConfig struct {
	URL                  string `koanf:"url"`
	FoodCollection       string `koanf:"food_collection"`
	RestaurantCollection string `koanf:"restaurant_collection"`
}

type EmbedConfig struct {
	Provider     string        `koanf:"provider"` // ollama | openai
	OllamaURL    string        `koanf:"ollama_url"`
	OllamaModel  string        `koanf:"ollama_model"`
	OpenAIURL    string        `koanf:"openai_url"`
	OpenAIKey    string        `koanf:"openai_api_key"`
	OpenAIModel  string        `koanf:"openai_model"`
	Dimensions   int           `koanf:"dimensions"` // 0 uses the model default
	Timeout      time.Duration `koanf:"timeout"`
	CacheEntries int           `koanf:"cache_entries"`
}

type PlacesConfig struct {
	URL          string        `koanf:"url"`
	APIKey       string        `koanf:"api_key"`
	DefaultPlace string        `koanf:"default_place"`
	Timeout      time.Duration `koanf:"timeout"`
	RatePerSec   float64       `koanf:"rate_per_sec"`
	Burst        int           `koanf:"burst"`
}

type ArbiterConfig struct {
	Kind      string        `koanf:"kind"` // rule | model
	OllamaURL string        `koanf:"ollama_url"`
	Model     string        `koanf:"model"`
	Timeout   time.Duration `koanf:"timeout"`
}

type FusionConfig struct {
	TopK           int           `koanf:"top_k"`
	SearchTimeout  time.Duration `koanf:"search_timeout"`
	PersistTimeout time.Duration `koanf:"persist_timeout"`
}

type Neo4jConfig struct {
	URL      string `koanf:"url"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

type NATSConfig struct {
	URL string `koanf:"url"` // empty disables events and the ingest consumer
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			ShutdownTimeout: 10 * time.Second,
		},
		Qdrant: QdrantConfig{
			URL:                  "localhost:6334",
			FoodCollection:       "food",
			RestaurantCollection: "restaurant",
		},
		Embed: EmbedConfig{
			Provider:     "ollama",
			OllamaURL:    "http://localhost:11434",
			OllamaModel:  "nomic-embed-text",
			OpenAIURL:    "https://api.openai.com/v1",
			OpenAIModel:  "text-embedding-3-small",
			Timeout:      15 * time.Second,
			CacheEntries: 4096,
		},
		Places: PlacesConfig{
			URL:          "https://places.googleapis.com/v1/places:searchText",
			DefaultPlace: "Dhanmondi Dhaka",
			Timeout:      8 * time.Second,
			RatePerSec:   5,
			Burst:        10,
		},
		Arbiter: ArbiterConfig{
			Kind:      "rule",
			OllamaURL: "http://localhost:11434",
			Model:     "llama3.1:8b",
			Timeout:   60 * time.Second,
		},
		Fusion: FusionConfig{
			TopK:           5,
			SearchTimeout:  10 * time.Second,
			PersistTimeout: 10 * time.Second,
		},
		Neo4j: Neo4jConfig{
			URL:  "neo4j://localhost:7687",
			User: "neo4j",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the effective configuration and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if path := findFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Embed.Dimensions == 0 {
		cfg.Embed.Dimensions = defaultDimensions[cfg.Embed.Provider]
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var defaultDimensions = map[string]int{
	"ollama": 768,  // nomic-embed-text
	"openai": 1536, // text-embedding-3-small
}

var envKeys = map[string]string{
	"port":                  "server.port",
	"cors_origins":          "server.cors_origins",
	"rate_limit":            "server.rate_limit",
	"shutdown_timeout":      "server.shutdown_timeout",
	"qdrant_url":            "qdrant.url",
	"qdrant_food":           "qdrant.food_collection",
	"qdrant_restaurant":     "qdrant.restaurant_collection",
	"embed_provider":        "embed.provider",
	"ollama_url":            "embed.ollama_url",
	"embed_model":           "embed.ollama_model",
	"openai_base_url":       "embed.openai_url",
	"openai_api_key":        "embed.openai_api_key",
	"openai_embed_model":    "embed.openai_model",
	"embed_dimensions":      "embed.dimensions",
	"embed_timeout":         "embed.timeout",
	"embed_cache_entries":   "embed.cache_entries",
	"google_places_url":     "places.url",
	"google_places_api_key": "places.api_key",
	"default_place":         "places.default_place",
	"places_timeout":        "places.timeout",
	"arbiter":               "arbiter.kind",
	"arbiter_ollama_url":    "arbiter.ollama_url",
	"chat_model":            "arbiter.model",
	"arbiter_timeout":       "arbiter.timeout",
	"top_k":                 "fusion.top_k",
	"search_timeout":        "fusion.search_timeout",
	"persist_timeout":       "fusion.persist_timeout",
	"neo4j_url":             "neo4j.url",
	"neo4j_user":            "neo4j.user",
	"neo4j_pass":            "neo4j.password",
	"nats_url":              "nats.url",
	"log_level":             "logging.level",
}

// sliceKeys are config paths whose env value is a comma-separated list.
var sliceKeys = map[string]bool{
	"server.cors_origins": true,
}

// envValue maps a known environment variable to its config path. Unknown
// variables map to "" and are skipped.
func envValue(key, value string) (string, any) {
	path := envKeys[strings.ToLower(key)]
	if path == "" || !sliceKeys[path] {
		return path, value
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return path, out
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	switch c.Embed.Provider {
	case "ollama":
	case "openai":
		if c.Embed.OpenAIKey == "" {
			errs = append(errs, errors.New("embed.openai_api_key is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("embed.provider %q is not one of ollama, openai", c.Embed.Provider))
	}
	if c.Embed.Dimensions < 0 {
		errs = append(errs, errors.New("embed.dimensions must not be negative"))
	}
	if c.Arbiter.Kind != "rule" && c.Arbiter.Kind != "model" {
		errs = append(errs, fmt.Errorf("arbiter.kind %q is not one of rule, model", c.Arbiter.Kind))
	}
	if c.Fusion.TopK <= 0 {
		errs = append(errs, errors.New("fusion.top_k must be positive"))
	}
	if c.Qdrant.FoodCollection == "" || c.Qdrant.RestaurantCollection == "" {
		errs = append(errs, errors.New("qdrant collection names are required"))
	}
	if c.Qdrant.FoodCollection == c.Qdrant.RestaurantCollection {
		errs = append(errs, errors.New("qdrant food and restaurant collections must differ"))
	}
	return errors.Join(errs...)
}
