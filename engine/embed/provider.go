package embed

import (
	"fmt"

	"github.com/nezubytes/foodrec/pkg/config"
	"github.com/nezubytes/foodrec/pkg/metrics"
	"github.com/nezubytes/foodrec/pkg/ollama"
	"github.com/nezubytes/foodrec/pkg/openai"
)

// FromConfig builds the configured provider wrapped in a Guard and, when
// CacheEntries is positive, a Cache.
func FromConfig(cfg config.EmbedConfig, m *metrics.Metrics) (Embedder, error) {
	var provider Embedder
	switch cfg.Provider {
	case "ollama":
		provider = ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaModel, cfg.Dimensions)
	case "openai":
		provider = openai.NewEmbedClient(cfg.OpenAIURL, cfg.OpenAIKey, cfg.OpenAIModel, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("embed: unknown provider %q", cfg.Provider)
	}

	var e Embedder = NewGuard(provider, cfg.Timeout)
	if cfg.CacheEntries > 0 {
		c, err := NewCache(e, cfg.CacheEntries, m)
		if err != nil {
			return nil, err
		}
		e = c
	}
	return e, nil
}
