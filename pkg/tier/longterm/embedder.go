package longterm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	chromem "github.com/philippgille/chromem-go"

	"github.com/orchestra/tiermem/pkg/memory"
)

// Embedder turns text into a vector. It is chromem's embedding function type
// so chromem's hosted-model clients plug in directly.
type Embedder = chromem.EmbeddingFunc

// Embedder providers.
const (
	ProviderHash         = "hash"
	ProviderOllama       = "ollama"
	ProviderOpenAI       = "openai"
	ProviderOpenAICompat = "openai_compat"
)

// DefaultHashDimensions is the vector size of the hash embedder.
const DefaultHashDimensions = 256

// EmbedderConfig selects and configures an embedder.
type EmbedderConfig struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
}

// NewEmbedder builds the embedder described by cfg.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", ProviderHash:
		dims := cfg.Dimensions
		if dims == 0 {
			dims = DefaultHashDimensions
		}
		return HashEmbedder(dims), nil
	case ProviderOllama:
		if cfg.Model == "" {
			return nil, &memory.ConfigurationError{Field: "tiers.long_term.embedder.model", Reason: "is required for ollama"}
		}
		return chromem.NewEmbeddingFuncOllama(cfg.Model, cfg.BaseURL), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, &memory.ConfigurationError{Field: "tiers.long_term.embedder.api_key", Reason: "is required for openai"}
		}
		model := chromem.EmbeddingModelOpenAI3Small
		if cfg.Model != "" {
			model = chromem.EmbeddingModelOpenAI(cfg.Model)
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, model), nil
	case ProviderOpenAICompat:
		if cfg.Model == "" || cfg.BaseURL == "" {
			return nil, &memory.ConfigurationError{Field: "tiers.long_term.embedder", Reason: "model and base_url are required for openai_compat"}
		}
		return chromem.NewEmbeddingFuncOpenAICompat(cfg.BaseURL, cfg.APIKey, cfg.Model, nil), nil
	default:
		return nil, &memory.ConfigurationError{Field: "tiers.long_term.embedder.provider", Reason: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
}

// HashEmbedder returns a local embedder based on signed feature hashing of
// the tokens produced by memory.Tokenize. Texts sharing words get positive
// cosine similarity; it needs no model and no network.
func HashEmbedder(dims int) Embedder {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		tokens := memory.Tokenize(text)
		if len(tokens) == 0 {
			vec[0] = 1
			return vec, nil
		}

		for _, token := range tokens {
			h := fnv.New32a()
			_, _ = h.Write([]byte(token))
			sum := h.Sum32()
			idx := int(sum % uint32(dims))
			if sum&(1<<31) != 0 {
				vec[idx]--
			} else {
				vec[idx]++
			}
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}
