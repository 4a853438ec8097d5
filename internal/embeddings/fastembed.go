package embeddings

import (
	"context"
	"sync"

	"github.com/anush008/fastembed-go"

	memerr "infinite-mcp-memory/internal/errors"
)

// FastEmbedProvider generates embeddings with a local ONNX model.
type FastEmbedProvider struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	modelName string
	dimension int
}

// modelMapping translates HuggingFace-style names to fastembed constants.
var modelMapping = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var modelDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.AllMiniLML6V2: 384,
}

// NewFastEmbedProvider loads (downloading on first use) the named model into
// cacheDir.
func NewFastEmbedProvider(modelName, cacheDir string) (*FastEmbedProvider, error) {
	model, ok := modelMapping[modelName]
	if !ok {
		model = fastembed.EmbeddingModel(modelName)
		if _, known := modelDimensions[model]; !known {
			return nil, memerr.Newf(memerr.KindEmbeddingUnavailable, "unsupported embedding model %q", modelName)
		}
	}
	if cacheDir == "" {
		cacheDir = "local_cache"
	}
	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            512,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindEmbeddingUnavailable, "initialize embedding model", err)
	}
	return &FastEmbedProvider{
		model:     flagEmbed,
		modelName: modelName,
		dimension: modelDimensions[model],
	}, nil
}

// Embed generates the vector for text. The query prefix recommended for BGE
// models is added by the library.
func (p *FastEmbedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	raw, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindEmbeddingUnavailable, "embed text", err)
	}
	vec := make([]float64, len(raw))
	for i, v := range raw {
		vec[i] = float64(v)
	}
	return vec, nil
}

// Dimension returns the model's vector width.
func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// Close releases the ONNX runtime resources.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model.Destroy()
	}
	return nil
}
