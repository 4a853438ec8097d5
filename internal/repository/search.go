package repository

import (
	"context"
	"sort"

	"infinite-mcp-memory/internal/embeddings"
	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/storage"
	"infinite-mcp-memory/pkg/types"
)

const (
	// DefaultSimilarityThreshold is the minimum cosine similarity a
	// semantic candidate must reach to be returned.
	DefaultSimilarityThreshold = 0.3
	// DefaultSearchLimit caps result sets when the caller gives no limit.
	DefaultSearchLimit = 10

	lexicalScore = 1.0
)

// SearchLexical returns messages whose text contains query, case-insensitive,
// optionally narrowed to one scope. Matches score a flat 1.0.
func (r *Repository) SearchLexical(ctx context.Context, query, scope string, limit int) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	docs, err := r.store.FindConversations(ctx, &storage.ConversationFilter{
		TextContains: query,
		Scope:        scope,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	results := make([]types.SearchResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, types.SearchResult{Memory: doc, Score: lexicalScore})
	}
	return results, nil
}

// SearchSemantic embeds the query and ranks conversation index entries by
// cosine similarity, keeping those at or above threshold. An empty index for
// the scope returns an empty list without error.
func (r *Repository) SearchSemantic(ctx context.Context, query, scope string, limit int, threshold float64) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	queryVec := r.embedder.Generate(ctx, query)
	entries, err := r.store.FindIndexEntries(ctx, types.SourceConversationHistory, scope)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	type scored struct {
		sourceID string
		score    float64
	}
	candidates := make([]scored, 0, len(entries))
	for i := range entries {
		score := embeddings.CosineSimilarity(queryVec, entries[i].Embedding)
		if score >= threshold {
			candidates = append(candidates, scored{sourceID: entries[i].SourceID, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].sourceID < candidates[j].sourceID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]types.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		doc, err := r.store.GetConversation(ctx, c.sourceID)
		if err != nil {
			// An index row can outlive its document briefly; skip it.
			if memerr.Is(err, memerr.KindNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, types.SearchResult{Memory: *doc, Score: c.score})
	}
	return results, nil
}

// SearchHybrid unions lexical and semantic matches, deduplicating by id with
// the lexical score winning on conflict, then ranks deterministically.
func (r *Repository) SearchHybrid(ctx context.Context, query, scope string, limit int, threshold float64) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	lexical, err := r.SearchLexical(ctx, query, scope, limit)
	if err != nil {
		return nil, err
	}
	semantic, err := r.SearchSemantic(ctx, query, scope, limit, threshold)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(lexical))
	merged := make([]types.SearchResult, 0, len(lexical)+len(semantic))
	for _, res := range lexical {
		seen[res.Memory.ID] = struct{}{}
		merged = append(merged, res)
	}
	for _, res := range semantic {
		if _, dup := seen[res.Memory.ID]; dup {
			continue
		}
		merged = append(merged, res)
	}

	types.SortResults(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// SearchByTag returns messages carrying tag, newest first, scored 1.0.
func (r *Repository) SearchByTag(ctx context.Context, tag, scope string, limit int) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	docs, err := r.store.FindConversations(ctx, &storage.ConversationFilter{
		Tag:   tag,
		Scope: scope,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	results := make([]types.SearchResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, types.SearchResult{Memory: doc, Score: lexicalScore})
	}
	return results, nil
}

// SearchByScope returns messages in scope, newest first, scored 1.0.
func (r *Repository) SearchByScope(ctx context.Context, scope string, limit int) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	docs, err := r.store.FindConversations(ctx, &storage.ConversationFilter{
		Scope: scope,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	results := make([]types.SearchResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, types.SearchResult{Memory: doc, Score: lexicalScore})
	}
	return results, nil
}
