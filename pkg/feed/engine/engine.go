// Package engine wires candidate recall, ranking and the online feature
// store behind circuit breakers into the feed core's external surface:
// get_feed, rank and semantic_search.
package engine

import (
	"context"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/auth"
	"github.com/nova-corefabric/corefabric/pkg/database/vector"
	"github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/feed"
	"github.com/nova-corefabric/corefabric/pkg/feed/rank"
	"github.com/nova-corefabric/corefabric/pkg/feed/recall"
	"github.com/nova-corefabric/corefabric/pkg/logger"
	"github.com/nova-corefabric/corefabric/pkg/resilience"
)

// RankedCache persists the most recently computed ranked list for a user —
// the engine's first fallback tier when the live pipeline degrades.
type RankedCache interface {
	Get(ctx context.Context, userID string) ([]feed.Candidate, bool, error)
	Put(ctx context.Context, userID string, ranked []feed.Candidate) error
}

// TrendingSource supplies the engine's second fallback tier: the
// pre-computed, unpersonalized trending list.
type TrendingSource interface {
	TrendingList(ctx context.Context, window string, limit int) ([]feed.Candidate, error)
}

// Result is the external shape of get_feed.
type Result struct {
	Posts    []feed.Candidate
	HasMore  bool
	Degraded bool
}

// Engine composes recall, ranking, the online feature store and a
// degrade-in-tiers fallback chain behind per-dependency circuit breakers.
type Engine struct {
	cfg         feed.Config
	strategies  []recall.Strategy
	features    rank.FeatureStore
	rankedCache RankedCache
	trending    TrendingSource
	embeddings  recall.EmbeddingLookup
	vectorStore vector.Store
	verifier    auth.Verifier // gates Rank; nil means the deployment has no service-token boundary in front of it

	recallBreaker   *resilience.CircuitBreaker
	rankBreaker     *resilience.CircuitBreaker
	semanticBreaker *resilience.CircuitBreaker

	now func() time.Time
}

func New(
	cfg feed.Config,
	strategies []recall.Strategy,
	features rank.FeatureStore,
	rankedCache RankedCache,
	trendingSource TrendingSource,
	embeddings recall.EmbeddingLookup,
	vectorStore vector.Store,
	verifier auth.Verifier,
) *Engine {
	return &Engine{
		cfg:             cfg,
		strategies:      strategies,
		features:        features,
		rankedCache:     rankedCache,
		trending:        trendingSource,
		embeddings:      embeddings,
		vectorStore:     vectorStore,
		verifier:        verifier,
		recallBreaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("feed.recall")),
		rankBreaker:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("feed.rank")),
		semanticBreaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("feed.semantic")),
		now:             time.Now,
	}
}

// GetFeed implements get_feed(user_id, limit, offset) -> (posts[], has_more).
func (e *Engine) GetFeed(ctx context.Context, userID string, limit, offset int) (Result, error) {
	if limit <= 0 {
		limit = 20
	}

	ranked, degraded := e.rankedFeed(ctx, userID, limit+offset)
	if e.rankedCache != nil && !degraded {
		_ = e.rankedCache.Put(ctx, userID, ranked)
	}

	page, hasMore := rank.Page(ranked, offset, limit)
	return Result{Posts: page, HasMore: hasMore, Degraded: degraded}, nil
}

// Rank implements rank(service_token, user_id, candidate_ids[], limit) ->
// ranked[] for internal callers that already hold their own candidate set,
// bypassing recall entirely. When the engine carries a verifier, the
// caller's service token is checked first; an engine with no verifier
// configured never gates this call.
func (e *Engine) Rank(ctx context.Context, serviceToken, userID string, candidates []feed.Candidate, limit int) ([]feed.Candidate, error) {
	if e.verifier != nil {
		if _, err := e.verifier.Verify(ctx, serviceToken); err != nil {
			return nil, errors.Wrap(err, "rank: service token verification failed")
		}
	}

	var ranked []feed.Candidate
	err := e.rankBreaker.Execute(ctx, func(ctx context.Context) error {
		r, rerr := rank.Rank(ctx, e.cfg, e.features, userID, candidates, e.now())
		if rerr != nil {
			return rerr
		}
		ranked = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// SemanticSearch implements semantic_search(post_id, limit) ->
// [{post_id, similarity, distance}], guarded by its own breaker since it
// depends only on the vector store, not on recall or ranking.
func (e *Engine) SemanticSearch(ctx context.Context, postID string, limit int) ([]vector.Result, error) {
	if e.embeddings == nil || e.vectorStore == nil {
		return nil, errors.New(errors.CodeUnavailable, "semantic search not configured", nil)
	}

	var results []vector.Result
	err := e.semanticBreaker.Execute(ctx, func(ctx context.Context) error {
		seed, serr := e.embeddings.Embedding(ctx, postID)
		if serr != nil {
			return serr
		}
		if len(seed) == 0 {
			results = nil
			return nil
		}
		matches, merr := e.vectorStore.Search(ctx, seed, limit)
		if merr != nil {
			return merr
		}
		results = matches
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// rankedFeed runs the live recall+rank pipeline behind its breakers and
// falls through the tiers described in the fallback chain: cached ranked
// list, then trending, then an empty list with degraded=true.
func (e *Engine) rankedFeed(ctx context.Context, userID string, poolSize int) ([]feed.Candidate, bool) {
	fresh, err := e.computeFresh(ctx, userID, poolSize)
	if err == nil {
		return fresh, false
	}
	logger.L().WarnContext(ctx, "feed pipeline degraded, falling back", "user_id", userID, "error", err)

	if e.rankedCache != nil {
		if cached, ok, cerr := e.rankedCache.Get(ctx, userID); cerr == nil && ok && len(cached) > 0 {
			return cached, true
		}
	}

	if e.trending != nil {
		if list, terr := e.trending.TrendingList(ctx, "daily", poolSize); terr == nil && len(list) > 0 {
			return list, true
		}
	}

	return nil, true
}

func (e *Engine) computeFresh(ctx context.Context, userID string, poolSize int) ([]feed.Candidate, error) {
	var candidates []feed.Candidate
	err := e.recallBreaker.Execute(ctx, func(ctx context.Context) error {
		candidates = recall.RunAll(ctx, e.strategies, userID, poolSize, e.cfg.PerStrategyBudget)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.CodeNotFound, "recall produced no candidates", nil)
	}

	var ranked []feed.Candidate
	err = e.rankBreaker.Execute(ctx, func(ctx context.Context) error {
		r, rerr := rank.Rank(ctx, e.cfg, e.features, userID, candidates, e.now())
		if rerr != nil {
			return rerr
		}
		ranked = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ranked, nil
}
