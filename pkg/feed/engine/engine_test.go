package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/auth"
	"github.com/nova-corefabric/corefabric/pkg/database/vector"
	"github.com/nova-corefabric/corefabric/pkg/feed"
	"github.com/nova-corefabric/corefabric/pkg/feed/engine"
	"github.com/nova-corefabric/corefabric/pkg/feed/rank"
	"github.com/nova-corefabric/corefabric/pkg/feed/recall"
)

type stubStrategy struct {
	tag        string
	candidates []feed.Candidate
	err        error
}

func (s *stubStrategy) SourceTag() string { return s.tag }
func (s *stubStrategy) Recall(ctx context.Context, userID string, limit int) ([]feed.Candidate, error) {
	return s.candidates, s.err
}

type stubFeatureStore struct{}

func (stubFeatureStore) UserFeatures(ctx context.Context, userID string) (feed.FeatureVector, bool, error) {
	return nil, false, nil
}
func (stubFeatureStore) AuthorProfile(ctx context.Context, authorID string) (feed.FeatureVector, bool, error) {
	return nil, false, nil
}

type stubRankedCache struct {
	cached []feed.Candidate
	ok     bool
}

func (c *stubRankedCache) Get(ctx context.Context, userID string) ([]feed.Candidate, bool, error) {
	return c.cached, c.ok, nil
}
func (c *stubRankedCache) Put(ctx context.Context, userID string, ranked []feed.Candidate) error {
	c.cached = ranked
	c.ok = len(ranked) > 0
	return nil
}

type stubTrending struct {
	list []feed.Candidate
}

func (t *stubTrending) TrendingList(ctx context.Context, window string, limit int) ([]feed.Candidate, error) {
	return t.list, nil
}

func defaultCfg() feed.Config {
	return feed.Config{
		DecayLambda:       0.08,
		RankingDeadline:   250 * time.Millisecond,
		PerStrategyBudget: 80 * time.Millisecond,
		Weights:           feed.Weights{Freshness: 0.3, Engagement: 0.3, Affinity: 0.2, Recall: 0.2},
	}
}

func TestGetFeedHappyPath(t *testing.T) {
	strategies := []recall.Strategy{
		&stubStrategy{tag: "follow", candidates: []feed.Candidate{
			{PostID: "p1", RecallSource: "follow", RecallWeight: 0.9, CreatedAt: time.Now()},
			{PostID: "p2", RecallSource: "follow", RecallWeight: 0.5, CreatedAt: time.Now()},
		}},
	}
	e := engine.New(defaultCfg(), strategies, stubFeatureStore{}, &stubRankedCache{}, &stubTrending{}, nil, nil, nil)

	result, err := e.GetFeed(context.Background(), "u1", 10, 0)
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if result.Degraded {
		t.Fatalf("expected a non-degraded result")
	}
	if len(result.Posts) != 2 {
		t.Fatalf("expected 2 posts, got %+v", result.Posts)
	}
}

// TestGetFeedFallsBackToCacheWhenRecallEmpty implements the §4.4.5 fallback
// chain's first tier: when the live pipeline yields nothing, the engine
// serves the last cached ranked list for the user, flagged as degraded.
func TestGetFeedFallsBackToCacheWhenRecallEmpty(t *testing.T) {
	cache := &stubRankedCache{cached: []feed.Candidate{{PostID: "cached-1"}}, ok: true}
	e := engine.New(defaultCfg(), nil, stubFeatureStore{}, cache, &stubTrending{list: []feed.Candidate{{PostID: "trending-1"}}}, nil, nil, nil)

	result, err := e.GetFeed(context.Background(), "u1", 10, 0)
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if !result.Degraded {
		t.Fatalf("expected a degraded result")
	}
	if len(result.Posts) != 1 || result.Posts[0].PostID != "cached-1" {
		t.Fatalf("expected the cached list, got %+v", result.Posts)
	}
}

// TestGetFeedFallsBackToTrendingWhenNoCache implements the §4.4.5 fallback
// chain's second tier.
func TestGetFeedFallsBackToTrendingWhenNoCache(t *testing.T) {
	e := engine.New(defaultCfg(), nil, stubFeatureStore{}, &stubRankedCache{}, &stubTrending{list: []feed.Candidate{{PostID: "trending-1"}}}, nil, nil, nil)

	result, err := e.GetFeed(context.Background(), "u1", 10, 0)
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if !result.Degraded {
		t.Fatalf("expected a degraded result")
	}
	if len(result.Posts) != 1 || result.Posts[0].PostID != "trending-1" {
		t.Fatalf("expected the trending list, got %+v", result.Posts)
	}
}

// TestGetFeedReturnsEmptyDiagnosticWhenAllTiersFail implements the §4.4.5
// fallback chain's last tier: an empty list with a diagnostic flag.
func TestGetFeedReturnsEmptyDiagnosticWhenAllTiersFail(t *testing.T) {
	e := engine.New(defaultCfg(), nil, stubFeatureStore{}, &stubRankedCache{}, &stubTrending{}, nil, nil, nil)

	result, err := e.GetFeed(context.Background(), "u1", 10, 0)
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if !result.Degraded {
		t.Fatalf("expected degraded=true as the diagnostic flag")
	}
	if len(result.Posts) != 0 {
		t.Fatalf("expected no posts, got %+v", result.Posts)
	}
}

func TestRankDelegatesToRankingPipeline(t *testing.T) {
	e := engine.New(defaultCfg(), nil, stubFeatureStore{}, &stubRankedCache{}, &stubTrending{}, nil, nil, nil)

	candidates := []feed.Candidate{
		{PostID: "old", CreatedAt: time.Now().Add(-72 * time.Hour)},
		{PostID: "new", CreatedAt: time.Now()},
	}
	ranked, err := e.Rank(context.Background(), "", "u1", candidates, 10)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if len(ranked) != 2 || ranked[0].PostID != "new" {
		t.Fatalf("expected fresher candidate ranked first, got %+v", ranked)
	}
}

type stubVerifier struct {
	validToken string
}

func (v stubVerifier) Verify(ctx context.Context, token string) (*auth.Claims, error) {
	if token != v.validToken {
		return nil, errors.New("invalid service token")
	}
	return &auth.Claims{Subject: "service"}, nil
}

// Rank's service-token gate rejects a bad token and passes through a good one.
func TestRankRejectsInvalidServiceToken(t *testing.T) {
	e := engine.New(defaultCfg(), nil, stubFeatureStore{}, &stubRankedCache{}, &stubTrending{}, nil, nil, stubVerifier{validToken: "good-token"})

	candidates := []feed.Candidate{{PostID: "p1", CreatedAt: time.Now()}}

	if _, err := e.Rank(context.Background(), "bad-token", "u1", candidates, 10); err == nil {
		t.Fatal("expected an error for an invalid service token")
	}

	ranked, err := e.Rank(context.Background(), "good-token", "u1", candidates, 10)
	if err != nil {
		t.Fatalf("Rank with a valid token: %v", err)
	}
	if len(ranked) != 1 {
		t.Fatalf("expected the candidate through once verified, got %+v", ranked)
	}
}

type stubEmbeddings struct {
	vec []float32
	err error
}

func (s stubEmbeddings) Embedding(ctx context.Context, seedID string) ([]float32, error) {
	return s.vec, s.err
}

type stubVectorStore struct {
	results []vector.Result
	err     error
}

func (s *stubVectorStore) Search(ctx context.Context, queryVector []float32, limit int) ([]vector.Result, error) {
	return s.results, s.err
}
func (s *stubVectorStore) Upsert(ctx context.Context, id string, v []float32, metadata map[string]interface{}) error {
	return nil
}
func (s *stubVectorStore) Delete(ctx context.Context, ids ...string) error { return nil }

func TestSemanticSearchReturnsMatches(t *testing.T) {
	store := &stubVectorStore{results: []vector.Result{{ID: "p9", Similarity: 0.8, Distance: 0.2}}}
	e := engine.New(defaultCfg(), nil, stubFeatureStore{}, &stubRankedCache{}, &stubTrending{}, stubEmbeddings{vec: []float32{0.1, 0.2}}, store, nil)

	results, err := e.SemanticSearch(context.Background(), "p1", 5)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(results) != 1 || results[0].ID != "p9" {
		t.Fatalf("expected the vector store's match, got %+v", results)
	}
}

func TestSemanticSearchPropagatesLookupError(t *testing.T) {
	e := engine.New(defaultCfg(), nil, stubFeatureStore{}, &stubRankedCache{}, &stubTrending{}, stubEmbeddings{err: errors.New("embedding unavailable")}, &stubVectorStore{}, nil)

	if _, err := e.SemanticSearch(context.Background(), "p1", 5); err == nil {
		t.Fatalf("expected an error when the embedding lookup fails")
	}
}

var _ rank.FeatureStore = stubFeatureStore{}
