package rank_test

import (
	"context"
	"testing"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/feed"
	"github.com/nova-corefabric/corefabric/pkg/feed/rank"
)

type fakeStore struct {
	user   feed.FeatureVector
	author map[string]feed.FeatureVector
	delay  time.Duration
}

func (s *fakeStore) UserFeatures(ctx context.Context, userID string) (feed.FeatureVector, bool, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return s.user, s.user != nil, nil
}

func (s *fakeStore) AuthorProfile(ctx context.Context, authorID string) (feed.FeatureVector, bool, error) {
	v, ok := s.author[authorID]
	return v, ok, nil
}

func defaultConfig() feed.Config {
	return feed.Config{
		DecayLambda:     0.08,
		RankingDeadline: 250 * time.Millisecond,
		Weights: feed.Weights{
			Freshness:  0.3,
			Engagement: 0.3,
			Affinity:   0.2,
			Recall:     0.2,
		},
	}
}

func TestRankOrdersByCombinedScoreDescending(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		user:   feed.FeatureVector{"sports": 1.0},
		author: map[string]feed.FeatureVector{"a1": {"sports": 1.0}, "a2": {}},
	}

	candidates := []feed.Candidate{
		{PostID: "old-low", AuthorID: "a2", RecallWeight: 0.1, CreatedAt: now.Add(-48 * time.Hour)},
		{PostID: "new-high", AuthorID: "a1", RecallWeight: 0.9, Likes: 100, Shares: 20, CreatedAt: now.Add(-1 * time.Hour)},
	}

	ranked, err := rank.Rank(context.Background(), defaultConfig(), store, "u1", candidates, now)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if ranked[0].PostID != "new-high" {
		t.Fatalf("expected new-high to rank first, got %+v", ranked)
	}
}

// TestRankRespectsDeadline implements invariant #8: a request whose
// dependency outlasts the ranking deadline returns DeadlineExceeded
// rather than hanging or silently returning unranked candidates.
func TestRankRespectsDeadline(t *testing.T) {
	store := &fakeStore{delay: 500 * time.Millisecond}
	cfg := defaultConfig()
	cfg.RankingDeadline = 20 * time.Millisecond

	candidates := []feed.Candidate{{PostID: "p1"}, {PostID: "p2"}}
	_, err := rank.Rank(context.Background(), cfg, store, "u1", candidates, time.Now())
	if err == nil {
		t.Fatalf("expected a deadline error")
	}
	if errors.CodeOf(err) != errors.CodeDeadlineExceeded {
		t.Fatalf("expected CodeDeadlineExceeded, got %v", errors.CodeOf(err))
	}
}

func TestPageReturnsHasMore(t *testing.T) {
	ranked := []feed.Candidate{{PostID: "p1"}, {PostID: "p2"}, {PostID: "p3"}}

	page, hasMore := rank.Page(ranked, 0, 2)
	if len(page) != 2 || !hasMore {
		t.Fatalf("expected first page of 2 with has_more=true, got %+v hasMore=%v", page, hasMore)
	}

	page, hasMore = rank.Page(ranked, 2, 2)
	if len(page) != 1 || hasMore {
		t.Fatalf("expected last page of 1 with has_more=false, got %+v hasMore=%v", page, hasMore)
	}

	page, hasMore = rank.Page(ranked, 10, 2)
	if len(page) != 0 || hasMore {
		t.Fatalf("expected empty page past the end, got %+v hasMore=%v", page, hasMore)
	}
}
