// Package rank implements the feed engine's scoring and pagination stage:
// feature enrichment, combined scoring, and offset pagination under a
// per-request deadline.
package rank

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/feed"
)

// FeatureStore resolves a subject's feature vector and an author's
// pre-computed profile feature vector for affinity scoring. Missing
// vectors default to zero affinity rather than erroring.
type FeatureStore interface {
	UserFeatures(ctx context.Context, userID string) (feed.FeatureVector, bool, error)
	AuthorProfile(ctx context.Context, authorID string) (feed.FeatureVector, bool, error)
}

// Rank scores and orders candidates in place of the caller's supplied
// slice, respecting cfg.RankingDeadline for the whole call. freshness
// uses each candidate's CreatedAt against now; engagement is a weighted
// sum of counters, min-maxed within the candidate set; affinity is the
// dot product of the user and author feature vectors.
func Rank(ctx context.Context, cfg feed.Config, store FeatureStore, userID string, candidates []feed.Candidate, now time.Time) ([]feed.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.RankingDeadline)
	defer cancel()

	if len(candidates) == 0 {
		return candidates, nil
	}

	userFeatures, _, err := store.UserFeatures(ctx, userID)
	if err != nil {
		userFeatures = nil
	}

	scored := make([]feed.Candidate, len(candidates))
	copy(scored, candidates)

	for i := range scored {
		if ctx.Err() != nil {
			return nil, errors.New(errors.CodeDeadlineExceeded, "ranking deadline exceeded", ctx.Err())
		}
		ageHours := now.Sub(scored[i].CreatedAt).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		scored[i].FreshnessScore = math.Exp(-cfg.DecayLambda * ageHours)
		scored[i].EngagementScore = rawEngagement(scored[i])

		authorFeatures, ok, aerr := store.AuthorProfile(ctx, scored[i].AuthorID)
		if aerr != nil || !ok {
			scored[i].AffinityScore = 0
		} else {
			scored[i].AffinityScore = dot(userFeatures, authorFeatures)
		}
	}

	minMaxNormalizeEngagement(scored)

	w := cfg.Weights
	for i := range scored {
		scored[i].CombinedScore = w.Freshness*scored[i].FreshnessScore +
			w.Engagement*scored[i].EngagementScore +
			w.Affinity*scored[i].AffinityScore +
			w.Recall*scored[i].RecallWeight
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].CombinedScore > scored[j].CombinedScore
	})

	return scored, nil
}

// rawEngagement mirrors the trending job's event weighting, applied here
// per-candidate before min-max normalization.
func rawEngagement(c feed.Candidate) float64 {
	return 0.1*float64(c.Views) + 2*float64(c.Likes) + 3*float64(c.Comments) + 5*float64(c.Shares)
}

func minMaxNormalizeEngagement(candidates []feed.Candidate) {
	if len(candidates) == 0 {
		return
	}
	min, max := candidates[0].EngagementScore, candidates[0].EngagementScore
	for _, c := range candidates {
		if c.EngagementScore < min {
			min = c.EngagementScore
		}
		if c.EngagementScore > max {
			max = c.EngagementScore
		}
	}
	spread := max - min
	for i := range candidates {
		if spread == 0 {
			candidates[i].EngagementScore = 0
			continue
		}
		candidates[i].EngagementScore = (candidates[i].EngagementScore - min) / spread
	}
}

func dot(a, b feed.FeatureVector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var sum float64
	for k, av := range a {
		if bv, ok := b[k]; ok {
			sum += av * bv
		}
	}
	return sum
}

// Page applies offset pagination over an already-ranked set, returning a
// has_more flag for the caller.
func Page(ranked []feed.Candidate, offset, limit int) ([]feed.Candidate, bool) {
	if offset >= len(ranked) {
		return nil, false
	}
	end := offset + limit
	hasMore := end < len(ranked)
	if end > len(ranked) {
		end = len(ranked)
	}
	return ranked[offset:end], hasMore
}
