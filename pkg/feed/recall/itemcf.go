package recall

import (
	"context"
	"sort"

	"github.com/nova-corefabric/corefabric/pkg/feed"
)

// SimilarItemsLookup resolves pre-computed item-to-item similarity. The
// build pipeline for this similarity data (co-interaction, content and
// engagement correlation) lives outside this core; this interface is the
// seam.
type SimilarItemsLookup interface {
	RecentItems(ctx context.Context, userID string, maxSeeds int) ([]string, error)
	SimilarItems(ctx context.Context, postID string, limit int) ([]ItemScore, error)
}

// ItemScore is one similarity match against a seed item.
type ItemScore struct {
	PostID     string
	Similarity float64
}

// ItemCFStrategy recalls candidates by looking up similar items for each
// of the user's recently-interacted items, decaying weight by seed
// recency and aggregating by max score across seeds.
type ItemCFStrategy struct {
	lookup           SimilarItemsLookup
	maxSeedItems     int
	similarPerSeed   int
	minSimilarity    float64
	recencyDecayStep float64
}

// NewItemCFStrategy constructs an ItemCFStrategy with the pack's observed
// tunables (20 max seeds, 10 similar items per seed, 0.1 minimum
// similarity, 0.05 recency decay per seed position).
func NewItemCFStrategy(lookup SimilarItemsLookup) *ItemCFStrategy {
	return &ItemCFStrategy{
		lookup:           lookup,
		maxSeedItems:     20,
		similarPerSeed:   10,
		minSimilarity:    0.1,
		recencyDecayStep: 0.05,
	}
}

func (s *ItemCFStrategy) SourceTag() string { return "item_cf" }

func (s *ItemCFStrategy) Recall(ctx context.Context, userID string, limit int) ([]feed.Candidate, error) {
	seeds, err := s.lookup.RecentItems(ctx, userID, s.maxSeedItems)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	seedSet := make(map[string]bool, len(seeds))
	for _, id := range seeds {
		seedSet[id] = true
	}

	best := make(map[string]float64)
	for idx, seed := range seeds {
		similar, err := s.lookup.SimilarItems(ctx, seed, s.similarPerSeed)
		if err != nil {
			continue
		}

		recencyDecay := 1.0 - float64(idx)*s.recencyDecayStep
		if recencyDecay < 0.5 {
			recencyDecay = 0.5
		}

		for _, item := range similar {
			if item.Similarity < s.minSimilarity || seedSet[item.PostID] {
				continue
			}
			weighted := item.Similarity * recencyDecay
			if existing, ok := best[item.PostID]; !ok || weighted > existing {
				best[item.PostID] = weighted
			}
		}
	}

	type scored struct {
		postID string
		score  float64
	}
	ordered := make([]scored, 0, len(best))
	for id, score := range best {
		ordered = append(ordered, scored{postID: id, score: score})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}

	candidates := make([]feed.Candidate, 0, len(ordered))
	for _, o := range ordered {
		weight := o.score
		if weight > 1.0 {
			weight = 1.0
		}
		if weight < 0.1 {
			weight = 0.1
		}
		candidates = append(candidates, feed.Candidate{
			PostID:       o.postID,
			RecallSource: s.SourceTag(),
			RecallWeight: weight,
		})
	}
	return candidates, nil
}

var _ Strategy = (*ItemCFStrategy)(nil)
