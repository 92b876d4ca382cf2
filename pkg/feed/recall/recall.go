// Package recall implements the feed engine's candidate-generation stage:
// independent strategies proposing posts, merged by highest weight per
// duplicate.
package recall

import (
	"context"
	"sort"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/feed"
)

// Strategy proposes candidate posts for a user, tagged with its own
// recall source. A strategy that cannot complete within its budget
// contributes nothing rather than failing the whole recall stage — see
// RunAll.
type Strategy interface {
	SourceTag() string
	Recall(ctx context.Context, userID string, limit int) ([]feed.Candidate, error)
}

// RunAll runs every strategy concurrently, each bounded by perStrategyBudget.
// A strategy that errors or exceeds its budget is dropped silently; a
// logging caller can wrap strategies for visibility. Results are merged
// per Merge.
func RunAll(ctx context.Context, strategies []Strategy, userID string, limit int, perStrategyBudget time.Duration) []feed.Candidate {
	type result struct {
		candidates []feed.Candidate
	}

	results := make(chan result, len(strategies))
	for _, s := range strategies {
		go func(s Strategy) {
			sctx, cancel := context.WithTimeout(ctx, perStrategyBudget)
			defer cancel()

			done := make(chan []feed.Candidate, 1)
			go func() {
				cs, err := s.Recall(sctx, userID, limit)
				if err != nil {
					done <- nil
					return
				}
				done <- cs
			}()

			select {
			case cs := <-done:
				results <- result{candidates: cs}
			case <-sctx.Done():
				results <- result{candidates: nil}
			}
		}(s)
	}

	all := make([][]feed.Candidate, 0, len(strategies))
	for i := 0; i < len(strategies); i++ {
		r := <-results
		if len(r.candidates) > 0 {
			all = append(all, r.candidates)
		}
	}
	return Merge(all, limit)
}

// Merge deduplicates candidates by post id across every strategy's output,
// keeping the highest recall weight for a duplicate and that candidate's
// other fields, then returns the top `limit` by weight descending.
func Merge(perStrategy [][]feed.Candidate, limit int) []feed.Candidate {
	best := make(map[string]feed.Candidate)
	order := make([]string, 0)

	for _, candidates := range perStrategy {
		for _, c := range candidates {
			existing, ok := best[c.PostID]
			if !ok {
				best[c.PostID] = c
				order = append(order, c.PostID)
				continue
			}
			if c.RecallWeight > existing.RecallWeight {
				best[c.PostID] = c
			}
		}
	}

	merged := make([]feed.Candidate, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RecallWeight > merged[j].RecallWeight
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
