package recall

import (
	"context"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/feed"
)

// FollowGraphLookup resolves recent posts authored by users the subject
// follows. Follow-graph storage and the posts table itself are external
// collaborators (primary stores owned by other services).
type FollowGraphLookup interface {
	RecentPostsFromFollowed(ctx context.Context, userID string, limit int) ([]FollowedPost, error)
}

// FollowedPost is one candidate surfaced by the follow-graph strategy.
type FollowedPost struct {
	PostID    string
	AuthorID  string
	CreatedAt time.Time
}

// FollowGraphStrategy recalls recent posts from users the subject follows.
// Weight decays with a post's position in the lookup's result; a lookup
// that already orders by recency is trusted to return the freshest posts
// first, so weight here is purely rank-based.
type FollowGraphStrategy struct {
	lookup FollowGraphLookup
}

func NewFollowGraphStrategy(lookup FollowGraphLookup) *FollowGraphStrategy {
	return &FollowGraphStrategy{lookup: lookup}
}

func (s *FollowGraphStrategy) SourceTag() string { return "follow" }

func (s *FollowGraphStrategy) Recall(ctx context.Context, userID string, limit int) ([]feed.Candidate, error) {
	posts, err := s.lookup.RecentPostsFromFollowed(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	candidates := make([]feed.Candidate, 0, len(posts))
	n := len(posts)
	for i, p := range posts {
		weight := 1.0 - float64(i)/float64(n+1)
		candidates = append(candidates, feed.Candidate{
			PostID:       p.PostID,
			AuthorID:     p.AuthorID,
			RecallSource: s.SourceTag(),
			RecallWeight: weight,
			CreatedAt:    p.CreatedAt,
		})
	}
	return candidates, nil
}

var _ Strategy = (*FollowGraphStrategy)(nil)
