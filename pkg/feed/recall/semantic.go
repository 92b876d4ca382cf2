package recall

import (
	"context"

	"github.com/nova-corefabric/corefabric/pkg/database/vector"
	"github.com/nova-corefabric/corefabric/pkg/feed"
)

// EmbeddingLookup resolves a seed embedding (post or user) for semantic
// recall. Embedding generation is an external asynchronous worker; this
// interface only consumes its output.
type EmbeddingLookup interface {
	Embedding(ctx context.Context, seedID string) ([]float32, error)
}

// SemanticStrategy recalls candidates by vector similarity against a seed
// post or user embedding, opaque to this package beyond the candidate
// output shape. Backed by any vector.Store (Pinecone in production).
type SemanticStrategy struct {
	embeddings EmbeddingLookup
	store      vector.Store
}

func NewSemanticStrategy(embeddings EmbeddingLookup, store vector.Store) *SemanticStrategy {
	return &SemanticStrategy{embeddings: embeddings, store: store}
}

func (s *SemanticStrategy) SourceTag() string { return "semantic" }

func (s *SemanticStrategy) Recall(ctx context.Context, userID string, limit int) ([]feed.Candidate, error) {
	seed, err := s.embeddings.Embedding(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(seed) == 0 {
		return nil, nil
	}

	matches, err := s.store.Search(ctx, seed, limit)
	if err != nil {
		return nil, err
	}

	candidates := make([]feed.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, feed.Candidate{
			PostID:       m.ID,
			RecallSource: s.SourceTag(),
			RecallWeight: float64(m.Similarity),
		})
	}
	return candidates, nil
}

var _ Strategy = (*SemanticStrategy)(nil)
