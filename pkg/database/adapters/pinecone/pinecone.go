package pinecone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/database"
	"github.com/nova-corefabric/corefabric/pkg/database/vector"
	"github.com/nova-corefabric/corefabric/pkg/errors"
)

// NOTE: Pinecone's official Go SDK is often in flux or community maintained.
// Rather than pin to an unstable external module, this adapter speaks
// Pinecone's query/vectors REST API directly over net/http.
// If an official SDK `github.com/pinecone-io/go-pinecone` stabilizes, this
// adapter is the seam to swap it behind.

type PineconeStore struct {
	APIKey      string
	Environment string
	ProjectID   string
	IndexName   string
	httpClient  *http.Client
}

// New creates a new Pinecone adapter.
func New(cfg database.Config) (*PineconeStore, error) {
	if cfg.Driver != database.DriverPinecone {
		return nil, errors.New(errors.CodeInvalidArgument, fmt.Sprintf("invalid driver %s for pinecone adapter", cfg.Driver), nil)
	}

	return &PineconeStore{
		APIKey:      cfg.APIKey,
		Environment: cfg.Environment,
		ProjectID:   cfg.ProjectID,
		IndexName:   cfg.Name,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *PineconeStore) baseURL() string {
	return fmt.Sprintf("https://%s-%s.svc.%s.pinecone.io", p.IndexName, p.ProjectID, p.Environment)
}

func (p *PineconeStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return errors.Wrap(err, "encode pinecone request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL()+path, &reqBody)
	if err != nil {
		return errors.Wrap(err, "build pinecone request")
	}
	req.Header.Set("Api-Key", p.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.New(errors.CodeUnavailable, "pinecone request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.New(errors.CodeUnavailable, fmt.Sprintf("pinecone returned status %d", resp.StatusCode), nil)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type queryMatch struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Metadata map[string]interface{} `json:"metadata"`
}

type queryResponse struct {
	Matches []queryMatch `json:"matches"`
}

// Search implements vector.Store. Pinecone's score is a cosine similarity
// in [0,1] for the indexes this adapter targets, so similarity is returned
// directly and distance as its complement.
func (p *PineconeStore) Search(ctx context.Context, queryVector []float32, limit int) ([]vector.Result, error) {
	var resp queryResponse
	req := queryRequest{Vector: queryVector, TopK: limit, IncludeMetadata: true}
	if err := p.do(ctx, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, err
	}

	results := make([]vector.Result, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		results = append(results, vector.Result{
			ID:         m.ID,
			Similarity: m.Score,
			Distance:   1 - m.Score,
			Metadata:   m.Metadata,
		})
	}
	return results, nil
}

type upsertVector struct {
	ID       string                 `json:"id"`
	Values   []float32              `json:"values"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type upsertRequest struct {
	Vectors []upsertVector `json:"vectors"`
}

func (p *PineconeStore) Upsert(ctx context.Context, id string, vec []float32, metadata map[string]interface{}) error {
	req := upsertRequest{Vectors: []upsertVector{{ID: id, Values: vec, Metadata: metadata}}}
	return p.do(ctx, http.MethodPost, "/vectors/upsert", req, nil)
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func (p *PineconeStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.do(ctx, http.MethodPost, "/vectors/delete", deleteRequest{IDs: ids}, nil)
}

var _ vector.Store = (*PineconeStore)(nil)
