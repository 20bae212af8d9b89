package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"example.com/receiptops/config"
	"example.com/receiptops/internal/vectorstore"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Store is a minimal REST client to Qdrant. Collections use cosine distance;
// point IDs are the entity UUIDs so search hits map straight back to rows.
type Store struct {
	url    string
	apiKey string
	client *http.Client
}

// NewStore creates a Qdrant-backed similarity store
func NewStore(cfg config.QdrantConfig) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

// Init creates the collection if missing. Qdrant answers 200 for an existing
// collection with the same schema.
func (s *Store) Init(ctx context.Context, collection vectorstore.Collection, dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	return s.do(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", s.url, collection), body, nil)
}

// Upsert inserts or replaces the vector stored under the entity ID
func (s *Store) Upsert(ctx context.Context, collection vectorstore.Collection, id uuid.UUID, vector []float64) error {
	body := map[string]interface{}{
		"points": []map[string]interface{}{
			{
				"id":     id.String(),
				"vector": vector,
			},
		},
	}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, collection)
	return s.do(ctx, http.MethodPut, url, body, nil)
}

// Query returns up to k nearest entries by cosine similarity, descending
func (s *Store) Query(ctx context.Context, collection vectorstore.Collection, vector []float64, k int) ([]vectorstore.Hit, error) {
	if k <= 0 {
		k = 5
	}
	body := map[string]interface{}{
		"vector": vector,
		"limit":  k,
	}
	var resp struct {
		Result []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", s.url, collection)
	if err := s.do(ctx, http.MethodPost, url, body, &resp); err != nil {
		return nil, err
	}
	hits := make([]vectorstore.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			continue
		}
		hits = append(hits, vectorstore.Hit{ID: id, Similarity: r.Score})
	}
	return hits, nil
}

// Delete removes the vector stored under the entity ID, if present
func (s *Store) Delete(ctx context.Context, collection vectorstore.Collection, id uuid.UUID) error {
	body := map[string]interface{}{
		"points": []string{id.String()},
	}
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, collection)
	return s.do(ctx, http.MethodPost, url, body, nil)
}

func (s *Store) do(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal qdrant request")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to build qdrant request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "qdrant request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("qdrant returned %d: %s", resp.StatusCode, string(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed to decode qdrant response")
		}
	}
	return nil
}
