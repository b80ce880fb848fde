package match

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/resilience"
)

// EmbedClientOptions configures the embedding service client.
type EmbedClientOptions struct {
	BaseURL   string
	Dimension int // expected vector width; responses with any other width are rejected
	Timeout   time.Duration
	Retry     resilience.RetryConfig
}

// EmbedClient calls an external sentence-embedding microservice over HTTP.
type EmbedClient struct {
	client *http.Client
	opts   EmbedClientOptions
}

func NewEmbedClient(opts EmbedClientOptions) *EmbedClient {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &EmbedClient{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

type batchEmbedRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbedResponse struct {
	Status     string      `json:"status"`
	Embeddings [][]float32 `json:"embeddings"`
	Dimension  int         `json:"dimension"`
}

// EmbedBatch embeds texts in one round trip. Transient upstream failures are
// retried; a dimension mismatch is permanent.
func (c *EmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(batchEmbedRequest{Texts: texts})
	if err != nil {
		return nil, eris.Wrap(err, "embed: marshal request")
	}

	return resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) ([][]float32, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/embed/batch", bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "embed: build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "embed: request failed"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("embed: service returned status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}

		var out batchEmbedResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, eris.Wrap(err, "embed: decode response")
		}
		if out.Status != "success" {
			return nil, eris.Errorf("embed: service status %q", out.Status)
		}
		if len(out.Embeddings) != len(texts) {
			return nil, eris.Errorf("embed: got %d vectors for %d texts", len(out.Embeddings), len(texts))
		}
		for i, vec := range out.Embeddings {
			if c.opts.Dimension > 0 && len(vec) != c.opts.Dimension {
				return nil, eris.Errorf("embed: vector %d has dimension %d, want %d", i, len(vec), c.opts.Dimension)
			}
		}
		return out.Embeddings, nil
	})
}

// EmbedScorer ranks by cosine similarity of embedded name+org text. Entity
// vectors are cached for the life of the scorer since the roster never
// changes mid-run.
type EmbedScorer struct {
	client *EmbedClient

	mu    sync.RWMutex
	cache map[int64][]float32
}

func NewEmbedScorer(client *EmbedClient) *EmbedScorer {
	return &EmbedScorer{client: client, cache: make(map[int64][]float32)}
}

func (s *EmbedScorer) Method() string { return "embedding" }

func (s *EmbedScorer) Score(ctx context.Context, rec model.NormalizedRecord, ents []model.ReferenceEntity) ([]float64, error) {
	texts := []string{embedText(rec.NameKey, rec.OrgKey)}
	missing := make([]int, 0, len(ents)) // indexes into ents needing embedding

	s.mu.RLock()
	for i, ent := range ents {
		if _, ok := s.cache[ent.ID]; !ok {
			missing = append(missing, i)
			texts = append(texts, entityText(ent))
		}
	}
	s.mu.RUnlock()

	vecs, err := s.client.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	recVec := vecs[0]

	s.mu.Lock()
	for j, i := range missing {
		s.cache[ents[i].ID] = vecs[j+1]
	}
	scores := make([]float64, len(ents))
	for i, ent := range ents {
		scores[i] = cosine(recVec, s.cache[ent.ID])
	}
	s.mu.Unlock()

	return scores, nil
}

func embedText(name, org string) string {
	if org == "" {
		return name
	}
	return fmt.Sprintf("%s, %s", name, org)
}

func entityText(ent model.ReferenceEntity) string {
	return embedText(ent.Name, ent.Org)
}

// cosine maps similarity into [0,1]; mismatched or zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return clamp01((sim + 1) / 2)
}
