package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zks-assess/config"
	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type embeddingClientImpl struct {
	config     *config.EmbedderConfig
	httpClient *http.Client
}

func NewEmbeddingClient(cfg *config.EmbedderConfig) services.EmbeddingClient {
	return &embeddingClientImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch embeds texts in request-sized slices and reassembles the
// vectors in input order. Slices run concurrently up to MaxConcurrent.
func (s *embeddingClientImpl) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batchSize := s.config.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	maxConcurrent := s.config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for start := 0; start < len(texts); start += batchSize {
		start := start
		end := minInt(start+batchSize, len(texts))
		g.Go(func() error {
			batch, err := s.embedSlice(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (s *embeddingClientImpl) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *embeddingClientImpl) Dimension() int {
	return s.config.Dimension
}

func (s *embeddingClientImpl) ModelName() string {
	return s.config.Model
}

// embedSlice sends one batch to the embedder and validates the reply.
func (s *embeddingClientImpl) embedSlice(ctx context.Context, texts []string) ([][]float32, error) {
	jsonData, err := json.Marshal(embedRequest{Model: s.config.Model, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	url := fmt.Sprintf("%s/embed", s.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		resp, err = s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < s.config.MaxRetries {
				time.Sleep(time.Duration(attempt+1) * time.Second)
				// Rebuild request body for retry
				req.Body = io.NopCloser(bytes.NewBuffer(jsonData))
				continue
			}
			break
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			retryable := resp.StatusCode == 429 || resp.StatusCode >= 500
			if retryable && attempt < s.config.MaxRetries {
				time.Sleep(time.Duration(attempt+1) * time.Second)
				req.Body = io.NopCloser(bytes.NewBuffer(jsonData))
				continue
			}
			if retryable {
				return nil, fmt.Errorf("embedder returned status %d: %w", resp.StatusCode, models.ErrModelUnavailable)
			}
			return nil, fmt.Errorf("embedder returned status %d: %s", resp.StatusCode, string(body))
		}

		var embedResp embedResponse
		err = json.NewDecoder(resp.Body).Decode(&embedResp)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode embed response: %w", err)
		}

		if len(embedResp.Embeddings) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(embedResp.Embeddings), len(texts))
		}
		for i, vec := range embedResp.Embeddings {
			if len(vec) != s.config.Dimension {
				return nil, fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(vec), s.config.Dimension)
			}
			normalizeVector(vec)
		}
		return embedResp.Embeddings, nil
	}

	return nil, fmt.Errorf("embedder unreachable after %d attempts: %v: %w", s.config.MaxRetries+1, lastErr, models.ErrModelUnavailable)
}

// normalizeVector scales in place to unit length so cosine similarity
// reduces to an inner product. Zero vectors are left untouched.
func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
