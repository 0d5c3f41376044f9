package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zks-assess/config"
	"github.com/zks-assess/models"
)

func embedderTestConfig(baseURL string) *config.EmbedderConfig {
	return &config.EmbedderConfig{
		BaseURL:       baseURL,
		Model:         "test-embedder",
		Dimension:     3,
		BatchSize:     32,
		Timeout:       5,
		MaxRetries:    0,
		MaxConcurrent: 4,
	}
}

// indexedEmbedServer returns, for each text "odlomak N", the raw vector
// [N, 1, 0]. After client-side normalization the ratio v[0]/v[1] still
// equals N, which pins every vector to its input position.
func indexedEmbedServer(t *testing.T, batchSizes *[]int, mu *sync.Mutex) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		*batchSizes = append(*batchSizes, len(req.Texts))
		mu.Unlock()

		var resp embedResponse
		for _, text := range req.Texts {
			var n int
			_, err := fmt.Sscanf(text, "odlomak %d", &n)
			require.NoError(t, err)
			resp.Embeddings = append(resp.Embeddings, []float32{float32(n), 1, 0})
		}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	}))
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestEmbeddingClient_EmbedBatch(t *testing.T) {
	t.Run("splits into batches and preserves input order", func(t *testing.T) {
		var mu sync.Mutex
		var batchSizes []int
		server := indexedEmbedServer(t, &batchSizes, &mu)
		defer server.Close()

		client := NewEmbeddingClient(embedderTestConfig(server.URL))

		texts := make([]string, 70)
		for i := range texts {
			texts[i] = fmt.Sprintf("odlomak %d", i)
		}

		vectors, err := client.EmbedBatch(context.Background(), texts)
		require.NoError(t, err)
		require.Len(t, vectors, 70)

		// 70 texts at batch size 32 -> 32 + 32 + 6
		mu.Lock()
		sort.Ints(batchSizes)
		assert.Equal(t, []int{6, 32, 32}, batchSizes)
		mu.Unlock()

		for _, i := range []int{0, 31, 32, 69} {
			require.Len(t, vectors[i], 3)
			assert.InDelta(t, 1.0, vectorNorm(vectors[i]), 1e-6)
			assert.InDelta(t, float64(i), float64(vectors[i][0]/vectors[i][1]), 0.01)
		}
	})

	t.Run("normalizes returned vectors to unit length", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{3, 4, 0}}})
		}))
		defer server.Close()

		client := NewEmbeddingClient(embedderTestConfig(server.URL))

		vectors, err := client.EmbedBatch(context.Background(), []string{"tekst"})
		require.NoError(t, err)
		require.Len(t, vectors, 1)
		assert.InDelta(t, 0.6, float64(vectors[0][0]), 1e-6)
		assert.InDelta(t, 0.8, float64(vectors[0][1]), 1e-6)
		assert.InDelta(t, 0.0, float64(vectors[0][2]), 1e-6)
	})

	t.Run("rejects vectors with the wrong dimension", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2}}})
		}))
		defer server.Close()

		client := NewEmbeddingClient(embedderTestConfig(server.URL))

		_, err := client.EmbedBatch(context.Background(), []string{"tekst"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension 2, expected 3")
	})

	t.Run("rejects a vector count that does not match the input", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 0, 0}}})
		}))
		defer server.Close()

		client := NewEmbeddingClient(embedderTestConfig(server.URL))

		_, err := client.EmbedBatch(context.Background(), []string{"prvi", "drugi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "returned 1 vectors for 2 texts")
	})

	t.Run("empty input makes no requests", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			mu.Unlock()
		}))
		defer server.Close()

		client := NewEmbeddingClient(embedderTestConfig(server.URL))

		vectors, err := client.EmbedBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Nil(t, vectors)
		mu.Lock()
		assert.Equal(t, 0, calls)
		mu.Unlock()
	})
}

func TestEmbeddingClient_Retries(t *testing.T) {
	t.Run("retries 429 and succeeds", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 0, 0}}})
		}))
		defer server.Close()

		cfg := embedderTestConfig(server.URL)
		cfg.MaxRetries = 2
		client := NewEmbeddingClient(cfg)

		vectors, err := client.EmbedBatch(context.Background(), []string{"tekst"})
		require.NoError(t, err)
		require.Len(t, vectors, 1)
		mu.Lock()
		assert.Equal(t, 2, calls)
		mu.Unlock()
	})

	t.Run("persistent 503 maps to ErrModelUnavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := NewEmbeddingClient(embedderTestConfig(server.URL))

		_, err := client.EmbedBatch(context.Background(), []string{"tekst"})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrModelUnavailable)
	})

	t.Run("unreachable embedder maps to ErrModelUnavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		client := NewEmbeddingClient(embedderTestConfig(server.URL))

		_, err := client.EmbedBatch(context.Background(), []string{"tekst"})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrModelUnavailable)
	})

	t.Run("client errors are not retried and not masked as unavailable", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			mu.Unlock()
			http.Error(w, "texts must not be empty strings", http.StatusBadRequest)
		}))
		defer server.Close()

		cfg := embedderTestConfig(server.URL)
		cfg.MaxRetries = 2
		client := NewEmbeddingClient(cfg)

		_, err := client.EmbedBatch(context.Background(), []string{""})
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrModelUnavailable)
		assert.Contains(t, err.Error(), "status 400")
		mu.Lock()
		assert.Equal(t, 1, calls)
		mu.Unlock()
	})
}

func TestEmbeddingClient_EmbedQuery(t *testing.T) {
	var mu sync.Mutex
	var batchSizes []int
	server := indexedEmbedServer(t, &batchSizes, &mu)
	defer server.Close()

	client := NewEmbeddingClient(embedderTestConfig(server.URL))

	vector, err := client.EmbedQuery(context.Background(), "odlomak 5")
	require.NoError(t, err)
	require.Len(t, vector, 3)
	assert.InDelta(t, 1.0, vectorNorm(vector), 1e-6)

	mu.Lock()
	assert.Equal(t, []int{1}, batchSizes)
	mu.Unlock()
}

func TestEmbeddingClient_Accessors(t *testing.T) {
	client := NewEmbeddingClient(embedderTestConfig("http://localhost:1"))
	assert.Equal(t, 3, client.Dimension())
	assert.Equal(t, "test-embedder", client.ModelName())
}

func TestNormalizeVector(t *testing.T) {
	vec := []float32{3, 4, 0}
	normalizeVector(vec)
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)

	zero := []float32{0, 0, 0}
	normalizeVector(zero)
	assert.Equal(t, []float32{0, 0, 0}, zero)
}
