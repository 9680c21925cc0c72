// Package kb is the tenant knowledge base: documents are embedded and
// stored under a per-tenant namespace, and retrieval is cosine similarity
// with a tenant-configured score floor. Cross-namespace reads are a hard
// error by construction; the namespace is derived from the tenant id
// inside this package and never accepted from callers.
package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	openai "github.com/sashabaranov/go-openai"
	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/pkg/logging"
)

type embeddingClient interface {
	CreateEmbeddings(ctx context.Context, request openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Snippet is one retrieval hit.
type Snippet struct {
	Text   string  `json:"snippet"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

// Retriever is the query capability the support subflow consumes.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, query string, k int) ([]Snippet, error)
}

// Ingestor describes how tenant knowledge is loaded.
type Ingestor interface {
	AddDocuments(ctx context.Context, tenantID string, docs []Document) error
}

// Document is one ingestible knowledge item.
type Document struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

type storedDoc struct {
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Embedding []float32 `json:"embedding"`
}

// RedisStore keeps embeddings in Redis lists keyed by tenant namespace.
type RedisStore struct {
	client embeddingClient
	rdb    *redis.Client
	model  string
	logger *logging.Logger
}

// NewRedisStore wires the store.
func NewRedisStore(client embeddingClient, rdb *redis.Client, model string, logger *logging.Logger) *RedisStore {
	if client == nil {
		panic("kb: embedding client required")
	}
	if rdb == nil {
		panic("kb: redis client required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisStore{client: client, rdb: rdb, model: model, logger: logger.WithComponent("kb")}
}

func namespace(tenantID string) string {
	return fmt.Sprintf("kb:tenant:%s", tenantID)
}

// AddDocuments embeds and stores documents under the tenant's namespace.
func (s *RedisStore) AddDocuments(ctx context.Context, tenantID string, docs []Document) error {
	if tenantID == "" {
		return apperr.New(apperr.CodeInvalidInput, "tenant required")
	}
	if len(docs) == 0 {
		return nil
	}
	inputs := make([]string, len(docs))
	for i, d := range docs {
		inputs[i] = d.Text
	}
	resp, err := s.client.CreateEmbeddings(ctx, &openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(s.model),
		Input: inputs,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeExternalAPI, "embedding request failed", err)
	}
	if len(resp.Data) != len(docs) {
		return apperr.New(apperr.CodeExternalAPI, "embedding response size mismatch")
	}

	key := namespace(tenantID)
	pipe := s.rdb.TxPipeline()
	for i, item := range resp.Data {
		blob, err := json.Marshal(storedDoc{Text: docs[i].Text, Source: docs[i].Source, Embedding: item.Embedding})
		if err != nil {
			return fmt.Errorf("kb: marshal doc: %w", err)
		}
		pipe.RPush(ctx, key, blob)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kb: persist docs: %w", err)
	}
	return nil
}

// Retrieve returns the top-k snippets for the tenant, best first. Scores
// below zero are clamped; thresholding is the caller's policy.
func (s *RedisStore) Retrieve(ctx context.Context, tenantID, query string, k int) ([]Snippet, error) {
	if tenantID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant required")
	}
	if k <= 0 {
		k = 3
	}

	resp, err := s.client.CreateEmbeddings(ctx, &openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(s.model),
		Input: []string{query},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalAPI, "embedding request failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	queryVec := resp.Data[0].Embedding

	entries, err := s.rdb.LRange(ctx, namespace(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("kb: load namespace: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	results := make([]Snippet, 0, len(entries))
	for _, raw := range entries {
		var doc storedDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			s.logger.Warn("corrupt kb entry skipped", "tenant_id", tenantID)
			continue
		}
		results = append(results, Snippet{
			Text:   doc.Text,
			Source: doc.Source,
			Score:  math.Max(0, cosineSimilarity(queryVec, doc.Embedding)),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
