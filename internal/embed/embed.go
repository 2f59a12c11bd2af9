// Package embed implements the Embedder (C1): turning chunk text into
// fixed-dimension vectors, with retry and caching around the transport.
//
// The HTTP transport shape (request/response JSON, header selection, timeout
// handling) is adapted from internal/embedding/client.go's EmbedText and
// CheckReachability. The Embedder interface and its single-request-per-chunk
// batching default are adapted from internal/rag/embedder/embedder.go's
// clientEmbedder/Embedder; its deterministicEmbedder is the model for
// DeterministicEmbedder below, which computes vectors locally and does not go
// through the HTTP transport, retry, or cache.
// Retry uses github.com/cenkalti/backoff/v5 (a teacher indirect dependency,
// promoted to direct here since this is the first component that needs
// retry-with-backoff). The result cache uses
// github.com/hashicorp/golang-lru/v2, keyed by a SHA-256 digest of the input
// text plus model name, since no teacher or pack repo ships an embedding
// cache and golang-lru is already the idiomatic in-pack choice for bounded
// caches (see internal/rag/obs and friends' use of sync primitives generally,
// and the pack's broader use of hashicorp libraries).
package embed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"ric/internal/ricerrors"
)

// Embedder converts text to embedding vectors. Implementations must be safe
// for concurrent use: the ingestion pipeline calls EmbedBatch from multiple
// worker goroutines.
type Embedder interface {
	// EmbedBatch returns one embedding per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
	Ping(ctx context.Context) error
}

// HTTPConfig configures the HTTP transport to an embeddings endpoint.
type HTTPConfig struct {
	BaseURL   string
	Path      string
	Model     string
	APIKey    string
	APIHeader string // "Authorization" sends "Bearer <key>"; any other name sends the raw key
	Timeout   time.Duration
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func callEmbedEndpoint(ctx context.Context, cfg HTTPConfig, client *http.Client, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	reqBody, err := json.Marshal(embedReq{Model: cfg.Model, Input: inputs})
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.Internal, "marshal embed request", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, cfg.BaseURL+cfg.Path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.Internal, "build embed request", err)
	}
	if cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	} else if cfg.APIHeader != "" {
		req.Header.Set(cfg.APIHeader, cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if cctx.Err() != nil {
			return nil, ricerrors.Wrap(ricerrors.Timeout, "embed request timed out", err)
		}
		return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "embed request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "read embed response", err)
	}
	if resp.StatusCode/100 != 2 {
		kind := ricerrors.DependencyUnavailable
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = ricerrors.DependencyUnavailable
		} else {
			kind = ricerrors.BadInput
		}
		return nil, ricerrors.New(kind, fmt.Sprintf("embed endpoint returned %s: %s", resp.Status, truncate(string(body), 200)))
	}

	var er embedResp
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, ricerrors.Wrap(ricerrors.Internal, "parse embed response", err)
	}
	if len(er.Data) != len(inputs) {
		return nil, ricerrors.New(ricerrors.Internal, fmt.Sprintf("embed response count mismatch: got %d, want %d", len(er.Data), len(inputs)))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RetryConfig bounds the jittered exponential backoff applied to transient
// embed-endpoint failures (DependencyUnavailable, Timeout).
type RetryConfig struct {
	MaxElapsedTime time.Duration
	MaxAttempts    int
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 4
	}
	if r.MaxElapsedTime <= 0 {
		r.MaxElapsedTime = 30 * time.Second
	}
	return r
}

// HTTPEmbedder is the production Embedder: an HTTP client wrapped with
// retry-with-backoff and an LRU result cache.
type HTTPEmbedder struct {
	cfg       HTTPConfig
	dim       int
	client    *http.Client
	retry     RetryConfig
	cache     *lru.Cache[string, []float32]
	cacheMu   sync.Mutex
	batchSize int
}

// NewHTTPEmbedder constructs a production embedder. cacheSize <= 0 disables
// caching. batchSize <= 0 defaults to 1 (one chunk per request), matching
// the teacher's rationale of avoiding batch-inference issues on some
// self-hosted embedding servers.
func NewHTTPEmbedder(cfg HTTPConfig, dim, cacheSize, batchSize int, retry RetryConfig) (*HTTPEmbedder, error) {
	if dim <= 0 {
		return nil, ricerrors.New(ricerrors.BadInput, "embed: dimension must be positive")
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	e := &HTTPEmbedder{
		cfg:       cfg,
		dim:       dim,
		client:    &http.Client{},
		retry:     retry.withDefaults(),
		batchSize: batchSize,
	}
	if cacheSize > 0 {
		c, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, ricerrors.Wrap(ricerrors.Internal, "construct embed cache", err)
		}
		e.cache = c
	}
	return e, nil
}

func (e *HTTPEmbedder) Name() string   { return e.cfg.Model }
func (e *HTTPEmbedder) Dimension() int { return e.dim }

func (e *HTTPEmbedder) Ping(ctx context.Context) error {
	_, err := e.EmbedBatch(ctx, []string{"ping"})
	if err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "embedder reachability check failed", err)
	}
	return nil
}

func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	misses := make([]string, 0, len(texts))
	missIdx := make([]int, 0, len(texts))

	for i, t := range texts {
		if v, ok := e.cacheGet(t); ok {
			out[i] = v
			continue
		}
		misses = append(misses, t)
		missIdx = append(missIdx, i)
	}

	for start := 0; start < len(misses); start += e.batchSize {
		end := start + e.batchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]
		vecs, err := e.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			if len(v) != e.dim {
				return nil, ricerrors.New(ricerrors.DimensionMismatch,
					fmt.Sprintf("embedder %q returned dimension %d, want %d", e.cfg.Model, len(v), e.dim))
			}
			idx := missIdx[start+j]
			out[idx] = v
			e.cachePut(batch[j], v)
		}
	}
	return out, nil
}

func (e *HTTPEmbedder) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	op := func() ([][]float32, error) {
		vecs, err := callEmbedEndpoint(ctx, e.cfg, e.client, batch)
		if err != nil {
			if ricerrors.Is(err, ricerrors.DependencyUnavailable) || ricerrors.Is(err, ricerrors.Timeout) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return vecs, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(e.retry.MaxElapsedTime),
		backoff.WithMaxTries(uint(e.retry.MaxAttempts)),
	)
}

func (e *HTTPEmbedder) cacheKey(text string) string {
	h := sha256.Sum256([]byte(e.cfg.Model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

func (e *HTTPEmbedder) cacheGet(text string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.cache.Get(e.cacheKey(text))
}

func (e *HTTPEmbedder) cachePut(text string, v []float32) {
	if e.cache == nil {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache.Add(e.cacheKey(text), v)
}
