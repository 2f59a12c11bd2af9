package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// DeterministicEmbedder is a dependency-free Embedder for tests: it hashes
// byte 3-grams of the input into a fixed-size vector. Adapted from
// internal/rag/embedder/embedder.go's deterministicEmbedder, generalized to
// satisfy this package's Embedder interface directly (no HTTP, no retry, no
// cache) so ingestion and retrieval tests can run without a network
// dependency while still exercising real dimension-mismatch and ordering
// behavior.
type DeterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
	name      string
}

// NewDeterministicEmbedder constructs a deterministic embedder. dim<=0
// defaults to 64.
func NewDeterministicEmbedder(dim int, normalize bool, seed uint64) *DeterministicEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &DeterministicEmbedder{dim: dim, normalize: normalize, seed: seed, name: "deterministic"}
}

func (d *DeterministicEmbedder) Name() string   { return d.name }
func (d *DeterministicEmbedder) Dimension() int { return d.dim }
func (d *DeterministicEmbedder) Ping(context.Context) error { return nil }

func (d *DeterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *DeterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	if len(s) == 0 {
		return v
	}
	b := []byte(s)
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
