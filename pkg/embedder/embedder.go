// Package embedder defines the embedding-provider contract memory's L4
// vector tier depends on, plus a deterministic local implementation used as
// the default/dev provider. Real HTTP-backed embedding providers (OpenAI,
// Cohere, ...) are external collaborators, so only the contract and a local
// implementation live here.
package embedder

import (
	"context"
	"hash/fnv"
	"math"
)

// Provider turns text into a fixed-dimension embedding vector. Embed must be
// idempotent: the same text always yields the same vector.
type Provider interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds multiple texts in one call; implementations may
	// batch more efficiently than repeated Embed calls.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the fixed vector length this provider produces.
	Dimension() int
}

// Local is a deterministic, dependency-free Provider: it hashes overlapping
// word shingles into a fixed-width feature vector and L2-normalizes it. It
// has no semantic quality beyond lexical overlap, but is idempotent,
// synchronous, and requires no network access, making it the default for
// tests and for deployments with no embedding backend configured.
type Local struct {
	dim int
}

// NewLocal constructs a Local provider with the given vector dimension
// (typical values: 128, 256, 384).
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 256
	}
	return &Local{dim: dim}
}

func (l *Local) Dimension() int { return l.dim }

func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	return l.embed(text), nil
}

func (l *Local) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = l.embed(t)
	}
	return out, nil
}

func (l *Local) embed(text string) []float32 {
	vec := make([]float32, l.dim)
	for _, tok := range shingles(text, 3) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := int(h.Sum32()) % l.dim
		if idx < 0 {
			idx += l.dim
		}
		vec[idx]++
	}
	normalize(vec)
	return vec
}

// shingles splits text into whitespace tokens (case is kept) and emits n-gram
// word shingles (falling back to unigrams for short inputs).
func shingles(text string, n int) []string {
	var words []string
	start := -1
	for i, r := range text {
		isSep := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSep {
			if start >= 0 {
				words = append(words, text[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	if len(words) == 0 {
		return nil
	}
	if len(words) < n {
		return words
	}
	out := make([]string, 0, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		gram := words[i]
		for j := 1; j < n; j++ {
			gram += " " + words[i+j]
		}
		out = append(out, gram)
	}
	return out
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}
