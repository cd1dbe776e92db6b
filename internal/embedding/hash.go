package embedding

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	wordWeight    = 1.0
	trigramWeight = 0.5
)

// HashEmbedder is a local, deterministic embedder based on signed feature
// hashing of word unigrams and character trigrams. It needs no model server
// and is used for development and tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Model() string {
	return "hash-v1"
}

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, h.vector(text))
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	acc := make([]float64, h.dim)
	words := tokenize(text)
	for _, word := range words {
		h.add(acc, "w:"+word, wordWeight)
		padded := " " + word + " "
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			h.add(acc, "t:"+string(runes[i:i+3]), trigramWeight)
		}
	}
	if len(words) == 0 {
		h.add(acc, "r:"+strings.TrimSpace(text), wordWeight)
	}

	var norm float64
	for _, value := range acc {
		norm += value * value
	}
	norm = math.Sqrt(norm)
	out := make([]float32, h.dim)
	if norm == 0 {
		out[0] = 1
		return out
	}
	for i, value := range acc {
		out[i] = float32(value / norm)
	}
	return out
}

func (h *HashEmbedder) add(acc []float64, feature string, weight float64) {
	sum := xxhash.Sum64String(feature)
	bucket := int(sum % uint64(h.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	acc[bucket] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
