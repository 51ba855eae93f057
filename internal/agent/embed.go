package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
)

// EmbedResult is the response to an Embed call.
type EmbedResult struct {
	Embeddings [][]float64
	Dim        int
	RequestID  string
	Tokens     int64
	Provider   string
}

const deterministicDim = 64

// Embed produces embedding vectors for texts. An empty backend falls back
// to the EMBED_BACKEND environment variable. When the backend is
// "deterministic" (EMBED_BACKEND=deterministic) it returns normalized
// hashed token-count vectors of a fixed dimension instead of calling a
// provider — used so tests never require network access.
func (a *Agent) Embed(ctx context.Context, texts []string, model, backend string) (*EmbedResult, error) {
	if backend == "" {
		backend = os.Getenv("EMBED_BACKEND")
	}
	if backend == "deterministic" {
		return deterministicEmbed(texts), nil
	}
	return a.providerEmbed(ctx, texts, model)
}

func deterministicEmbed(texts []string) *EmbedResult {
	out := make([][]float64, len(texts))
	var totalTokens int64
	for i, text := range texts {
		vec := make([]float64, deterministicDim)
		for _, tok := range tokenize(text) {
			totalTokens++
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[int(h.Sum32())%deterministicDim]++
		}
		normalize(vec)
		out[i] = vec
	}
	return &EmbedResult{
		Embeddings: out,
		Dim:        deterministicDim,
		RequestID:  "deterministic",
		Tokens:     totalTokens,
		Provider:   "deterministic",
	}
}

func tokenize(text string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			flush()
			continue
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}

func normalize(vec []float64) {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] /= norm
	}
}

// providerEmbed is out of scope per SPEC_FULL.md §13 (embeddings/RAG
// store internals beyond this contract are excluded); it exists so
// Embed has a real fallback path rather than always running offline,
// and fails loudly if anything ever calls it without the deterministic
// backend configured.
func (a *Agent) providerEmbed(_ context.Context, _ []string, model string) (*EmbedResult, error) {
	return nil, fmt.Errorf("agent: embeddings backend %q not configured; set EMBED_BACKEND=deterministic", anthropic.Model(model))
}
