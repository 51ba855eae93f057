package agent

import (
	"context"
	"math"
	"testing"
)

func TestDeterministicEmbedIsNormalized(t *testing.T) {
	a := &Agent{}
	res, err := a.Embed(context.Background(), []string{"hello world", "hello world"}, "", "deterministic")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if res.Dim != deterministicDim {
		t.Fatalf("Dim = %d, want %d", res.Dim, deterministicDim)
	}
	if len(res.Embeddings) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(res.Embeddings))
	}

	var sumSq float64
	for _, v := range res.Embeddings[0] {
		sumSq += v * v
	}
	if math.Abs(sumSq-1.0) > 1e-9 {
		t.Fatalf("expected unit-normalized vector, sumSq=%f", sumSq)
	}

	for i, v := range res.Embeddings[0] {
		if v != res.Embeddings[1][i] {
			t.Fatalf("expected identical texts to produce identical vectors")
		}
	}
}

func TestDeterministicEmbedDiffersForDifferentText(t *testing.T) {
	a := &Agent{}
	res, err := a.Embed(context.Background(), []string{"alpha", "beta gamma"}, "", "deterministic")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if equalVectors(res.Embeddings[0], res.Embeddings[1]) {
		t.Fatalf("expected different texts to produce different vectors")
	}
}

func equalVectors(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestProviderEmbedFailsWithoutConfiguration(t *testing.T) {
	a := &Agent{}
	if _, err := a.Embed(context.Background(), []string{"x"}, "claude-3-5-haiku-latest", "provider"); err == nil {
		t.Fatal("expected error for unconfigured provider embed backend")
	}
}
