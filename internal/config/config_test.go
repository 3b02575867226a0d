package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadIncludesRetrievalDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RetrievalTopK != 20 {
		t.Fatalf("expected default top k 20, got %d", cfg.RetrievalTopK)
	}
	if cfg.RetrievalFinalK != 3 {
		t.Fatalf("expected default final k 3, got %d", cfg.RetrievalFinalK)
	}
	if cfg.NoContextPolicy != NoContextGeneral {
		t.Fatalf("expected default no-context policy general, got %q", cfg.NoContextPolicy)
	}
	if cfg.ChunkMergeThreshold != 0.5 {
		t.Fatalf("expected default merge threshold 0.5, got %v", cfg.ChunkMergeThreshold)
	}
	if cfg.RerankMinScoreEnabled {
		t.Fatalf("rerank threshold must be disabled by default")
	}
	if cfg.ModelTimeout != 60*time.Second {
		t.Fatalf("expected default model timeout 60s, got %v", cfg.ModelTimeout)
	}
	if cfg.QdrantTimeout != 10*time.Second || cfg.RerankTimeout != 30*time.Second || cfg.NATSTimeout != 5*time.Second {
		t.Fatalf("unexpected upstream timeouts: %v/%v/%v", cfg.QdrantTimeout, cfg.RerankTimeout, cfg.NATSTimeout)
	}
	if cfg.APIMaxInFlight != 64 || cfg.APIBackpressureWait != 250*time.Millisecond {
		t.Fatalf("unexpected backpressure defaults: %d/%v", cfg.APIMaxInFlight, cfg.APIBackpressureWait)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("RETRIEVAL_TOP_K", "5")
	t.Setenv("RETRIEVAL_FINAL_K", "2")
	t.Setenv("NO_CONTEXT_POLICY", "decline")
	t.Setenv("RERANK_MIN_SCORE_ENABLED", "true")
	t.Setenv("RERANK_MIN_SCORE", "-3.5")
	t.Setenv("BATCH_TIMEOUT", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.RetrievalTopK != 5 || cfg.RetrievalFinalK != 2 {
		t.Fatalf("unexpected retrieval k values: %d/%d", cfg.RetrievalTopK, cfg.RetrievalFinalK)
	}
	if cfg.NoContextPolicy != NoContextDecline {
		t.Fatalf("expected decline policy, got %q", cfg.NoContextPolicy)
	}
	if !cfg.RerankMinScoreEnabled || cfg.RerankMinScore != -3.5 {
		t.Fatalf("unexpected rerank threshold: %v/%v", cfg.RerankMinScoreEnabled, cfg.RerankMinScore)
	}
	if cfg.BatchTimeout != 5*time.Minute {
		t.Fatalf("expected batch timeout 5m, got %v", cfg.BatchTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DATABASE_DRIVER":       "mysql",
		"NO_CONTEXT_POLICY":     "guess",
		"CHUNK_MERGE_THRESHOLD": "1.5",
		"RETRIEVAL_FINAL_K":     "50",
		"RETRIEVAL_TOP_K":       "not-a-number",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig for %s=%s, got %v", key, value, err)
			}
		})
	}
}

func TestBoundaryModelFallsBackToGenerationModel(t *testing.T) {
	cfg := Config{OllamaGenModel: "llama3.1:8b"}
	if got := cfg.BoundaryModel(); got != "llama3.1:8b" {
		t.Fatalf("expected generation model fallback, got %q", got)
	}
	cfg.OllamaBoundaryModel = "qwen2.5:3b"
	if got := cfg.BoundaryModel(); got != "qwen2.5:3b" {
		t.Fatalf("expected boundary model override, got %q", got)
	}
}
