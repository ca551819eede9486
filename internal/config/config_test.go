package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadJSONAppliesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("QDRANT_URL", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		"basic_config": {"server_address": ":9000"},
		"chat": {"default_top_k": 3},
		"vector_store": {"type": "memory"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" {
		t.Fatalf("server address not read: %q", cfg.BasicConfig.ServerAddress)
	}
	if cfg.Chat.DefaultTopK != 3 || cfg.Chat.MaxTopK != 50 || cfg.Chat.DefaultTitle != "New chat" {
		t.Fatalf("unexpected chat config: %+v", cfg.Chat)
	}
	if cfg.Pipeline.ChunkSize != 800 || cfg.Pipeline.ChunkOverlap != 100 {
		t.Fatalf("unexpected chunking defaults: %+v", cfg.Pipeline)
	}
	if cfg.BasicConfig.MaxUploadBytes != 20<<20 {
		t.Fatalf("unexpected upload limit %d", cfg.BasicConfig.MaxUploadBytes)
	}
	if cfg.Embedding.APIKey != "sk-test" {
		t.Fatalf("expected embedding key from env, got %q", cfg.Embedding.APIKey)
	}
	want := filepath.Join(dir, "data/docchat.db")
	if got := cfg.Databases["sqlite3"].DSN; got != want {
		t.Fatalf("sqlite dsn should resolve against config dir: got %s want %s", got, want)
	}
	if !filepath.IsAbs(cfg.BasicConfig.FileBaseDir) {
		t.Fatalf("file base dir should be absolute, got %s", cfg.BasicConfig.FileBaseDir)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("QDRANT_URL", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
basic_config:
  cors_origins: ["http://example.test"]
pipeline:
  chunk_overlap: -1
vector_store:
  type: qdrant
  url: http://qdrant:6333
  collection: docs
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.BasicConfig.CORSOrigins) != 1 || cfg.BasicConfig.CORSOrigins[0] != "http://example.test" {
		t.Fatalf("unexpected cors origins: %v", cfg.BasicConfig.CORSOrigins)
	}
	if cfg.Pipeline.ChunkOverlap != 0 {
		t.Fatalf("negative overlap should disable overlap, got %d", cfg.Pipeline.ChunkOverlap)
	}
	if cfg.VectorStore.Collection != "docs" || cfg.VectorStore.URL != "http://qdrant:6333" {
		t.Fatalf("unexpected vector store config: %+v", cfg.VectorStore)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.ChunkOverlap = cfg.Pipeline.ChunkSize
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "chunk_overlap") {
		t.Fatalf("expected overlap validation error, got %v", err)
	}

	cfg = Default()
	cfg.Chat.DefaultTopK = cfg.Chat.MaxTopK + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected top_k validation error")
	}

	cfg = Default()
	cfg.VectorStore.Type = "pinecone"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported vector store error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
