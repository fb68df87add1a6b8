package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.CacheTTL != 5*time.Minute || cfg.HistoryWindow != 2*time.Hour {
		t.Errorf("defaults = port %s ttl %s window %s", cfg.Port, cfg.CacheTTL, cfg.HistoryWindow)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors origins = %q", cfg.CORSOrigins)
	}
	want := "host=localhost user=postgres password=password dbname=dr_memo port=5432 sslmode=disable TimeZone=UTC"
	if got := cfg.DB.DSN(); got != want {
		t.Errorf("DSN = %q", got)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"JWT_SECRET": "x", "CACHE_TTL": "five minutes"}},
		{"bad port", map[string]string{"JWT_SECRET": "x", "PORT": "http"}},
		{"bad store", map[string]string{"JWT_SECRET": "x", "STORE_DRIVER": "sqlite"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load accepted invalid configuration")
			}
		})
	}
}
