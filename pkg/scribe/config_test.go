package scribe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.MediaPath != "/media" || cfg.Server.ObserverPath != "/observer" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Chunk.IntervalMS != 3000 || cfg.Chunk.MaxBytes != 320000 {
		t.Fatalf("unexpected chunk defaults %+v", cfg.Chunk)
	}
	if cfg.Transcription.Provider != "mock" || cfg.Transcription.PollIntervalMS != 1000 || cfg.Transcription.MaxPolls != 15 {
		t.Fatalf("unexpected transcription defaults %+v", cfg.Transcription)
	}
	if cfg.Aggregator.MaxAgeMS != 4000 || cfg.Aggregator.MinWords != 12 || cfg.Aggregator.EvalIntervalMS != 250 {
		t.Fatalf("unexpected aggregator defaults %+v", cfg.Aggregator)
	}
	if cfg.Media.Track != "inbound" || !cfg.Privacy.RedactPII || cfg.Observability.LogSampleRate != 1 {
		t.Fatalf("unexpected misc defaults %+v", cfg)
	}
	if d := DefaultConfig(); d.Session.PreregisterTTLMS != 60000 || d.Server.StatusPath != "/status" {
		t.Fatalf("unexpected DefaultConfig %+v", d)
	}
}

func TestLoadConfigFileEnvAndExpansion(t *testing.T) {
	t.Setenv("DG_KEY", "secret-key")
	t.Setenv("CALLSCRIBE_CHUNK_INTERVAL_MS", "1500")
	t.Setenv("CALLSCRIBE_SERVER_PUBLIC_URL", "calls.example.com")
	path := writeConfig(t, `
log_level: debug
media:
  track: both
transcription:
  provider: deepgram
  max_polls: 4
  settings:
    api_key: ${DG_KEY}
    model: nova-2
server:
  allowed_origins:
    - https://dash.example.com
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Media.Track != "both" || cfg.Transcription.MaxPolls != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Chunk.IntervalMS != 1500 {
		t.Fatalf("env override not applied, got %d", cfg.Chunk.IntervalMS)
	}
	if cfg.Server.PublicURL != "calls.example.com" {
		t.Fatalf("env override for public_url not applied, got %q", cfg.Server.PublicURL)
	}
	if cfg.Transcription.Settings["api_key"] != "secret-key" {
		t.Fatalf("settings not expanded: %v", cfg.Transcription.Settings)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://dash.example.com" {
		t.Fatalf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	rc := cfg.routerConfig()
	if rc.Track != "both" || rc.PublicURL != "calls.example.com" || rc.MediaPath != "/media" {
		t.Fatalf("unexpected router config %+v", rc)
	}
	sc := cfg.sessionConfig()
	if sc.Chunk.Interval != 1500*time.Millisecond || sc.Aggregator.MinWords != 12 {
		t.Fatalf("unexpected session config %+v", sc)
	}
	if dc := cfg.dispatcherConfig(); dc.Budget() != 4*time.Second {
		t.Fatalf("unexpected poll budget %s", dc.Budget())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"provider", func(c *Config) { c.Transcription.Provider = " " }, "transcription.provider"},
		{"track", func(c *Config) { c.Media.Track = "left" }, "media.track"},
		{"format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"interval", func(c *Config) { c.Chunk.IntervalMS = 0 }, "chunk.interval_ms"},
		{"odd bytes", func(c *Config) { c.Chunk.MaxBytes = 641 }, "chunk.max_bytes"},
		{"polls", func(c *Config) { c.Transcription.MaxPolls = 0 }, "max_polls"},
		{"sample", func(c *Config) { c.Observability.LogSampleRate = 2 }, "log_sample_rate"},
		{"recording", func(c *Config) { c.Observability.RecordAudio = true }, "record_audio"},
		{"path", func(c *Config) { c.Server.MediaPath = "media" }, "server.media_path"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
