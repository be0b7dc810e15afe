package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TUNEREACTOR_TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_ID", "")
	t.Setenv("TUNEREACTOR_TWITCH_TOKEN", "")
	t.Setenv("TWITCH_TOKEN", "")
	t.Setenv("TUNEREACTOR_STATE_PATH", "")
	t.Setenv("TUNEREACTOR_BINDINGS_PATH", "")
	t.Setenv("TUNEREACTOR_LISTEN", "")
	t.Setenv("TUNEREACTOR_HTTP_RATE_RPS", "")

	cfg := Load()
	if cfg.State.SQLitePath != "tunereactor.db" {
		t.Fatalf("unexpected state path: %q", cfg.State.SQLitePath)
	}
	if cfg.BindingsPath != "bindings.yaml" {
		t.Fatalf("unexpected bindings path: %q", cfg.BindingsPath)
	}
	if cfg.HTTP.Listen != "127.0.0.1:8177" {
		t.Fatalf("unexpected listen addr: %q", cfg.HTTP.Listen)
	}
	if cfg.HTTP.RateRPS != 10 || cfg.HTTP.RateBurst != 30 {
		t.Fatalf("unexpected rate limits: %d/%d", cfg.HTTP.RateRPS, cfg.HTTP.RateBurst)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TUNEREACTOR_TWITCH_CLIENT_ID", "cid123")
	t.Setenv("TUNEREACTOR_TWITCH_TOKEN", "oauth:abc")
	t.Setenv("TUNEREACTOR_STATE_PATH", "/data/reactor.db")
	t.Setenv("TUNEREACTOR_BINDINGS_PATH", "/etc/reactor/bindings.yaml")
	t.Setenv("TUNEREACTOR_LISTEN", "0.0.0.0:9000")
	t.Setenv("TUNEREACTOR_HTTP_RATE_RPS", "50")

	cfg := Load()
	if cfg.Twitch.ClientID != "cid123" {
		t.Fatalf("client id: %q", cfg.Twitch.ClientID)
	}
	if cfg.Twitch.Token != "abc" {
		t.Fatalf("oauth: prefix not stripped, got %q", cfg.Twitch.Token)
	}
	if cfg.State.SQLitePath != "/data/reactor.db" {
		t.Fatalf("state path: %q", cfg.State.SQLitePath)
	}
	if cfg.HTTP.Listen != "0.0.0.0:9000" {
		t.Fatalf("listen: %q", cfg.HTTP.Listen)
	}
	if cfg.HTTP.RateRPS != 50 {
		t.Fatalf("rate rps: %d", cfg.HTTP.RateRPS)
	}
}

func TestLegacyEnvFallback(t *testing.T) {
	t.Setenv("TUNEREACTOR_TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_ID", "legacy-cid")
	t.Setenv("TUNEREACTOR_TWITCH_TOKEN", "")
	t.Setenv("TWITCH_TOKEN", "legacy-tok")

	cfg := Load()
	if cfg.Twitch.ClientID != "legacy-cid" || cfg.Twitch.LegacyIDEnv != "TWITCH_CLIENT_ID" {
		t.Fatalf("legacy client id not picked up: %+v", cfg.Twitch)
	}
	if cfg.Twitch.Token != "legacy-tok" || cfg.Twitch.LegacyTokenEnv != "TWITCH_TOKEN" {
		t.Fatalf("legacy token not picked up")
	}
}

func TestRedactedJSON(t *testing.T) {
	t.Setenv("TUNEREACTOR_TWITCH_TOKEN", "supersecrettoken")
	t.Setenv("TUNEREACTOR_TWITCH_CLIENT_ID", "cid123")

	out := string(Load().RedactedJSON())
	if strings.Contains(out, "supersecrettoken") || strings.Contains(out, "cid123") {
		t.Fatalf("redacted output leaks secrets: %s", out)
	}
	if !strings.Contains(out, "***REDACTED***") {
		t.Fatalf("redaction marker missing: %s", out)
	}
}
