package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Twitch TwitchConfig
	State  StateConfig
	HTTP   HTTPConfig

	BindingsPath string
}

type TwitchConfig struct {
	ClientID       string
	Token          string
	TokenFile      string
	EventSubURL    string
	HelixURL       string
	LegacyTokenEnv string
	LegacyIDEnv    string
}

type StateConfig struct {
	SQLitePath string
}

type HTTPConfig struct {
	Listen    string
	RateRPS   int
	RateBurst int
}

const (
	defaultSQLitePath = "tunereactor.db"
	defaultBindings   = "bindings.yaml"
	defaultListen     = "127.0.0.1:8177"
	defaultRateRPS    = 10
	defaultRateBurst  = 30
)

func Load() Config {
	cfg := Config{}

	cfg.Twitch.ClientID = strings.TrimSpace(os.Getenv("TUNEREACTOR_TWITCH_CLIENT_ID"))
	if cfg.Twitch.ClientID == "" {
		cfg.Twitch.ClientID = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID"))
		if cfg.Twitch.ClientID != "" {
			cfg.Twitch.LegacyIDEnv = "TWITCH_CLIENT_ID"
		}
	}

	cfg.Twitch.Token = strings.TrimSpace(os.Getenv("TUNEREACTOR_TWITCH_TOKEN"))
	if cfg.Twitch.Token == "" {
		cfg.Twitch.Token = strings.TrimSpace(os.Getenv("TWITCH_TOKEN"))
		if cfg.Twitch.Token != "" {
			cfg.Twitch.LegacyTokenEnv = "TWITCH_TOKEN"
		}
	}
	cfg.Twitch.Token = strings.TrimPrefix(cfg.Twitch.Token, "oauth:")

	cfg.Twitch.TokenFile = strings.TrimSpace(os.Getenv("TUNEREACTOR_TWITCH_TOKEN_FILE"))
	if cfg.Twitch.TokenFile == "" {
		cfg.Twitch.TokenFile = strings.TrimSpace(os.Getenv("TWITCH_TOKEN_FILE"))
	}

	cfg.Twitch.EventSubURL = strings.TrimSpace(os.Getenv("TUNEREACTOR_EVENTSUB_URL"))
	cfg.Twitch.HelixURL = strings.TrimSpace(os.Getenv("TUNEREACTOR_HELIX_URL"))

	cfg.State.SQLitePath = strings.TrimSpace(os.Getenv("TUNEREACTOR_STATE_PATH"))
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = defaultSQLitePath
	}

	cfg.BindingsPath = strings.TrimSpace(os.Getenv("TUNEREACTOR_BINDINGS_PATH"))
	if cfg.BindingsPath == "" {
		cfg.BindingsPath = defaultBindings
	}

	cfg.HTTP.Listen = strings.TrimSpace(os.Getenv("TUNEREACTOR_LISTEN"))
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = defaultListen
	}
	cfg.HTTP.RateRPS = readInt("TUNEREACTOR_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("TUNEREACTOR_HTTP_RATE_BURST", defaultRateBurst)

	return cfg
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"twitch": map[string]any{
			"client_id":    redactString(c.Twitch.ClientID),
			"token":        redactString(c.Twitch.Token),
			"token_file":   c.Twitch.TokenFile,
			"eventsub_url": c.Twitch.EventSubURL,
			"helix_url":    c.Twitch.HelixURL,
		},
		"state": map[string]any{
			"sqlite_path": c.State.SQLitePath,
		},
		"bindings_path": c.BindingsPath,
		"http": map[string]any{
			"listen":     c.HTTP.Listen,
			"rate_rps":   c.HTTP.RateRPS,
			"rate_burst": c.HTTP.RateBurst,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
