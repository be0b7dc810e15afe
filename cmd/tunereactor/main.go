package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/tunereactor/internal/activity"
	"github.com/you/tunereactor/internal/auth"
	"github.com/you/tunereactor/internal/bindings"
	"github.com/you/tunereactor/internal/config"
	"github.com/you/tunereactor/internal/core"
	"github.com/you/tunereactor/internal/diag"
	"github.com/you/tunereactor/internal/effects"
	"github.com/you/tunereactor/internal/eventsub"
	"github.com/you/tunereactor/internal/helix"
	"github.com/you/tunereactor/internal/httpapi"
	"github.com/you/tunereactor/internal/rewards"
	"github.com/you/tunereactor/internal/rules"
	"github.com/you/tunereactor/internal/store"
	"github.com/you/tunereactor/internal/timers"
)

// requiredScopes covers every subscription the reconciler creates plus
// sending chat messages.
var requiredScopes = []string{
	"channel:read:redemptions",
	"bits:read",
	"channel:read:subscriptions",
	"moderator:read:followers",
	"user:write:chat",
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		envFile      string
		clientID     string
		token        string
		tokenFile    string
		bindingsPath string
		statePath    string
		listenAddr   string
	)

	flag.StringVar(&envFile, "env-file", "", "Path to a .env file to load before reading config")
	flag.StringVar(&clientID, "twitch-client-id", "", "Twitch application client ID")
	flag.StringVar(&token, "twitch-token", "", "Twitch user access token")
	flag.StringVar(&tokenFile, "twitch-token-file", "", "Path to file containing the Twitch access token")
	flag.StringVar(&bindingsPath, "bindings", "", "Path to the bindings YAML file")
	flag.StringVar(&statePath, "state", "", "Path to the SQLite state file")
	flag.StringVar(&listenAddr, "listen", "", "HTTP API listen address (e.g., 127.0.0.1:8177)")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("tunereactor: load env file: %v", err)
		}
	} else if err := godotenv.Load(); err == nil {
		log.Printf("tunereactor: loaded .env")
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { overrides[f.Name] = true })

	cfg := config.Load()
	if overrides["twitch-client-id"] {
		cfg.Twitch.ClientID = strings.TrimSpace(clientID)
	}
	if overrides["twitch-token"] {
		cfg.Twitch.Token = strings.TrimPrefix(strings.TrimSpace(token), "oauth:")
	}
	if overrides["twitch-token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(tokenFile)
	}
	if overrides["bindings"] {
		cfg.BindingsPath = strings.TrimSpace(bindingsPath)
	}
	if overrides["state"] {
		cfg.State.SQLitePath = strings.TrimSpace(statePath)
	}
	if overrides["listen"] {
		cfg.HTTP.Listen = strings.TrimSpace(listenAddr)
	}
	if cfg.Twitch.LegacyIDEnv != "" {
		log.Printf("tunereactor: client id read from legacy env %s", cfg.Twitch.LegacyIDEnv)
	}
	if cfg.Twitch.LegacyTokenEnv != "" {
		log.Printf("tunereactor: token read from legacy env %s", cfg.Twitch.LegacyTokenEnv)
	}

	log.Printf("%s", cfg.RedactedJSON())

	kv, err := store.Open(cfg.State.SQLitePath)
	if err != nil {
		log.Fatalf("tunereactor: open state store: %v", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Printf("tunereactor: closing state store: %v", err)
		}
	}()

	table := timers.NewTable()
	pub := diag.NewPublisher()

	authority := auth.New(cfg.Twitch.ClientID, requiredScopes, tokenGrantFlow(cfg))
	authority.KV = kv

	hx := helix.NewClient(cfg.Twitch.ClientID, authority.Token)
	if cfg.Twitch.HelixURL != "" {
		hx.BaseURL = cfg.Twitch.HelixURL
	}
	hx.OnUnauthorized = authority.Expire
	authority.Helix = hx

	actLog := activity.NewLog(kv)

	var provider *bindings.Provider
	provider, err = bindings.NewProvider(cfg.BindingsPath)
	switch {
	case err == nil:
		if err := provider.Watch(); err != nil {
			log.Printf("tunereactor: bindings watch: %v", err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("tunereactor: bindings file %s not found; starting with empty rule set", cfg.BindingsPath)
	default:
		log.Fatalf("tunereactor: load bindings: %v", err)
	}

	rec := eventsub.NewReconciler(hx, pub, table)

	gate := func() (core.Credential, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cred, err := authority.EnsureValid(ctx)
		if err != nil {
			return core.Credential{}, false
		}
		return cred, true
	}
	sess := eventsub.NewSession(gate, pub, rec, table)
	if cfg.Twitch.EventSubURL != "" {
		sess.URL = cfg.Twitch.EventSubURL
	}

	api := httpapi.New(httpapi.Sources{}, httpapi.Options{
		Addr:      cfg.HTTP.Listen,
		RateRPS:   cfg.HTTP.RateRPS,
		RateBurst: cfg.HTTP.RateBurst,
	})
	metrics := api.Metrics()

	sched := effects.NewScheduler(table, actLog, func(ctx context.Context, message string) (string, error) {
		cred, ok := authority.Current()
		if !ok {
			return "", auth.ErrNotAuthenticated
		}
		id, err := hx.SendChatMessage(ctx, cred.UserID, cred.UserID, message)
		if err != nil {
			metrics.IncChatSendFailures()
		}
		return id, err
	})

	router := &rules.Router{
		Bindings: func() []core.Binding {
			if provider == nil {
				return nil
			}
			return provider.Bindings()
		},
		Schedule: func(m rules.Match, ev core.Event) { sched.Queue(m, ev) },
		LogSkipped: func(ev core.Event) {
			actLog.Append(core.Entry{
				Ts:       ev.At,
				Source:   ev.Source,
				Kind:     ev.Kind,
				UserName: ev.UserName,
				Detail:   rules.Detail(ev),
				Status:   core.StatusSkipped,
				Note:     "no binding matched",
			})
		},
	}

	sess.OnNotify = func(subType string, event json.RawMessage) {
		metrics.IncNotificationsRouted(string(core.SourceReal))
		router.Route(subType, event, core.SourceReal)
	}
	sess.OnTeardown = func(reason string) {
		sched.ClearAll(core.StatusReverted)
	}
	sess.OnDuplicate = metrics.IncDuplicatesDropped

	rewardCache := rewards.NewCache(table, func(ctx context.Context) ([]helix.Reward, error) {
		cred, ok := authority.Current()
		if !ok {
			return nil, auth.ErrNotAuthenticated
		}
		return hx.ListRewards(ctx, cred.UserID)
	}, func() bool {
		_, ok := authority.Current()
		return ok
	})

	rec.OnFailure = func(err error) {
		metrics.IncReconnects()
		sess.Bounce(err.Error())
	}
	rec.OnBlocked = func() {
		rewardCache.Stop()
		sess.Close("subscription permission denied")
	}

	authority.OnExpire(func(reason string) {
		sess.Close("credential expired: " + reason)
		sched.ClearAll(core.StatusReverted)
		rewardCache.Stop()
		pub.Update(func(d *core.Diagnostics) {
			d.Login = ""
			d.UserID = ""
			d.TokenObtainedAt = time.Time{}
			d.TokenExpiresInSec = 0
			d.LastError = "credential expired: " + reason
		})
	})

	api.WireSources(httpapi.Sources{
		Totals:      sched.Totals,
		Diagnostics: pub.Snapshot,
		Activity:    actLog.Entries,
		Inject: func(subType string, event json.RawMessage) core.Result {
			metrics.IncNotificationsRouted(string(core.SourceTest))
			n := router.Route(subType, event, core.SourceTest)
			return core.OkResult("test_event.routed", map[string]string{"matched": strconv.Itoa(n)})
		},
		RefreshRewards: rewardCache.Manual,
	})

	sched.OnTotals(func(t core.Totals) { api.Broadcast("totals", t) })
	sched.OnCommand(func(c effects.Command) {
		switch c.Type {
		case "apply":
			metrics.IncEffectsApplied()
		case "revert":
			metrics.IncEffectsReverted()
		}
		api.Broadcast("command", c)
	})
	pub.OnChange(func(d core.Diagnostics) { api.Broadcast("diagnostics", d) })
	actLog.OnChange(func(entries []core.Entry) { api.Broadcast("activity", entries) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("tunereactor: received %s, shutting down", sig)
		cancel()
	}()

	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("tunereactor: http api: %v", err)
		}
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	cred, err := authority.Connect(connectCtx)
	connectCancel()
	if err != nil {
		log.Printf("tunereactor: not authenticated: %v", err)
	} else {
		pub.Update(func(d *core.Diagnostics) {
			d.Login = cred.Login
			d.UserID = cred.UserID
			d.TokenObtainedAt = cred.ObtainedAt
			d.TokenExpiresInSec = int(cred.ExpiresIn / time.Second)
		})
		rec.Reset()
		rewardCache.Start()
		sess.Connect()
	}

	<-ctx.Done()
	slog.Info("tunereactor: shutdown started")

	// teardown order matters: active effects revert first, then no timer
	// may fire into dead state, then the socket goes away, then the log is
	// flushed so the revert outcomes survive restart
	sched.ClearAll(core.StatusReverted)
	table.CancelAll()
	sess.Close("shutting down")
	rewardCache.Stop()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := actLog.Flush(flushCtx); err != nil {
		log.Printf("tunereactor: flush activity log: %v", err)
	}
	flushCancel()
	_ = actLog.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("tunereactor: http shutdown: %v", err)
	}
	shutdownCancel()

	slog.Info("tunereactor: shutdown complete")
}

// tokenGrantFlow adapts the configured static token or token file to the
// authority's grant flow interface.
func tokenGrantFlow(cfg config.Config) auth.GrantFlow {
	return func(ctx context.Context) (auth.GrantResult, error) {
		token := cfg.Twitch.Token
		if token == "" && cfg.Twitch.TokenFile != "" {
			data, err := os.ReadFile(cfg.Twitch.TokenFile)
			if err != nil {
				return auth.GrantResult{}, err
			}
			token = strings.TrimPrefix(strings.TrimSpace(string(data)), "oauth:")
		}
		if token == "" {
			return auth.GrantResult{}, errors.New("no twitch token configured")
		}
		return auth.GrantResult{AccessToken: token}, nil
	}
}
