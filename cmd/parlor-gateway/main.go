// ABOUTME: Entry point for the parlor-gateway conversation server
// ABOUTME: Wires storage, dispatch, and the WebSocket endpoint

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/parlor-chat/parlor-gateway/internal/auth"
	"github.com/parlor-chat/parlor-gateway/internal/config"
	"github.com/parlor-chat/parlor-gateway/internal/conversation"
	"github.com/parlor-chat/parlor-gateway/internal/credits"
	"github.com/parlor-chat/parlor-gateway/internal/dedupe"
	"github.com/parlor-chat/parlor-gateway/internal/generation"
	"github.com/parlor-chat/parlor-gateway/internal/jobs"
	"github.com/parlor-chat/parlor-gateway/internal/oracle"
	"github.com/parlor-chat/parlor-gateway/internal/presence"
	"github.com/parlor-chat/parlor-gateway/internal/store"
	"github.com/parlor-chat/parlor-gateway/internal/translate"
	"github.com/parlor-chat/parlor-gateway/internal/ws"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                       _
 _ __   __ _ _ __ ___ | | ___  _ __
| '_ \ / _' | '__/ __|| |/ _ \| '__|
| |_) | (_| | |  \__ \| | (_) | |
| .__/ \__,_|_|  |___/|_|\___/|_|
|_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: PARLOR_CONFIG env var > XDG_CONFIG_HOME/parlor/gateway.yaml > ~/.config/parlor/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PARLOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "parlor", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: parlor-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                Start the gateway server")
		fmt.Println("  init                 Create a config file with a fresh JWT secret")
		fmt.Println("  token --user ID      Issue a client token (grants signup credits once)")
		fmt.Println("  health               Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Dispatch: %s\n", cfg.Dispatch.Strategy)
	fmt.Println()

	logger.Info("starting parlor-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"strategy", cfg.Dispatch.Strategy,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	tracker := presence.NewTracker(logger)
	hub := ws.NewHub(tracker, logger)
	guard := credits.NewGuard(st, logger)
	estimator := credits.NewEstimator(cfg.Credits.UnitCost, cfg.Credits.SensitiveSurchargePct, logger)
	generator := generation.NewScripted()

	cache := dedupe.New(5*time.Minute, 10_000)
	defer cache.Close()
	queue := jobs.NewQueue(st, cache, logger)

	var strategy conversation.Strategy
	var inline *conversation.InlineStrategy
	var pool *jobs.Pool
	switch cfg.Dispatch.Strategy {
	case config.StrategyQueued:
		strategy = conversation.NewQueuedStrategy(queue, hub, logger)
		pool = jobs.NewPool(st, generator, guard, hub, cfg.Dispatch.Workers, cfg.Dispatch.PollInterval, logger)
		pool.Start(ctx)
		defer pool.Stop()
	default:
		inline = conversation.NewInlineStrategy(st, generator, guard, hub, logger)
		strategy = inline
		defer inline.Drain()
	}

	svc := conversation.NewService(conversation.Config{
		Store:               st,
		Gate:                auth.NewGate(st, logger),
		Oracle:              oracle.NewRuleOracle(nil, logger),
		Estimator:           estimator,
		Guard:               guard,
		Strategy:            strategy,
		Broadcaster:         hub,
		Queue:               queue,
		Prefetcher:          translate.NewPrefetcher(translate.Tagging{}, logger),
		Roster:              tracker,
		CompactionThreshold: cfg.Memory.CompactionThreshold,
		Logger:              logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewHandler(verifier, auth.NewGate(st, logger), tracker, hub, svc, logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		pending, err := st.PendingJobCount(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"connections":  hub.ConnCount(),
			"pending_jobs": pending,
			"strategy":     cfg.Dispatch.Strategy,
		})
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	hub.Close()
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := fmt.Sprintf(`server:
  http_addr: "localhost:8484"

database:
  path: "parlor.db"

auth:
  jwt_secret: "%s"
  token_ttl: "24h"

credits:
  unit_cost: 5
  sensitive_surcharge_pct: 50
  signup_grant: 100

dispatch:
  strategy: "inline"
  workers: 4
  poll_interval: "250ms"

memory:
  compaction_threshold: 200

logging:
  level: "info"
  format: "text"
`, secret)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Config created: %s\n", configPath)
	return nil
}

// runToken issues a client JWT. First issuance for a user also records the
// signup credit grant so new accounts can afford their first turns.
func runToken(ctx context.Context) error {
	var userID, displayName, lang string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			userID = strings.TrimPrefix(arg, "--user=")
		case arg == "--name":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			displayName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			displayName = strings.TrimPrefix(arg, "--name=")
		case arg == "--lang":
			if i+1 >= len(args) {
				return fmt.Errorf("--lang requires a value")
			}
			lang = args[i+1]
			i++
		case strings.HasPrefix(arg, "--lang="):
			lang = strings.TrimPrefix(arg, "--lang=")
		default:
			return fmt.Errorf("unknown argument: %s", arg)
		}
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}
	if displayName == "" {
		displayName = userID
	}
	if lang == "" {
		lang = "en"
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	token, err := verifier.Generate(&auth.Identity{
		UserID:      userID,
		DisplayName: displayName,
		Language:    lang,
	}, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	txs, err := st.ListTransactions(ctx, userID, 1)
	if err != nil {
		return fmt.Errorf("checking ledger: %w", err)
	}
	if len(txs) == 0 && cfg.Credits.SignupGrant > 0 {
		err := st.RecordTransaction(ctx, &store.CreditTransaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			Delta:     cfg.Credits.SignupGrant,
			Memo:      "signup grant",
			CreatedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("recording signup grant: %w", err)
		}
		green := color.New(color.FgGreen)
		green.Print("✓ ")
		fmt.Printf("Signup grant recorded: %d credits\n", cfg.Credits.SignupGrant)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
