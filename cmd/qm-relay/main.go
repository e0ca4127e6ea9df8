// ABOUTME: Entry point for the qm-relay broker server
// ABOUTME: Serves agents and the dashboard, plus tenant admin subcommands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quartermaster/qm-relay/internal/auth"
	"github.com/quartermaster/qm-relay/internal/config"
	"github.com/quartermaster/qm-relay/internal/relay"
	"github.com/quartermaster/qm-relay/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _ _ __ ___        _ __ ___| | __ _ _   _
 / _' | '_ ' _ \ _____| '__/ _ \ |/ _' | | | |
| (_| | | | | | |_____| | |  __/ | (_| | |_| |
 \__, |_| |_| |_|     |_|  \___|_|\__,_|\__, |
    |_|                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: QM_RELAY_CONFIG env var > XDG_CONFIG_HOME/qm-relay/relay.yaml > ~/.config/qm-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("QM_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "qm-relay", "relay.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/qm-relay > ~/.local/share/qm-relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "qm-relay")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: qm-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the relay server")
		fmt.Println("  bootstrap --name NAME        Create config and mint an admin token")
		fmt.Println("  tenant create --name NAME    Provision a tenant and print its API key")
		fmt.Println("  tenant list                  List tenants")
		fmt.Println("  tenant rotate-key --id ID    Rotate a tenant's API key")
		fmt.Println("  tenant revoke --id ID        Revoke a tenant's credentials")
		fmt.Println("  health                       Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(ctx)
	case "tenant":
		err = runTenant(ctx)
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

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting qm-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	r := relay.New(cfg, st, logger, prometheus.DefaultRegisterer)
	return r.Run(ctx)
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

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
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

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
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

	fmt.Println(string(body))
	return nil
}

// runBootstrap performs first-time setup of the relay:
// 1. Creates config file with random JWT secret (if not exists)
// 2. Mints an admin dashboard token for the named operator
//
// This is a one-command setup: qm-relay bootstrap --name "Your Name"
func runBootstrap(ctx context.Context) error {
	displayName, err := parseNameFlag(os.Args[2:])
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "relay.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Generate random JWT secret
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

		configDir := filepath.Dir(configPath)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		configContent := fmt.Sprintf(`# qm-relay configuration
# Generated by qm-relay bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  hello_timeout: "10s"

heartbeat:
  interval: "10s"
  timeout: "45s"

queue:
  ack_timeout: "30s"
  retention: "24h"
  workers: 4

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`, dbPath, jwtSecret)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		green.Printf("  ✓ Created config: %s\n", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
		}
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	// Mint an admin token for the dashboard
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	tokenTTL := 30 * 24 * time.Hour
	expiresAt := time.Now().Add(tokenTTL).UTC()

	token, err := verifier.Generate(displayName, auth.RoleAdmin, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Admin Token")
	cyan.Println("  -----------")
	fmt.Printf("  Actor:   %s\n", displayName)
	fmt.Printf("  Role:    admin\n")
	fmt.Printf("  Token:   %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    qm-relay serve                        # start the relay")
	fmt.Println("    qm-relay tenant create --name NAME    # provision your first tenant")
	fmt.Println()

	return nil
}

// runTenant dispatches the tenant admin subcommands. They operate on the
// database directly, the same way bootstrap does, so they work without a
// running relay.
func runTenant(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: qm-relay tenant <create|list|rotate-key|revoke>")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	switch os.Args[2] {
	case "create":
		return runTenantCreate(ctx, st)
	case "list":
		return runTenantList(ctx, st)
	case "rotate-key":
		return runTenantRotateKey(ctx, st)
	case "revoke":
		return runTenantRevoke(ctx, st)
	default:
		return fmt.Errorf("unknown tenant subcommand: %s", os.Args[2])
	}
}

func runTenantCreate(ctx context.Context, st store.Store) error {
	name, err := parseNameFlag(os.Args[3:])
	if err != nil {
		return err
	}

	plaintext, keyID, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	keyHash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		return fmt.Errorf("hashing api key: %w", err)
	}

	tenant := &store.Tenant{
		ID:        uuid.New().String(),
		Name:      name,
		KeyID:     keyID,
		KeyHash:   keyHash,
		Status:    store.TenantStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("creating tenant: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Created tenant: %s\n", name)
	fmt.Println()
	fmt.Printf("  ID:      %s\n", tenant.ID)
	fmt.Printf("  API key: %s\n", plaintext)
	fmt.Println()
	yellow.Println("  Store the API key now. It is shown once and never again.")

	return nil
}

func runTenantList(ctx context.Context, st store.Store) error {
	tenants, err := st.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}

	if len(tenants) == 0 {
		fmt.Println("no tenants")
		return nil
	}

	for _, t := range tenants {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-10s  last used %-25s  %s\n", t.ID, t.Status, lastUsed, t.Name)
	}
	return nil
}

func runTenantRotateKey(ctx context.Context, st store.Store) error {
	id, err := parseIDFlag(os.Args[3:])
	if err != nil {
		return err
	}

	tenant, err := st.GetTenant(ctx, id)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}
	if tenant.Status == store.TenantStatusRevoked {
		return fmt.Errorf("tenant %s is revoked", id)
	}

	plaintext, keyID, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	keyHash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		return fmt.Errorf("hashing api key: %w", err)
	}

	if err := st.UpdateTenantKey(ctx, id, keyID, keyHash, time.Now().UTC()); err != nil {
		return fmt.Errorf("rotating key: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Rotated key for tenant: %s\n", tenant.Name)
	fmt.Println()
	fmt.Printf("  New API key: %s\n", plaintext)
	fmt.Println()
	fmt.Println("  The old key stops working immediately.")

	return nil
}

func runTenantRevoke(ctx context.Context, st store.Store) error {
	id, err := parseIDFlag(os.Args[3:])
	if err != nil {
		return err
	}

	tenant, err := st.GetTenant(ctx, id)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}

	if err := st.RevokeTenant(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoking tenant: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Revoked tenant: %s\n", tenant.Name)

	return nil
}

// parseNameFlag extracts --name from args.
// Supports both "--name value" and "--name=value" formats.
func parseNameFlag(args []string) (string, error) {
	var name string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-n="):
			name = strings.TrimPrefix(arg, "-n=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("--name flag is required")
	}
	if len(name) > 100 {
		return "", fmt.Errorf("name exceeds maximum length of 100 characters")
	}
	return name, nil
}

// parseIDFlag extracts --id from args.
func parseIDFlag(args []string) (string, error) {
	var id string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--id":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--id requires a value")
			}
			id = args[i+1]
			i++
		case strings.HasPrefix(arg, "--id="):
			id = strings.TrimPrefix(arg, "--id=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if id == "" {
		return "", fmt.Errorf("--id flag is required")
	}
	return id, nil
}
