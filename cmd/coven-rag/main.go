// ABOUTME: Entry point for the coven-rag conversation server
// ABOUTME: Dispatches serve, init, token, health and ready subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-rag/internal/auth"
	"github.com/2389/coven-rag/internal/config"
	"github.com/2389/coven-rag/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `

  ___ _____   _____ _ __        _ __ __ _  __ _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _' |/ _' |
| (_| (_) \ V /  __/ | | |_____| | | (_| | (_| |
 \___\___/ \_/ \___|_| |_|     |_|  \__,_|\__, |
                                          |___/
`

// defaultTokenTTL is used by the token command when --ttl is not given.
const defaultTokenTTL = 30 * 24 * time.Hour

// getDataPath returns XDG_DATA_HOME/coven, falling back to ~/.local/share/coven.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-rag <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the conversation server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  token --user ID        Mint a bearer token for a user id")
	fmt.Println("  health                 Check server liveness")
	fmt.Println("  ready                  Check store and relay readiness")
}

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		usage()
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
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "help", "-h", "--help":
		usage()
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
	configPath := config.DefaultPath()

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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s\n", cfg.OpenAI.Model)
	green.Print("    ▶ ")
	fmt.Printf("Approach:  ask=%s chat=%s\n", cfg.Approaches.Ask, cfg.Approaches.Chat)
	if cfg.Search.Endpoint == "" {
		yellow.Println("    ! search disabled, retrieval approaches unavailable")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting coven-rag",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runToken signs a bearer token with the configured JWT secret.
// Accepts --user ID and an optional --ttl duration, in "--flag value" or "--flag=value" form.
func runToken(args []string) error {
	var userID string
	ttl := defaultTokenTTL

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		if !hasValue && (name == "--user" || name == "--ttl") {
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		switch name {
		case "--user":
			userID = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			ttl = d
		default:
			return fmt.Errorf("unknown argument: %s", arg)
		}
	}
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// runProbe calls a health endpoint of a running server and prints the body.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-rag configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "rag.db")
	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	driver := prompt(reader, "Store driver (sqlite/postgres/pebble/memory)", config.DriverSQLite)
	var dbPath, dsn string
	switch driver {
	case config.DriverPostgres:
		dsn = prompt(reader, "Postgres DSN", "postgres://localhost/coven_rag?sslmode=disable")
	case config.DriverMemory:
	default:
		dbPath = prompt(reader, "Database path", defaultDBPath)
	}

	fmt.Println("\n--- Model Configuration ---")
	baseURL := prompt(reader, "OpenAI-compatible base URL", "https://api.openai.com/v1")
	model := prompt(reader, "Chat model", "gpt-4o-mini")

	fmt.Println("\n--- Search Configuration ---")
	searchEndpoint := prompt(reader, "Search endpoint (leave empty to disable retrieval)", "")
	var searchIndex string
	askApproach, chatApproach := "chat", "chat"
	if searchEndpoint != "" {
		searchIndex = prompt(reader, "Search index", "documents")
		askApproach, chatApproach = "rtr", "rrr"
	}

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if yes(prompt(reader, "Generate a JWT secret?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-rag configuration\n")
	cfg.WriteString("# Generated by coven-rag init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	if dbPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	}
	if dsn != "" {
		cfg.WriteString(fmt.Sprintf("  dsn: %q\n", dsn))
	}
	cfg.WriteString("\n")

	cfg.WriteString("openai:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: %q\n", baseURL))
	cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
	cfg.WriteString(fmt.Sprintf("  model: %q\n\n", model))

	if searchEndpoint != "" {
		cfg.WriteString("search:\n")
		cfg.WriteString(fmt.Sprintf("  endpoint: %q\n", searchEndpoint))
		cfg.WriteString(fmt.Sprintf("  index: %q\n", searchIndex))
		cfg.WriteString("  api_key: \"${SEARCH_API_KEY}\"\n\n")
	}

	cfg.WriteString("approaches:\n")
	cfg.WriteString(fmt.Sprintf("  ask: %q\n", askApproach))
	cfg.WriteString(fmt.Sprintf("  chat: %q\n\n", chatApproach))

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	mode := os.FileMode(0644)
	if jwtSecret != "" {
		mode = 0600
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), mode); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-rag serve\n")
	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
