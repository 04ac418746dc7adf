// ABOUTME: Tests for Gateway construction and server lifecycle
// ABOUTME: Builds gateways from config and runs the HTTP server on a free port

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-rag/internal/config"
)

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:        httpAddr,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: config.DatabaseConfig{
			Driver: config.DriverMemory,
		},
		OpenAI: config.OpenAIConfig{
			BaseURL: "http://127.0.0.1:1/v1",
			Model:   "test-model",
		},
		Approaches: config.ApproachesConfig{
			Ask:  "chat",
			Chat: "chat",
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.conversation == nil {
		t.Error("conversation service should not be nil")
	}
	if gw.eventBroadcaster == nil {
		t.Error("eventBroadcaster should not be nil")
	}
	if gw.metrics != nil {
		t.Error("metrics should be nil when disabled")
	}
	if gw.limiter != nil {
		t.Error("limiter should be nil when disabled")
	}
}

func TestGatewayNew_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "rag.db"),
	}
	cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 5, Burst: 10}

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.metrics == nil {
		t.Error("metrics should be set when enabled")
	}
	if gw.limiter == nil {
		t.Error("limiter should be set when enabled")
	}
}

func TestGatewayNew_RetrievalWithoutSearch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approaches.Ask = "rtr"

	_, err := New(cfg, testLogger())
	if err == nil {
		t.Fatal("New() should fail when the ask approach needs a search index")
	}
	if !strings.Contains(err.Error(), "default approaches") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGatewayNew_WeakJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("New() should reject a short JWT secret")
	}
}

func TestGatewayNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Redis = config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("New() should fail when redis is unreachable")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	url := "http://" + cfg.Server.HTTPAddr + "/health"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q, want 200 OK", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestGatewayRun_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if err := gw.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when the address is taken")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error without auth key")
	}

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	if err != nil || key != "tskey-env" {
		t.Errorf("resolveTailscaleAuthKey() = %q, %v", key, err)
	}

	key, err = resolveTailscaleAuthKey("tskey-config")
	if err != nil || key != "tskey-config" {
		t.Errorf("resolveTailscaleAuthKey() = %q, %v", key, err)
	}
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/rag/ts")
	if err != nil || dir != "/var/lib/rag/ts" {
		t.Errorf("resolveTailscaleStateDir() = %q, %v", dir, err)
	}

	dir, err = resolveTailscaleStateDir("")
	if err != nil {
		t.Fatalf("resolveTailscaleStateDir() error: %v", err)
	}
	if !strings.HasSuffix(dir, filepath.Join("coven-rag", "tailscale")) {
		t.Errorf("default state dir = %q", dir)
	}
}
