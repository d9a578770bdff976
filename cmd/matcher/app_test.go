package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/tbourn/go-swap-matcher/internal/config"
	"github.com/tbourn/go-swap-matcher/internal/services"
)

func loadTestConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "matcher.db"))
	t.Setenv("OTEL_ENABLED", "false")
	for k, v := range env {
		t.Setenv(k, v)
	}
	c, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return c
}

func TestNewApp_WiresServicesFromConfig(t *testing.T) {
	c := loadTestConfig(t, map[string]string{
		"TRIANGLE_ENABLED":   "false",
		"WORKER_CONCURRENCY": "3",
		"NOTIFY_RPS":         "0",
		"INSTANCE_ID":        "node-7",
	})
	ctx := context.Background()
	a, err := newApp(ctx, c)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close(ctx)

	if a.Pool.Triangle != nil {
		t.Fatalf("triangle engine must be off when TRIANGLE_ENABLED=false")
	}
	if a.Pool.Concurrency != 3 || a.Pool.WorkerID != "node-7" || a.Maintenance.InstanceID != "node-7" {
		t.Fatalf("pool/scheduler wiring: %+v", a.Pool)
	}
	if a.Sender.Limiter != nil {
		t.Fatalf("NOTIFY_RPS=0 means no limiter")
	}

	res, err := a.Enqueue.EnqueueMany(ctx, []string{"ghost"})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if res["ghost"] != services.EnqueueIneligible {
		t.Fatalf("unknown intent result = %q", res["ghost"])
	}
}

func TestNewServer_ServesOpsRoutes(t *testing.T) {
	c := loadTestConfig(t, map[string]string{"GIN_MODE": "test", "PORT": "9090"})
	ctx := context.Background()
	a, err := newApp(ctx, c)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close(ctx)
	if a.Pool.Triangle == nil || a.Sender.Limiter == nil {
		t.Fatalf("defaults should enable the triangle engine and the notify limiter")
	}

	srv := newServer(a, c)
	if srv.Addr != ":9090" || srv.ReadHeaderTimeout != c.ReadHeaderTimeout {
		t.Fatalf("server config: addr=%q", srv.Addr)
	}

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, c.APIBasePath+"/queue/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET stats = %d %s", w.Code, w.Body.String())
	}
}

func TestStatsCommand_PrintsJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"stats", "--env-file", filepath.Join(dir, "missing.env")})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("stats: %v", err)
	}
	var snap services.QueueSnapshot
	if err := json.Unmarshal(out.Bytes(), &snap); err != nil {
		t.Fatalf("stats output is not JSON: %v (%s)", err, out.String())
	}
	if snap.Due != 0 || snap.OutboxPending != 0 {
		t.Fatalf("empty database should report zero depth: %+v", snap)
	}
}
