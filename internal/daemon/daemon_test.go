package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/khushaldangi18/conversa/internal/api"
	"github.com/khushaldangi18/conversa/internal/config"
	"github.com/khushaldangi18/conversa/internal/lock"
)

// testParams returns daemon params rooted in a fresh directory. /tmp keeps
// socket paths under the macOS 104-char Unix socket limit.
func testParams(t *testing.T) Params {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "conversa-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	cfg := config.Default()
	cfg.UserID = "alice"
	cfg.DataDir = tmpDir
	cfg.Ops.HTTPAddr = "127.0.0.1:0"
	return Params{Config: cfg, LogLevel: zapcore.WarnLevel}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(testParams(t))); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	p := testParams(t)

	var ops *OpsServer
	app := fxtest.New(t, Module(p), fx.Populate(&ops), fx.NopLogger)
	app.RequireStart()

	socketPath := p.Config.SocketPath()
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perm = %o, want 600", perm)
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy, err := c.Healthy(ctx)
	if err != nil {
		t.Fatalf("Healthy() error = %v", err)
	}
	if !healthy {
		t.Error("daemon should report SERVING after start")
	}

	if err := c.RegisterProfile(ctx, api.ProfileRow{FullName: "Alice", Username: "alice", IsPublic: true}); err != nil {
		t.Fatalf("RegisterProfile() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		state, chats, err := c.ListChats(ctx)
		if err != nil {
			t.Fatalf("ListChats() error = %v", err)
		}
		if state == "ready" {
			if len(chats) != 0 {
				t.Errorf("expected 0 chats, got %d", len(chats))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("chat list state = %q, want ready", state)
		}
		time.Sleep(10 * time.Millisecond)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st["user_id"] != "alice" {
		t.Errorf("user_id = %v, want alice", st["user_id"])
	}
	// The connectivity sentinel reports asynchronously.
	if ps := st["presence_state"]; ps != "CONNECTED" && ps != "CONNECTING" {
		t.Errorf("presence_state = %v, want a started session", ps)
	}

	resp, err := http.Get("http://" + ops.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["user_id"] != "alice" {
		t.Errorf("/healthz = %d %v", resp.StatusCode, health)
	}

	resp, err = http.Get("http://" + ops.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "grpc_server_handled_total") {
		t.Error("/metrics should expose gRPC handler counts")
	}

	app.RequireStop()

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.Config.UserDir(), lock.FileName)); !os.IsNotExist(err) {
		t.Errorf("lock still present after stop: %v", err)
	}
}

// TestSecondDaemonRefused verifies a second daemon for the same user fails
// on the lock and leaves the first one's socket alone.
func TestSecondDaemonRefused(t *testing.T) {
	p := testParams(t)

	first := fxtest.New(t, Module(p), fx.NopLogger)
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(Module(p), fx.NopLogger)
	err := second.Err()
	if err == nil {
		t.Fatal("second daemon should fail")
	}
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %T: %v", err, err)
	}
	if held.UserID != "alice" {
		t.Errorf("HeldError.UserID = %q, want alice", held.UserID)
	}

	if _, err := os.Stat(p.Config.SocketPath()); err != nil {
		t.Errorf("first daemon's socket removed: %v", err)
	}
}

func TestNewServerSocketOverride(t *testing.T) {
	p := testParams(t)
	socketPath := filepath.Join(p.Config.DataDir, "d.sock")
	p.SocketPath = socketPath

	srv, err := NewServer(p, zap.NewNop(), api.NewService(api.Deps{UserID: "alice"}), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv.SocketPath() != socketPath {
		t.Errorf("SocketPath() = %q, want %q", srv.SocketPath(), socketPath)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}

	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket still present after Stop: %v", statErr)
	}
}
