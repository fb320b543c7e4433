package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestStart_PortFallbackAndHandshake(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	e := newTestEnv(t)

	// Occupy a port so the server has to fall back to the next one.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer blocker.Close()
	preferred := blocker.Addr().(*net.TCPAddr).Port
	e.server.cfg.Port = preferred

	if err := e.server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.server.Shutdown(context.Background())

	if e.server.Port() == preferred || e.server.Port() == 0 {
		t.Fatalf("Port = %d, preferred %d was occupied", e.server.Port(), preferred)
	}

	// The server answers over a real socket.
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(e.server.Port()) + "/api/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health status = %d", resp.StatusCode)
	}
	var health struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Decode health: %v", err)
	}
	if health.Port != e.server.Port() {
		t.Errorf("Health port = %d, bound %d", health.Port, e.server.Port())
	}

	// The handshake file points front-ends at the bound port.
	handshakePath := filepath.Join(e.server.cfg.DataDir, "monitor.json")
	data, err := os.ReadFile(handshakePath)
	if err != nil {
		t.Fatalf("Handshake file missing: %v", err)
	}
	var doc handshakeFile
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Handshake file not JSON: %v", err)
	}
	if doc.Port != e.server.Port() {
		t.Errorf("Handshake port = %d, bound %d", doc.Port, e.server.Port())
	}
	if doc.ProcessID != os.Getpid() {
		t.Errorf("Handshake pid = %d", doc.ProcessID)
	}
	if doc.Errors == nil {
		t.Error("Handshake errors should serialize as an empty array")
	}

	// The legacy location gets the same document.
	home, _ := os.UserHomeDir()
	legacy := filepath.Join(home, ".config", "quotawatch", "monitor.json")
	if _, err := os.Stat(legacy); err != nil {
		t.Errorf("Legacy handshake missing: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := os.Stat(handshakePath); !os.IsNotExist(err) {
		t.Error("Handshake file still present after shutdown")
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Error("Legacy handshake still present after shutdown")
	}
}

func TestBindLoopback_EphemeralWhenPreferredIsZero(t *testing.T) {
	listener, port, err := bindLoopback(0)
	if err != nil {
		t.Fatalf("bindLoopback failed: %v", err)
	}
	defer listener.Close()
	if port <= 0 {
		t.Errorf("Port = %d", port)
	}
	addr := listener.Addr().(*net.TCPAddr)
	if !addr.IP.IsLoopback() {
		t.Errorf("Bound to %v, want loopback", addr.IP)
	}
}
