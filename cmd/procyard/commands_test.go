package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/procyard/internal/process"
	"github.com/loykin/procyard/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	ended := int64(1_700_000_060_000)
	status := "stopped"
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]process.Info{
			{ProjectID: "api", Status: process.StatusRunning, PID: 4242, CPUUsage: 12.5, MemoryUsage: 3 << 20},
			{ProjectID: "worker", Status: process.StatusErrored},
		})
	})
	mux.HandleFunc("GET /projects/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]store.SessionWithStats{{
			Session:  store.Session{ID: "s1", ProjectID: "api", StartedAt: 1_700_000_000_000, EndedAt: &ended, ExitStatus: &status},
			LogCount: 3, LogSize: 2048,
		}})
	})
	mux.HandleFunc("GET /sessions/s1/logs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]store.LogEntry{{Data: "hello "}, {Data: "world\n"}})
	})
	mux.HandleFunc("POST /storage/cleanup", func(w http.ResponseWriter, r *http.Request) {
		days, _ := strconv.Atoi(r.URL.Query().Get("days"))
		_, _ = w.Write([]byte(`{"deleted":` + strconv.Itoa(days*2) + `}`))
	})
	mux.HandleFunc("POST /projects/ghost/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"project not running: ghost"}`))
	})
	mux.HandleFunc("POST /groups/g/start", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"projects":["api","worker"]}`))
	})
	mux.HandleFunc("GET /groups/g/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]process.Info{{ProjectID: "api", Status: process.StatusRunning, PID: 7}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCommandTable(t *testing.T) {
	srv := fakeDaemon(t)
	out, err := run(t, "status", "--api-url", srv.URL)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"PROJECT", "api", "running", "4242", "12.5", "3.0 MiB", "worker", "errored"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommandJSON(t *testing.T) {
	srv := fakeDaemon(t)
	out, err := run(t, "status", "--json", "--api-url", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	var infos []process.Info
	if err := json.Unmarshal([]byte(out), &infos); err != nil || len(infos) != 2 {
		t.Fatalf("unexpected JSON %q: %v", out, err)
	}
}

func TestSessionsAndLogsCommands(t *testing.T) {
	srv := fakeDaemon(t)
	out, err := run(t, "sessions", "api", "--api-url", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "s1") || !strings.Contains(out, "stopped") || !strings.Contains(out, "2.0 KiB") {
		t.Fatalf("sessions output:\n%s", out)
	}

	out, err = run(t, "logs", "s1", "--api-url", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello world\n" {
		t.Fatalf("logs output = %q", out)
	}
}

func TestCleanupCommand(t *testing.T) {
	srv := fakeDaemon(t)
	if _, err := run(t, "cleanup", "--api-url", srv.URL); err == nil {
		t.Fatal("expected error without --days or --all")
	}
	out, err := run(t, "cleanup", "--days", "7", "--api-url", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "deleted 14 sessions") {
		t.Fatalf("cleanup output = %q", out)
	}
}

func TestStopCommandSurfacesAPIError(t *testing.T) {
	srv := fakeDaemon(t)
	_, err := run(t, "stop", "ghost", "--api-url", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "project not running: ghost") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestArgValidation(t *testing.T) {
	if _, err := run(t, "start", "only-group"); err == nil {
		t.Fatal("start should require group and project")
	}
	if _, err := run(t, "serve"); err == nil {
		t.Fatal("serve should require a config file")
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{0: "0 B", 1023: "1023 B", 1024: "1.0 KiB", 3 << 20: "3.0 MiB"}
	for in, want := range cases {
		if got := humanBytes(in); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "procyard.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil || string(b) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q, %v", b, err)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("pid file was not removed")
	}
}

func TestHashPasswordCommand(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetIn(strings.NewReader("s3cret\n"))
	root.SetArgs([]string{"hash-password", "--cost", "4"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	h := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte("s3cret")); err != nil {
		t.Fatalf("hash %q does not match: %v", h, err)
	}
}

func TestLoginSendsToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["username"] != "ops" || req["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"type":"Bearer","value":"tok-123"}`))
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := run(t, "login", "--username", "ops", "--password", "pw", "--api-url", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "tok-123" {
		t.Fatalf("login output = %q", out)
	}
	if _, err := run(t, "status", "--api-url", srv.URL, "--api-token", ""); err == nil {
		t.Fatal("expected 401 without token")
	}
	if _, err := run(t, "status", "--api-url", srv.URL, "--api-token", "tok-123"); err != nil {
		t.Fatalf("status with token: %v", err)
	}
}

func TestGroupCommands(t *testing.T) {
	srv := fakeDaemon(t)
	out, err := run(t, "group", "start", "g", "--api-url", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if out != "started api\nstarted worker\n" {
		t.Errorf("unexpected output %q", out)
	}

	out, err = run(t, "group", "status", "g", "--api-url", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "api") || !strings.Contains(out, "running") {
		t.Errorf("status output:\n%s", out)
	}

	if _, err := run(t, "group", "stop", "missing", "--api-url", srv.URL); err == nil {
		t.Error("expected error for unknown route")
	}
}
