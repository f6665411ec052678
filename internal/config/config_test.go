package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/pflag"

	"github.com/vango-dev/relay/pkg/room"
	"github.com/vango-dev/relay/pkg/server"
	"github.com/vango-dev/relay/pkg/snapshot"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return fs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := &Config{
		Addr: server.DefaultAddr,
		Log:  LogConfig{Level: "info", Format: "console"},
		Auth: AuthConfig{Timeout: 5 * time.Second},
		Rooms: RoomsConfig{
			EvictionDelay: room.DefaultEvictionDelay,
		},
		WS: WSConfig{
			PingInterval:   server.DefaultPingInterval,
			WriteTimeout:   server.DefaultWriteTimeout,
			MaxMessageSize: server.DefaultMaxMessageSize,
			SendQueue:      server.DefaultSendQueueSize,
			AllowedOrigins: []string{},
		},
		REST:     RESTConfig{MaxBodySize: server.DefaultMaxBodySize},
		Metrics:  MetricsConfig{Enabled: true},
		Snapshot: SnapshotConfig{Backend: BackendNone, Prefix: "rooms/"},
	}
	if diff := cmp.Diff(want, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
addr: ":7000"
log:
  level: debug
ws:
  ping_interval: 5s
snapshot:
  backend: memory
rooms:
  eviction_delay: 2m
`)
	t.Setenv("RELAY_ADDR", ":8000")
	t.Setenv("RELAY_WS_PING_INTERVAL", "7s")
	t.Setenv("RELAY_AUTH_SECRET", "from-env")
	t.Setenv("RELAY_WS_ALLOWED_ORIGINS", "a.example,b.example")

	cfg, err := Load(newFlags(t, "--addr", ":9000", "--gops"), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"flag beats env and file", cfg.Addr, ":9000"},
		{"env beats file", cfg.WS.PingInterval, 7 * time.Second},
		{"file beats default", cfg.Log.Level, "debug"},
		{"file duration", cfg.Rooms.EvictionDelay, 2 * time.Minute},
		{"file backend", cfg.Snapshot.Backend, BackendMemory},
		{"env only", cfg.Auth.Secret, "from-env"},
		{"flag only", cfg.Debug.Gops, true},
		{"unset flag keeps default", cfg.Metrics.Enabled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if diff := cmp.Diff([]string{"a.example", "b.example"}, cfg.WS.AllowedOrigins); diff != "" {
		t.Errorf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		file    string
		wantErr string
	}{
		{"missing file", nil, "/nonexistent/relay.yaml", "read"},
		{"bad backend", []string{"--snapshot-backend", "disk"}, "", "snapshot.backend"},
		{"s3 needs bucket", []string{"--snapshot-backend", "s3"}, "", "snapshot.bucket"},
		{"strict needs backend", []string{"--strict-rooms"}, "", "rooms.strict"},
		{"bad log format", []string{"--log-format", "xml"}, "", "log.format"},
		{"negative duration", []string{"--ping-interval=-1s"}, "", "ws.ping_interval"},
		{"empty addr", []string{"--addr", ""}, "", "addr is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newFlags(t, tt.args...), tt.file)
			if err == nil {
				t.Fatal("Load() = nil error, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadJSONFile(t *testing.T) {
	path := writeFile(t, "relay.json", `{"snapshot": {"backend": "s3", "bucket": "b", "path_style": true}}`)
	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Snapshot.Bucket != "b" || !cfg.Snapshot.PathStyle {
		t.Errorf("Snapshot = %+v, want bucket b with path style", cfg.Snapshot)
	}
}

func TestAuthGate(t *testing.T) {
	tests := []struct {
		name     string
		auth     AuthConfig
		wantMode string
	}{
		{"open", AuthConfig{}, "open"},
		{"static", AuthConfig{Secret: "s"}, "static"},
		{"validator wins", AuthConfig{Secret: "s", ValidatorURL: "http://auth/session"}, "validator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Auth: tt.auth}
			if got := cfg.AuthGate(nil).Mode(); got != tt.wantMode {
				t.Errorf("AuthGate().Mode() = %q, want %q", got, tt.wantMode)
			}
		})
	}
}

func TestSnapshotStore(t *testing.T) {
	store, err := (&Config{Snapshot: SnapshotConfig{Backend: BackendNone}}).SnapshotStore()
	if err != nil || store != nil {
		t.Errorf("none backend = %v, %v; want nil, nil", store, err)
	}

	store, err = (&Config{Snapshot: SnapshotConfig{Backend: BackendMemory}}).SnapshotStore()
	if err != nil {
		t.Fatalf("memory backend failed: %v", err)
	}
	if _, ok := store.(*snapshot.MemoryStore); !ok {
		t.Errorf("memory backend = %T, want *snapshot.MemoryStore", store)
	}

	store, err = (&Config{Snapshot: SnapshotConfig{Backend: BackendS3, Bucket: "b", Region: "us-east-1"}}).SnapshotStore()
	if err != nil {
		t.Fatalf("s3 backend failed: %v", err)
	}
	if _, ok := store.(*snapshot.S3Store); !ok {
		t.Errorf("s3 backend = %T, want *snapshot.S3Store", store)
	}
}

func TestServerConfig(t *testing.T) {
	cfg, err := Load(newFlags(t, "--addr", ":4000", "--eviction-delay", "3s", "--allowed-origins", "x.example"), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	sc := cfg.Server()

	if sc.Addr != ":4000" {
		t.Errorf("Addr = %q, want %q", sc.Addr, ":4000")
	}
	if sc.Rooms.EvictionDelay != 3*time.Second {
		t.Errorf("Rooms.EvictionDelay = %v, want 3s", sc.Rooms.EvictionDelay)
	}
	if diff := cmp.Diff([]string{"x.example"}, sc.AllowedOrigins); diff != "" {
		t.Errorf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
	if sc.SendQueueSize != server.DefaultSendQueueSize {
		t.Errorf("SendQueueSize = %d, want %d", sc.SendQueueSize, server.DefaultSendQueueSize)
	}
	if !sc.Tracing {
		t.Error("Tracing = false, want true")
	}
}
