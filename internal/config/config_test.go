package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
data_dir: /var/lib/dispatch
default_task_timeout: 90s
checkpoint_schedule: "0 */5 * * * *"
etcd_endpoints:
  - localhost:2379
bridges:
  - id: bridge-2024
    scope: "2024"
    accepts: [create, query]
    command: ./automation.sh
    self_test_command: ./automation.sh --check
  - id: catch-all
    command: ./automation.sh
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.SlogLevel())
	}
	if cfg.DataDir != "/var/lib/dispatch" || cfg.DefaultTaskTimeout != 90*time.Second {
		t.Errorf("data_dir = %q, default_task_timeout = %v", cfg.DataDir, cfg.DefaultTaskTimeout)
	}
	if len(cfg.EtcdEndpoints) != 1 || cfg.EtcdEndpoints[0] != "localhost:2379" {
		t.Errorf("etcd_endpoints = %v", cfg.EtcdEndpoints)
	}
	if len(cfg.Bridges) != 2 {
		t.Fatalf("bridges = %+v", cfg.Bridges)
	}
	b := cfg.Bridges[0]
	if b.ID != "bridge-2024" || b.Scope != "2024" || len(b.Accepts) != 2 || b.SelfTestCommand == "" {
		t.Errorf("first bridge = %+v", b)
	}
	if cfg.Bridges[1].Scope != "" || len(cfg.Bridges[1].Accepts) != 0 {
		t.Errorf("catch-all bridge = %+v", cfg.Bridges[1])
	}

	// Untouched keys keep their defaults.
	if cfg.HttpListenAddr != ":8080" || cfg.TimeoutCheckInterval != 100*time.Millisecond || cfg.AbortTimeout != 30*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BRIDGE_HTTP_LISTEN_ADDR", ":9999")
	t.Setenv("BRIDGE_SELF_TEST_TIMEOUT", "45s")
	t.Setenv("BRIDGE_NODE_BRIDGE_ID", "node-a")

	cfg, err := Load(writeConfig(t, "log_level: warn\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HttpListenAddr != ":9999" || cfg.SelfTestTimeout != 45*time.Second {
		t.Errorf("env not applied: addr %q, self_test_timeout %v", cfg.HttpListenAddr, cfg.SelfTestTimeout)
	}
	if cfg.NodeBridge.ID != "node-a" {
		t.Errorf("node_bridge.id = %q", cfg.NodeBridge.ID)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bad cron",
			content: "checkpoint_schedule: \"every five minutes\"\n",
			want:    "CheckpointSchedule",
		},
		{
			name:    "bad log level",
			content: "log_level: loud\n",
			want:    "LogLevel",
		},
		{
			name:    "bridge without command",
			content: "bridges:\n  - id: a\n",
			want:    "Command",
		},
		{
			name:    "bridge accepts notify",
			content: "bridges:\n  - id: a\n    command: x\n    accepts: [notify]\n",
			want:    "Accepts",
		},
		{
			name:    "duplicate bridge ids",
			content: "bridges:\n  - id: a\n    command: x\n  - id: a\n    command: y\n",
			want:    "declared twice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateNode(t *testing.T) {
	cfg, err := Load(writeConfig(t, "node_bridge:\n  id: node-a\n  command: ./run.sh\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.ValidateNode(); err != nil {
		t.Errorf("ValidateNode() error = %v", err)
	}

	cfg.NodeBridge.Command = ""
	if err := cfg.ValidateNode(); err == nil {
		t.Error("ValidateNode() accepted a bridge without command")
	}
}

func TestCronValidation(t *testing.T) {
	validate, err := newValidator()
	if err != nil {
		t.Fatalf("newValidator() error = %v", err)
	}
	for _, expr := range []string{"0 */5 * * * *", "@every 30s", "@hourly"} {
		if err := validate.Var(expr, "cron"); err != nil {
			t.Errorf("cron %q rejected: %v", expr, err)
		}
	}
	for _, expr := range []string{"*/5 * * * *", "every five minutes"} {
		if err := validate.Var(expr, "cron"); err == nil {
			t.Errorf("cron %q accepted", expr)
		}
	}
}
