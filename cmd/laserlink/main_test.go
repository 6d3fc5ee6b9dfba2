package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/laserlink-core/internal/infrastructure/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("LASERLINK_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("LASERLINK_CONFIG", "/etc/laserlink/config.yaml")
	if got := getConfigPath(); got != "/etc/laserlink/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env value", got)
	}
}

func TestRun_InvalidConfigPath(t *testing.T) {
	t.Setenv("LASERLINK_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want loading config failure", err)
	}
}

func TestRun_InvalidRole(t *testing.T) {
	path := writeConfig(t, `
instance:
  role: "observer"
database:
  path: "`+filepath.Join(t.TempDir(), "ll.db")+`"
api:
  enabled: false
`)
	t.Setenv("LASERLINK_CONFIG", path)

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "instance.role") {
		t.Fatalf("run() error = %v, want instance.role validation failure", err)
	}
}

func TestRun_RequiresStoreSecret(t *testing.T) {
	t.Setenv("LASERLINK_STORE_SECRET", "")
	path := writeConfig(t, `
database:
  path: "`+filepath.Join(t.TempDir(), "ll.db")+`"
api:
  enabled: false
`)
	t.Setenv("LASERLINK_CONFIG", path)

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "store_secret") {
		t.Fatalf("run() error = %v, want store_secret failure", err)
	}
}

func TestLoadClientKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "client.pem")
	if err := os.WriteFile(keyFile, []byte("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		gw      config.GatewayConfig
		want    string
		wantErr bool
	}{
		{"inline wins", config.GatewayConfig{ClientKey: "inline", ClientKeyFile: keyFile}, "inline", false},
		{"from file", config.GatewayConfig{ClientKeyFile: keyFile}, "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----", false},
		{"none", config.GatewayConfig{}, "", false},
		{"missing file", config.GatewayConfig{ClientKeyFile: filepath.Join(t.TempDir(), "nope.pem")}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadClientKey(tt.gw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadClientKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("loadClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}
