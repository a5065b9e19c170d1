package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldWd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error loading defaults, got %v", err)
	}
	if cfg.ListenAddress != ":9990" || cfg.MetricsAddress != ":8080" || cfg.ProbeAddress != ":8081" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}
	if cfg.ServiceStartTimeout != 30*time.Second {
		t.Fatalf("expected 30s start timeout, got %s", cfg.ServiceStartTimeout)
	}
	if cfg.Redis.Address != "" || cfg.Redis.KeyPrefix != "mgmt" {
		t.Fatalf("unexpected redis defaults: %+v", cfg.Redis)
	}
	if cfg.Version().String() != "1.8.0" {
		t.Fatalf("unexpected model version %q", cfg.Version())
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := `
listen_address: 127.0.0.1:9999
model_version: 1.9.0
service_start_timeout: 5s
redis:
  address: localhost:6379
  db: 2
`
	if err := os.WriteFile(filepath.Join(dir, "mgmt.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MGMT_REDIS_KEY_PREFIX", "prod")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9999" || cfg.ServiceStartTimeout != 5*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Redis.Address != "localhost:6379" || cfg.Redis.DB != 2 || cfg.Redis.KeyPrefix != "prod" {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		ListenAddress:          ":9990",
		ModelVersion:           "1.8.0",
		SupportedModelVersions: ">=1.0.0 <2.0.0",
		ServiceStartTimeout:    time.Second,
		ShutdownTimeout:        time.Second,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad version", func(c *Config) { c.ModelVersion = "one" }, "model_version"},
		{"unsupported version", func(c *Config) { c.ModelVersion = "2.1.0" }, "outside supported range"},
		{"zero timeout", func(c *Config) { c.ServiceStartTimeout = 0 }, "service_start_timeout"},
		{"no listen address", func(c *Config) { c.ListenAddress = "" }, "listen_address"},
		{"redis without prefix", func(c *Config) { c.Redis.Address = "r:6379" }, "key_prefix"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate err=%v want %q", err, tc.want)
			}
		})
	}
}
