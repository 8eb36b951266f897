package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: dispatch-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "dispatch-test" {
		t.Fatalf("expected app name from file, got %q", cfg.App.Name)
	}
	if cfg.Lock.Backend != LockBackendRedis {
		t.Fatalf("expected default lock backend, got %q", cfg.Lock.Backend)
	}
	if cfg.Lock.TTL != 15*time.Second {
		t.Fatalf("expected default lock ttl 15s, got %s", cfg.Lock.TTL)
	}
	if cfg.Scheduler.StaleThreshold != 15*time.Minute {
		t.Fatalf("expected default stale threshold, got %s", cfg.Scheduler.StaleThreshold)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "lock:\n  ttl: 10s\n")
	t.Setenv("DISPATCH_LOCK_TTL", "20s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lock.TTL != 20*time.Second {
		t.Fatalf("expected env override 20s, got %s", cfg.Lock.TTL)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown lock backend":   "lock:\n  backend: etcd\n",
		"ttl below request":      "lock:\n  ttl: 1s\nprovider:\n  request_timeout: 2s\n",
		"stale below lock ttl":   "scheduler:\n  stale_threshold: 5s\n",
		"sqlite without path":    "postgres:\n  driver: sqlite3\n",
		"jitter out of range":    "retry:\n  jitter: 1.5\n",
		"unknown storage driver": "postgres:\n  driver: mysql\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
