package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MemcacheListen == "" || cfg.RespListen == "" || cfg.AdminListen == "" {
		t.Fatalf("Default left a listen address empty: %+v", cfg)
	}
	if cfg.Workers <= 0 {
		t.Fatalf("Default.Workers = %d, want > 0", cfg.Workers)
	}
	if cfg.QueueCap <= 0 {
		t.Fatalf("Default.QueueCap = %d, want > 0", cfg.QueueCap)
	}
}

func TestLoadJSONOverridesFields(t *testing.T) {
	cfg := Default()
	path := writeTempConfig(t, `{"memcache_listen":"0.0.0.0:9999","workers":8,"snappy_min_len":4096}`)

	if err := LoadJSON(&cfg, path); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if cfg.MemcacheListen != "0.0.0.0:9999" {
		t.Fatalf("MemcacheListen = %q, want 0.0.0.0:9999", cfg.MemcacheListen)
	}
	if cfg.Workers != 8 {
		t.Fatalf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.SnappyMinLen != 4096 {
		t.Fatalf("SnappyMinLen = %d, want 4096", cfg.SnappyMinLen)
	}
	// Fields absent from the JSON file keep their prior value.
	if cfg.AdminListen != Default().AdminListen {
		t.Fatalf("AdminListen was clobbered by a partial override: %q", cfg.AdminListen)
	}
}

func TestLoadJSONMissingFile(t *testing.T) {
	cfg := Default()
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := LoadJSON(&cfg, missing); err == nil {
		t.Fatalf("LoadJSON expected an error for a missing file")
	}
}

func TestDeriveAdminKeyIsDeterministicAndLengthBound(t *testing.T) {
	k1 := DeriveAdminKey("secret", 32)
	k2 := DeriveAdminKey("secret", 32)
	if len(k1) != 32 {
		t.Fatalf("len(key) = %d, want 32", len(k1))
	}
	if string(k1) != string(k2) {
		t.Fatalf("DeriveAdminKey is not deterministic for the same passphrase")
	}
	k3 := DeriveAdminKey("other", 32)
	if string(k1) == string(k3) {
		t.Fatalf("different passphrases produced the same key")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
