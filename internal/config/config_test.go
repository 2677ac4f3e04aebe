package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("DB_DSN", "postgres://localhost/test")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Mining.ActivationHours != 24 {
		t.Errorf("ActivationHours = %d, want 24", cfg.Mining.ActivationHours)
	}
	if cfg.Mining.StreakHours != 48 {
		t.Errorf("StreakHours = %d, want 48", cfg.Mining.StreakHours)
	}
	if cfg.Mining.StreakBonusPercent != 5 {
		t.Errorf("StreakBonusPercent = %d, want 5", cfg.Mining.StreakBonusPercent)
	}
	if cfg.Mining.MaxStreakDays != 10 {
		t.Errorf("MaxStreakDays = %d, want 10", cfg.Mining.MaxStreakDays)
	}
	if cfg.Polling.IntervalSeconds != 10 || cfg.Polling.MaxAttempts != 30 {
		t.Errorf("Polling = %+v", cfg.Polling)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  addr: ":8080"
db:
  dsn: "postgres://file/db"
mining:
  streak_bonus_percent: 7
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MINING_MAX_STREAK_DAYS", "14")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DB.DSN != "postgres://file/db" {
		t.Errorf("DB.DSN = %q", cfg.DB.DSN)
	}
	if cfg.Mining.StreakBonusPercent != 7 {
		t.Errorf("StreakBonusPercent = %d, want 7 from file", cfg.Mining.StreakBonusPercent)
	}
	if cfg.Mining.MaxStreakDays != 14 {
		t.Errorf("MaxStreakDays = %d, want 14 from env", cfg.Mining.MaxStreakDays)
	}
	if cfg.Mining.ActivationHours != 24 {
		t.Errorf("ActivationHours = %d, want default 24", cfg.Mining.ActivationHours)
	}
}

func TestLoadRequiresAddrAndDSN(t *testing.T) {
	t.Setenv("SERVER_ADDR", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(""); err == nil {
		t.Fatal("Load() succeeded without server.addr and db.dsn")
	}
}
