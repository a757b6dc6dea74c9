package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.HTTPAddress != ":8080" || cfg.Server.AuthTimeout != 10*time.Second {
		t.Errorf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Game.RatingWindow != 100 || cfg.Game.WinDelta != 200 || cfg.Game.LossDelta != -100 {
		t.Errorf("unexpected game defaults: %+v", cfg.Game)
	}
	if cfg.Scheduler.StaleWaitingAfter != 30*time.Minute {
		t.Errorf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
server:
  http_address: ":7000"
database:
  driver: memory
game:
  rating_window: 50
scheduler:
  sweep_interval: 15s
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTH_JWT_SECRET", "from-env")
	t.Setenv("GAME_RATING_WINDOW", "75")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.HTTPAddress != ":7000" || cfg.Database.Driver != "memory" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Scheduler.SweepInterval != 15*time.Second {
		t.Errorf("duration not decoded: %v", cfg.Scheduler.SweepInterval)
	}
	if cfg.Auth.JWTSecret != "from-env" || cfg.Game.RatingWindow != 75 {
		t.Errorf("environment should override the file: secret=%q window=%d", cfg.Auth.JWTSecret, cfg.Game.RatingWindow)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "g", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=g sslmode=disable"
	if got := p.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
