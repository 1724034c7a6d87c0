package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, yamlContent string) {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	writeTestConfig(t, `
port: "3443"
env: "test"
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
auth:
  session_ttl_days: 7
`)

	os.Unsetenv("PGHOST")
	os.Unsetenv("BASE_URL")

	t.Setenv("PORT", "4443")
	t.Setenv("ENVIRONMENT", "local")
	t.Setenv("COOKIE_SECRET", "test-secret")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "4443" {
		t.Errorf("expected Port=4443 (from env), got %s", cfg.Port)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.BaseURL != "http://localhost:4443" {
		t.Errorf("expected BaseURL=http://localhost:4443 (auto-derived from PORT), got %s", cfg.BaseURL)
	}
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected Database.Host=db.example.com (from yaml), got %s", cfg.Database.Host)
	}
}

func TestLoad_AgentDefaults(t *testing.T) {
	writeTestConfig(t, `
port: "3443"
env: "local"
database:
  host: "localhost"
`)

	os.Unsetenv("SQL_MAX_RETRIES")
	os.Unsetenv("SQL_MAX_ROWS")
	os.Unsetenv("AGENT_WORKER_CONCURRENCY")
	os.Unsetenv("PORT")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Agent.MaxRepairRetries != 2 {
		t.Errorf("expected MaxRepairRetries=2 (default), got %d", cfg.Agent.MaxRepairRetries)
	}
	if cfg.Agent.MaxRows != 100 {
		t.Errorf("expected MaxRows=100 (default), got %d", cfg.Agent.MaxRows)
	}
	if cfg.Agent.WorkerConcurrency != 2 {
		t.Errorf("expected WorkerConcurrency=2 (default), got %d", cfg.Agent.WorkerConcurrency)
	}
	if cfg.Agent.HistoryWindow != 6 {
		t.Errorf("expected HistoryWindow=6 (default), got %d", cfg.Agent.HistoryWindow)
	}
}

func TestLoad_AgentFromEnv(t *testing.T) {
	writeTestConfig(t, `
port: "3443"
env: "local"
database:
  host: "localhost"
`)

	t.Setenv("SQL_MAX_RETRIES", "5")
	t.Setenv("SQL_MAX_ROWS", "250")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Agent.MaxRepairRetries != 5 {
		t.Errorf("expected MaxRepairRetries=5 (from env), got %d", cfg.Agent.MaxRepairRetries)
	}
	if cfg.Agent.MaxRows != 250 {
		t.Errorf("expected MaxRows=250 (from env), got %d", cfg.Agent.MaxRows)
	}
}

func TestLoad_CookieSecretRequiredOutsideLocal(t *testing.T) {
	writeTestConfig(t, `
port: "3443"
env: "production"
database:
  host: "localhost"
`)

	os.Unsetenv("COOKIE_SECRET")
	os.Unsetenv("ENVIRONMENT")

	_, err := Load("test-version")
	if err == nil {
		t.Error("expected error when COOKIE_SECRET is missing in production")
	}
}

func TestLoad_InvalidMaxRows(t *testing.T) {
	writeTestConfig(t, `
port: "3443"
env: "local"
database:
  host: "localhost"
agent:
  max_rows: 0
`)

	os.Unsetenv("SQL_MAX_ROWS")

	_, err := Load("test-version")
	if err == nil {
		t.Error("expected error when max_rows is 0")
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})

	_, err = Load("test-version")
	if err == nil {
		t.Error("expected error when config.yaml is missing")
	}
}

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "app",
		Password: "pw",
		Database: "pharma_db",
		SSLMode:  "require",
	}

	got := cfg.ConnectionString()
	want := "host=db.internal port=5433 user=app password=pw dbname=pharma_db sslmode=require"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
