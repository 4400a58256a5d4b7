package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nimbus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfigFile(t, `
app:
  name: billing
  env: production
  signing_key: signkey-prod-cafe0123
serve:
  path: /hooks/nimbus
  host: https://billing.example.com
endpoints:
  register_url: https://orchestrator.internal/fn/register
logging:
  level: debug
  format: json
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Name != "billing" {
		t.Errorf("App.Name = %q, want %q", cfg.App.Name, "billing")
	}
	if cfg.App.Env != "production" {
		t.Errorf("App.Env = %q, want %q", cfg.App.Env, "production")
	}
	if cfg.Serve.Path != "/hooks/nimbus" {
		t.Errorf("Serve.Path = %q, want %q", cfg.Serve.Path, "/hooks/nimbus")
	}
	if cfg.Endpoints.RegisterURL != "https://orchestrator.internal/fn/register" {
		t.Errorf("Endpoints.RegisterURL = %q, want file value", cfg.Endpoints.RegisterURL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, `
app:
  name: minimal
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Serve.Path != "/api/nimbus" {
		t.Errorf("Serve.Path = %q, want default /api/nimbus", cfg.Serve.Path)
	}
	if cfg.Serve.MaxBodyBytes != 4<<20 {
		t.Errorf("Serve.MaxBodyBytes = %d, want %d", cfg.Serve.MaxBodyBytes, 4<<20)
	}
	if cfg.Endpoints.RegisterURL != "https://api.nimbus.dev/fn/register" {
		t.Errorf("Endpoints.RegisterURL = %q, want default", cfg.Endpoints.RegisterURL)
	}
	if cfg.Endpoints.EventAPIURL != "https://events.nimbus.dev" {
		t.Errorf("Endpoints.EventAPIURL = %q, want default", cfg.Endpoints.EventAPIURL)
	}
	if cfg.Endpoints.DevServerURL != "http://127.0.0.1:8288" {
		t.Errorf("Endpoints.DevServerURL = %q, want default", cfg.Endpoints.DevServerURL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text defaults", cfg.Logging)
	}
	if cfg.Metrics.Namespace != "nimbus" {
		t.Errorf("Metrics.Namespace = %q, want nimbus", cfg.Metrics.Namespace)
	}
	if cfg.Telemetry.ServiceName != "minimal" {
		t.Errorf("Telemetry.ServiceName = %q, want app name", cfg.Telemetry.ServiceName)
	}
	if cfg.Telemetry.SampleRate != 0.1 {
		t.Errorf("Telemetry.SampleRate = %v, want 0.1", cfg.Telemetry.SampleRate)
	}
	if cfg.Serve.LandingPage != nil {
		t.Errorf("Serve.LandingPage = %v, want unset", *cfg.Serve.LandingPage)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
app:
  name: worker
  signing_key: from-file-config
`)

	t.Setenv("NIMBUS_SIGNING_KEY", "signkey-test-deadbeef")
	t.Setenv("NIMBUS_EVENT_KEY", "event-key-from-env")
	t.Setenv("NIMBUS_ENV", "production")
	t.Setenv("NIMBUS_DEV_SERVER_URL", "http://dev.internal:8288")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.SigningKey != "signkey-test-deadbeef" {
		t.Errorf("App.SigningKey = %q, want env value", cfg.App.SigningKey)
	}
	if cfg.App.EventKey != "event-key-from-env" {
		t.Errorf("App.EventKey = %q, want env value", cfg.App.EventKey)
	}
	if cfg.App.Env != "production" {
		t.Errorf("App.Env = %q, want env value", cfg.App.Env)
	}
	if cfg.Endpoints.DevServerURL != "http://dev.internal:8288" {
		t.Errorf("Endpoints.DevServerURL = %q, want env value", cfg.Endpoints.DevServerURL)
	}
	if cfg.Telemetry.Environment != "production" {
		t.Errorf("Telemetry.Environment = %q, want to follow app env", cfg.Telemetry.Environment)
	}
}

func TestLoadSecretFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "signing_key")
	if err := os.WriteFile(secretPath, []byte("signkey-prod-cafe0123\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	t.Setenv("NIMBUS_SIGNING_KEY", "env-value-should-lose")
	t.Setenv("NIMBUS_SIGNING_KEY_FILE", secretPath)

	cfg := Default()
	if cfg.App.SigningKey != "signkey-prod-cafe0123" {
		t.Errorf("App.SigningKey = %q, want trimmed file value", cfg.App.SigningKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() error = nil, want error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "app: [not: valid")
	if _, err := Load(path); err == nil {
		t.Error("Load() error = nil, want parse error")
	}
}
