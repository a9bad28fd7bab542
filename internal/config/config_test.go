package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "salescall"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Workflow: WorkflowConfig{
			URL:             "http://workflow.local/webhook/analyze",
			CallbackBaseURL: "http://api.local",
		},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "APP_PORT", "DB_HOST", "JWT_SECRET", "WORKFLOW_URL", "CALLBACK_BASE_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.App.StoreBackend != StorePostgres {
		t.Fatalf("expected postgres backend default, got %q", c.App.StoreBackend)
	}
	if c.Workflow.Timeout != 15*time.Second || c.Workflow.MaxElapsed != 2*time.Minute || c.Workflow.Concurrency != 8 {
		t.Fatalf("unexpected workflow defaults: %+v", c.Workflow)
	}
	if c.Workflow.ArtifactRoot != "." {
		t.Fatalf("expected artifact root default")
	}
	if c.Reaper.Interval != time.Minute || c.Reaper.Deadline != 30*time.Minute {
		t.Fatalf("unexpected reaper defaults: %+v", c.Reaper)
	}
}

func TestValidate_MemoryBackendSkipsStores(t *testing.T) {
	c := validConfig()
	c.App.StoreBackend = StoreMemory
	c.DB = DBConfig{}
	c.Redis = RedisConfig{}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected memory backend to need no db, got %v", err)
	}

	c.App.Env = "production"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected memory backend rejected in production")
	}
}

func TestValidate_ReaperDeadlineMustExceedRetryBudget(t *testing.T) {
	c := validConfig()
	c.Workflow.MaxElapsed = 10 * time.Minute
	c.Reaper.Deadline = 5 * time.Minute
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "REAPER_DEADLINE") {
		t.Fatalf("expected REAPER_DEADLINE error, got %v", err)
	}
}

func TestValidate_QueueTimeoutFitsReaperDeadline(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// 30m deadline minus 2m retry budget and one 15s attempt.
	if want := 27*time.Minute + 45*time.Second; c.Workflow.QueueTimeout != want {
		t.Fatalf("expected default queue timeout %v, got %v", want, c.Workflow.QueueTimeout)
	}

	c = validConfig()
	c.Workflow.QueueTimeout = 29 * time.Minute
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DISPATCH_QUEUE_TIMEOUT") {
		t.Fatalf("expected DISPATCH_QUEUE_TIMEOUT error, got %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("WORKFLOW_URL", "https://n8n.example.com/webhook/x")
	t.Setenv("CALLBACK_BASE_URL", "https://api.example.com")
	t.Setenv("DISPATCH_TIMEOUT", "3s")
	t.Setenv("REAPER_DEADLINE", "1h")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 || !c.UsesMemoryStore() {
		t.Fatalf("unexpected app config: %+v", c.App)
	}
	if c.Workflow.Timeout != 3*time.Second || c.Reaper.Deadline != time.Hour {
		t.Fatalf("unexpected durations: %+v %+v", c.Workflow, c.Reaper)
	}
	if c.HTTPAddr() != ":9090" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("REAPER_INTERVAL", "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REAPER_INTERVAL") {
		t.Fatalf("expected REAPER_INTERVAL parse error, got %v", err)
	}
}
