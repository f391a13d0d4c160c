package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/convrelay/internal/relay"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("CONVRELAY_TEST_INT", "42")
	got := intEnv("CONVRELAY_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CONVRELAY_TEST_INT_BAD", "not-a-number")
	got := intEnv("CONVRELAY_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("CONVRELAY_TEST_DURATION", "150ms")
	got := durationEnv("CONVRELAY_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CONVRELAY_TEST_DURATION_BAD", "soon")
	got := durationEnv("CONVRELAY_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("CONVRELAY_TEST_INT_UNSET")
	_ = os.Unsetenv("CONVRELAY_TEST_DURATION_UNSET")

	if got := intEnv("CONVRELAY_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := int64Env("CONVRELAY_TEST_INT_UNSET", 1<<20); got != 1<<20 {
		t.Fatalf("expected fallback 1MiB, got %d", got)
	}
	if got := durationEnv("CONVRELAY_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestListEnvSplitsAndTrims(t *testing.T) {
	t.Setenv("CONVRELAY_TEST_LIST", " app.example.com, ,*.example.org ")
	got := listEnv("CONVRELAY_TEST_LIST")
	want := []string{"app.example.com", "*.example.org"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStorageProfileDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("CONVRELAY_DATA_DIR", dataDir)

	t.Setenv("CONVRELAY_BACKEND_PROFILE", "")
	if dsn, err := storageProfileDefaultsFromEnv(); err != nil || dsn != "" {
		t.Fatalf("expected no default for empty profile, got %q, %v", dsn, err)
	}

	t.Setenv("CONVRELAY_BACKEND_PROFILE", "memory")
	if dsn, err := storageProfileDefaultsFromEnv(); err != nil || dsn != "memory://" {
		t.Fatalf("expected memory dsn, got %q, %v", dsn, err)
	}

	t.Setenv("CONVRELAY_BACKEND_PROFILE", "durable-local")
	dsn, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("durable-local: %v", err)
	}
	if want := "file://" + filepath.Join(dataDir, "conversations"); dsn != want {
		t.Fatalf("expected %q, got %q", want, dsn)
	}

	t.Setenv("CONVRELAY_BACKEND_PROFILE", "production")
	t.Setenv("CONVRELAY_POSTGRES_DSN", "")
	if _, err := storageProfileDefaultsFromEnv(); err == nil || !strings.Contains(err.Error(), "CONVRELAY_POSTGRES_DSN") {
		t.Fatalf("expected missing postgres dsn error, got %v", err)
	}
	t.Setenv("CONVRELAY_POSTGRES_DSN", "postgres://localhost/convrelay")
	if dsn, err := storageProfileDefaultsFromEnv(); err != nil || dsn != "postgres://localhost/convrelay" {
		t.Fatalf("expected postgres dsn, got %q, %v", dsn, err)
	}

	t.Setenv("CONVRELAY_BACKEND_PROFILE", "etcd")
	if _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestBuildStateBackendPrefersExplicitDSN(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("CONVRELAY_DATA_DIR", dataDir)
	t.Setenv("CONVRELAY_BACKEND_PROFILE", "memory")
	t.Setenv("CONVRELAY_STATE_BACKEND_DSN", "sqlite://"+filepath.Join(dataDir, "explicit.db"))

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build backend: %v", err)
	}
	defer relay.CloseStateBackend(backend)
	if got := relay.StateBackendName(backend); got != "sqlite" {
		t.Fatalf("expected sqlite backend, got %s", got)
	}
}

func TestBuildProviderRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	if provider := buildProviderFromEnv(); provider != nil {
		t.Fatalf("expected no provider without auth token, got %T", provider)
	}
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	if _, ok := buildProviderFromEnv().(*relay.TwilioConversationsClient); !ok {
		t.Fatalf("expected twilio client when credentials are set")
	}
}

func TestWebhookAuthTokenFallsBackToTwilioToken(t *testing.T) {
	t.Setenv("CONVRELAY_WEBHOOK_AUTH_TOKEN", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "twilio-token")
	if got := webhookAuthToken(); got != "twilio-token" {
		t.Fatalf("expected twilio token fallback, got %q", got)
	}
	t.Setenv("CONVRELAY_WEBHOOK_AUTH_TOKEN", "hook-token")
	if got := webhookAuthToken(); got != "hook-token" {
		t.Fatalf("expected explicit webhook token, got %q", got)
	}
}
