package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/convrelay/internal/httpapi"
	"github.com/agentworkforce/convrelay/internal/relay"
)

func main() {
	addr := os.Getenv("CONVRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	if stateBackend == nil {
		stateBackend = relay.NewInMemoryStateBackend()
	}
	defer func() {
		if err := relay.CloseStateBackend(stateBackend); err != nil {
			log.Printf("close state backend: %v", err)
		}
	}()

	provider := buildProviderFromEnv()
	if provider == nil {
		log.Printf("TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN not set; sends and syncs will fail")
	}

	dir := relay.NewDirectory(relay.DirectoryOptions{
		Backend:         stateBackend,
		Provider:        provider,
		Logger:          log.Default(),
		ProviderTimeout: durationEnv("CONVRELAY_PROVIDER_TIMEOUT", 15*time.Second),
		IdleTimeout:     durationEnv("CONVRELAY_ACTOR_IDLE_TIMEOUT", 10*time.Minute),
	})
	defer dir.Close()

	server := httpapi.NewServerWithConfig(dir, httpapi.ServerConfig{
		JWTSecret:           os.Getenv("CONVRELAY_JWT_SECRET"),
		WebhookAuthToken:    webhookAuthToken(),
		PublicBaseURL:       strings.TrimSpace(os.Getenv("CONVRELAY_PUBLIC_BASE_URL")),
		RateLimitMax:        intEnv("CONVRELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow:     durationEnv("CONVRELAY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:        int64Env("CONVRELAY_MAX_BODY_BYTES", 0),
		AllowedOrigins:      listEnv("CONVRELAY_ALLOWED_ORIGINS"),
		ChannelBufferSize:   intEnv("CONVRELAY_CHANNEL_BUFFER", 0),
		ChannelWriteTimeout: durationEnv("CONVRELAY_CHANNEL_WRITE_TIMEOUT", 0),
		Logger:              log.Default(),
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("convrelay listening on %s (state backend: %s)", addr, relay.StateBackendName(stateBackend))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

// listEnv splits a comma-separated variable, dropping blanks.
func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func webhookAuthToken() string {
	if token := strings.TrimSpace(os.Getenv("CONVRELAY_WEBHOOK_AUTH_TOKEN")); token != "" {
		return token
	}
	return strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN"))
}

func buildProviderFromEnv() relay.Provider {
	accountSID := strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	authToken := strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN"))
	if accountSID == "" || authToken == "" {
		return nil
	}
	return relay.NewTwilioConversationsClient(relay.TwilioClientOptions{
		BaseURL:    os.Getenv("TWILIO_CONVERSATIONS_BASE_URL"),
		AccountSID: accountSID,
		AuthToken:  authToken,
		UserAgent:  "convrelay",
		MaxRetries: intEnv("TWILIO_MAX_RETRIES", 3),
	})
}

func buildStateBackendFromEnv() (relay.StateBackend, error) {
	profileDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("CONVRELAY_STATE_BACKEND_DSN"))
	switch {
	case stateBackendDSN != "":
		return relay.BuildStateBackendFromDSN(stateBackendDSN)
	case profileDSN != "":
		return relay.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultsFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("CONVRELAY_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("CONVRELAY_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".convrelay"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("CONVRELAY_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("CONVRELAY_POSTGRES_DSN is required when CONVRELAY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "conversations"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "convrelay.db"), nil
	default:
		return "", fmt.Errorf("unsupported CONVRELAY_BACKEND_PROFILE: %s", profile)
	}
}
