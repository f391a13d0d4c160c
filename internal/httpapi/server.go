package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/convrelay/internal/relay"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

type ServerConfig struct {
	JWTSecret string
	// WebhookAuthToken is the provider auth token used to verify webhook
	// signatures. Empty disables verification.
	WebhookAuthToken string
	// PublicBaseURL is the externally visible origin used when recomputing
	// webhook signatures behind a proxy.
	PublicBaseURL       string
	RateLimitMax        int
	RateLimitWindow     time.Duration
	MaxBodyBytes        int64
	AllowedOrigins      []string
	ChannelBufferSize   int
	ChannelWriteTimeout time.Duration
	Logger              relay.Logger
}

type Server struct {
	dir         *relay.Directory
	cfg         ServerConfig
	rateLimiter *rateLimiter
	sendSchema  *jsonschema.Schema
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type sendMessageRequest struct {
	ConversationSID string `json:"conversationSid"`
	Message         string `json:"message"`
}

func NewServer(dir *relay.Directory) *Server {
	return NewServerWithConfig(dir, ServerConfig{})
}

func NewServerWithConfig(dir *relay.Directory, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		dir:         dir,
		cfg:         cfg,
		rateLimiter: limiter,
		sendSchema:  mustSendMessageSchema(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/webhooks/conversations" && r.Method == http.MethodPost {
		s.handleWebhook(w, r, "", correlationID)
		return
	}
	if r.URL.Path == "/v1/admin/actors" && r.Method == http.MethodGet {
		s.handleAdminActors(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "conversations" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	key, err := url.PathUnescape(parts[2])
	if err != nil || strings.TrimSpace(key) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid conversation key", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case parts[3] == "webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, key, correlationID)
		return
	case parts[3] == "connect" && r.Method == http.MethodGet:
		requiredScope = "chat:read"
		route = "connect"
	case parts[3] == "messages" && r.Method == http.MethodGet:
		requiredScope = "chat:read"
		route = "history"
	case parts[3] == "messages" && r.Method == http.MethodPost:
		requiredScope = "chat:write"
		route = "send"
	case parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "chat:sync"
		route = "sync"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(key+"|"+claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "connect":
		s.handleConnect(w, r, key, correlationID)
	case "history":
		s.handleHistory(w, r, key, correlationID)
	case "send":
		s.handleSend(w, r, key, claims, correlationID)
	case "sync":
		s.handleSync(w, r, key, correlationID)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logf("connect %s: websocket accept failed: %v (correlation=%s)", key, err, correlationID)
		return
	}
	ch := relay.NewWebSocketChannel(r.Context(), conn, relay.WebSocketChannelOptions{
		BufferSize:   s.cfg.ChannelBufferSize,
		WriteTimeout: s.cfg.ChannelWriteTimeout,
	})
	conversationSID := strings.TrimSpace(r.URL.Query().Get("conversationSid"))
	if err := s.dir.Connect(r.Context(), key, conversationSID, ch); err != nil {
		s.logf("connect %s: %v (correlation=%s)", key, err, correlationID)
		_ = ch.Close("relay unavailable")
	}
	ch.Wait()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	messages, err := s.dir.Snapshot(r.Context(), key)
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, key string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateAgainst(s.sendSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid send request: "+err.Error(), correlationID)
		return
	}
	var req sendMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	created, err := s.dir.Send(r.Context(), key, claims.Subject, req.Message, req.ConversationSID)
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	if err := s.dir.Sync(r.Context(), key); err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleWebhook accepts provider webhooks. With an empty key the event is
// routed by its ConversationSid.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid form body", correlationID)
		return
	}
	if s.cfg.WebhookAuthToken != "" {
		if authErr := verifyTwilioSignature(s.cfg.WebhookAuthToken, s.externalURL(r), form, r.Header.Get("X-Twilio-Signature")); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}
	event := relay.ParseWebhookForm(form)
	if key == "" && event.ConversationSID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing ConversationSid", correlationID)
		return
	}
	if key == "" {
		err = s.dir.NotifyConversation(r.Context(), event)
	} else {
		err = s.dir.NotifyExternalChange(r.Context(), key, event)
	}
	if err != nil {
		s.writeRelayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAdminActors(w http.ResponseWriter, r *http.Request, correlationID string) {
	if _, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, "admin:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.dir.Stats(r.Context()))
}

func (s *Server) writeRelayError(w http.ResponseWriter, err error, correlationID string) {
	var providerErr *relay.ProviderError
	switch {
	case errors.Is(err, relay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relay.ErrUnboundConversation):
		writeError(w, http.StatusConflict, "unbound_conversation", "conversation is not bound; supply conversationSid", correlationID)
	case errors.Is(err, relay.ErrConversationClaimed):
		writeError(w, http.StatusConflict, "conversation_claimed", err.Error(), correlationID)
	case errors.As(err, &providerErr):
		writeError(w, http.StatusBadGateway, "provider_error", providerErr.Reason(), correlationID)
	case errors.Is(err, relay.ErrDirectoryClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "relay is shutting down", correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		s.logf("internal error: %v (correlation=%s)", err, correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// externalURL is the URL the provider signed: the configured public origin if
// any, else the request's own scheme and host.
func (s *Server) externalURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
