package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/convrelay/internal/relay"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match relay sentinels across the wire.
func (e *HTTPError) Is(target error) bool {
	switch e.Code {
	case "unbound_conversation":
		return target == relay.ErrUnboundConversation
	case "conversation_claimed":
		return target == relay.ErrConversationClaimed
	case "provider_error":
		return target == relay.ErrProvider
	case "bad_request":
		return target == relay.ErrInvalidInput
	}
	return false
}

// Client talks to a convrelay server over its HTTP and websocket API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Send posts a message. It is never retried since the relay cannot tell a
// replayed send from a new one.
func (c *Client) Send(ctx context.Context, key, conversationSID, message string) (relay.Message, error) {
	body := map[string]string{"message": message}
	if sid := strings.TrimSpace(conversationSID); sid != "" {
		body["conversationSid"] = sid
	}
	var created relay.Message
	err := c.doJSON(ctx, http.MethodPost, conversationPath(key, "messages"), body, false, &created)
	return created, err
}

func (c *Client) Sync(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodPost, conversationPath(key, "sync"), nil, true, nil)
}

func (c *Client) History(ctx context.Context, key string) ([]relay.Message, error) {
	var payload struct {
		Messages []relay.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, conversationPath(key, "messages"), nil, true, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// Watch connects to the realtime channel and calls onFrame for each frame
// until ctx ends, the server closes the socket, or onFrame returns an error.
func (c *Client) Watch(ctx context.Context, key, conversationSID string, onFrame func(relay.Frame) error) error {
	wsURL, err := c.websocketURL(key, conversationSID)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", uuid.NewString())
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.dialClient(), HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return decodeHTTPError(resp.StatusCode, readAll(resp.Body))
		}
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var frame relay.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if err := onFrame(frame); err != nil {
			return err
		}
	}
}

func (c *Client) websocketURL(key, conversationSID string) (string, error) {
	parsed, err := url.Parse(c.baseURL + conversationPath(key, "connect"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	if sid := strings.TrimSpace(conversationSID); sid != "" {
		q := parsed.Query()
		q.Set("conversationSid", sid)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

// dialClient drops the overall timeout: a watch stays open indefinitely.
func (c *Client) dialClient() *http.Client {
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, retry bool, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599 && resp.StatusCode != http.StatusBadGateway)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(status)
	}
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func readAll(r io.Reader) []byte {
	if r == nil {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(r, 1<<16))
	return data
}

func conversationPath(key, action string) string {
	return "/v1/conversations/" + url.PathEscape(key) + "/" + action
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
