package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type TwilioClientOptions struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// TwilioConversationsClient talks to the Twilio Conversations REST API.
type TwilioConversationsClient struct {
	baseURL    string
	accountSID string
	authToken  string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type twilioMessage struct {
	SID         string  `json:"sid"`
	Index       *int    `json:"index"`
	Author      *string `json:"author"`
	Body        *string `json:"body"`
	DateCreated string  `json:"date_created"`
	DateUpdated string  `json:"date_updated"`
	Attributes  string  `json:"attributes"`
}

type twilioMessagePage struct {
	Messages []twilioMessage `json:"messages"`
}

type twilioErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func NewTwilioConversationsClient(opts TwilioClientOptions) *TwilioConversationsClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://conversations.twilio.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &TwilioConversationsClient{
		baseURL:    baseURL,
		accountSID: strings.TrimSpace(opts.AccountSID),
		authToken:  strings.TrimSpace(opts.AuthToken),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *TwilioConversationsClient) ListMessages(ctx context.Context, conversationSID string, pageSize int) ([]Message, error) {
	if strings.TrimSpace(conversationSID) == "" {
		return nil, ErrInvalidInput
	}
	if pageSize <= 0 {
		pageSize = SyncPageSize
	}
	q := url.Values{}
	q.Set("Order", "desc")
	q.Set("PageSize", strconv.Itoa(pageSize))
	path := "/v1/Conversations/" + url.PathEscape(conversationSID) + "/Messages?" + q.Encode()

	var page twilioMessagePage
	if err := c.do(ctx, "list_messages", http.MethodGet, path, nil, c.maxRetries, &page); err != nil {
		return nil, err
	}
	// Fetched newest first so the page is the most recent one; hand it back
	// oldest first.
	out := make([]Message, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		out = append(out, page.Messages[i].toMessage())
	}
	return out, nil
}

func (c *TwilioConversationsClient) CreateMessage(ctx context.Context, conversationSID string, req CreateMessageRequest) (Message, error) {
	if strings.TrimSpace(conversationSID) == "" {
		return Message{}, ErrInvalidInput
	}
	form := url.Values{}
	form.Set("Body", req.Body)
	if author := strings.TrimSpace(req.Author); author != "" {
		form.Set("Author", author)
	}
	path := "/v1/Conversations/" + url.PathEscape(conversationSID) + "/Messages"

	// Creating is not idempotent, so it is attempted exactly once.
	var created twilioMessage
	if err := c.do(ctx, "create_message", http.MethodPost, path, form, 0, &created); err != nil {
		return Message{}, err
	}
	if created.SID == "" {
		return Message{}, &ProviderError{Op: "create_message", Message: "provider response is missing a message sid"}
	}
	return created.toMessage(), nil
}

func (c *TwilioConversationsClient) do(ctx context.Context, op, method, path string, form url.Values, maxRetries int, out any) error {
	if c == nil {
		return &ProviderError{Op: op, Message: "twilio client is nil"}
	}
	if c.accountSID == "" || c.authToken == "" {
		return &ProviderError{Op: op, Message: "twilio credentials are not configured"}
	}
	var encoded string
	if form != nil {
		encoded = form.Encode()
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return &ProviderError{Op: op, Err: err}
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		req.Header.Set("Accept", "application/json")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &ProviderError{Op: op, Err: waitErr}
				}
				continue
			}
			return &ProviderError{Op: op, Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: readErr}
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &ProviderError{Op: op, Err: waitErr}
			}
			continue
		}

		providerErr := &ProviderError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
		var parsed twilioErrorPayload
		if json.Unmarshal(respBody, &parsed) == nil {
			providerErr.Code = parsed.Code
			if strings.TrimSpace(parsed.Message) != "" {
				providerErr.Message = parsed.Message
			}
		}
		if providerErr.Message == "" {
			providerErr.Message = http.StatusText(resp.StatusCode)
		}
		return providerErr
	}
}

func (c *TwilioConversationsClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func (m twilioMessage) toMessage() Message {
	return Message{
		SID:         m.SID,
		Index:       m.Index,
		Author:      m.Author,
		Body:        m.Body,
		DateCreated: parseProviderTime(m.DateCreated),
		DateUpdated: parseProviderTime(m.DateUpdated),
		Attributes:  m.Attributes,
	}
}

func parseProviderTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed.UTC()
	}
	if parsed, err := time.Parse(time.RFC1123Z, raw); err == nil {
		return parsed.UTC()
	}
	return time.Time{}
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
