package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/convrelay/internal/relay"
)

func TestGetBaseURLPrecedence(t *testing.T) {
	baseURL = ""
	t.Cleanup(func() { baseURL = "" })

	t.Setenv("CONVRELAY_BASE_URL", "")
	if got := getBaseURL(); got != "http://127.0.0.1:8080" {
		t.Fatalf("expected default url, got %s", got)
	}
	t.Setenv("CONVRELAY_BASE_URL", "https://relay.example.com")
	if got := getBaseURL(); got != "https://relay.example.com" {
		t.Fatalf("expected env url, got %s", got)
	}
	baseURL = "http://localhost:9000"
	if got := getBaseURL(); got != "http://localhost:9000" {
		t.Fatalf("expected flag url, got %s", got)
	}
}

func TestFormatMessage(t *testing.T) {
	author, body := "alice", "hello\nthere"
	line := formatMessage(relay.Message{
		SID:         "SM1",
		Author:      &author,
		Body:        &body,
		DateCreated: time.Date(2024, 6, 1, 12, 0, 1, 0, time.UTC),
	})
	if !strings.HasPrefix(line, "2024-06-01 12:00:01") {
		t.Fatalf("expected timestamp prefix, got %q", line)
	}
	if !strings.Contains(line, "alice: hello there") {
		t.Fatalf("expected flattened body, got %q", line)
	}

	if line := formatMessage(relay.Message{SID: "SM2"}); !strings.Contains(line, "-: ") {
		t.Fatalf("expected placeholder author, got %q", line)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"send": false, "sync": false, "history": false, "watch": false}
	for _, cmd := range RootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected %s command to be registered", name)
		}
	}
}
