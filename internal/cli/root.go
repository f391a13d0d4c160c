// Package cli implements the convrelayctl operator commands.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/agentworkforce/convrelay/internal/relay"
	"github.com/agentworkforce/convrelay/internal/relayclient"
	"github.com/spf13/cobra"
)

var (
	baseURL    string
	token      string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "convrelayctl",
	Short: "Operate a conversation relay",
	Long:  "Send, sync, inspect, and watch relayed conversations through a running convrelay server.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&baseURL, "url", "u", "", "Relay base URL (default: $CONVRELAY_BASE_URL or http://127.0.0.1:8080)")
	RootCmd.PersistentFlags().StringVarP(&token, "token", "t", "", "Bearer token (default: $CONVRELAY_TOKEN)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func getBaseURL() string {
	if baseURL != "" {
		return baseURL
	}
	if env := os.Getenv("CONVRELAY_BASE_URL"); env != "" {
		return env
	}
	return "http://127.0.0.1:8080"
}

func getToken() string {
	if token != "" {
		return token
	}
	return os.Getenv("CONVRELAY_TOKEN")
}

func newClient() *relayclient.Client {
	return relayclient.New(getBaseURL(), getToken(), nil)
}

func formatMessage(message relay.Message) string {
	author, body := "-", ""
	if message.Author != nil && *message.Author != "" {
		author = *message.Author
	}
	if message.Body != nil {
		body = strings.ReplaceAll(*message.Body, "\n", " ")
	}
	return fmt.Sprintf("%s  %-12s %s: %s", message.DateCreated.Format("2006-01-02 15:04:05"), message.SID, author, body)
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
