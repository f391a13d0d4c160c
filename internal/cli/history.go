package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored history of a conversation",
		Run:   runHistory,
	}

	cmd.Flags().StringP("key", "k", "", "Conversation key (required)")
	cmd.Flags().IntP("limit", "l", 0, "Only print the most recent N messages")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	limit, _ := cmd.Flags().GetInt("limit")

	messages, err := newClient().History(cmd.Context(), key)
	if err != nil {
		exitErr("history", err)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	if formatFlag == "text" {
		for _, message := range messages {
			fmt.Println(formatMessage(message))
		}
		return
	}
	b, _ := json.MarshalIndent(messages, "", "  ")
	fmt.Println(string(b))
}
