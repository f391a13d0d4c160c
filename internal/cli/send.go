package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message into a conversation",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSend,
	}

	cmd.Flags().StringP("key", "k", "", "Conversation key (required)")
	cmd.Flags().StringP("sid", "s", "", "Provider conversation SID, used while the key is unbound")

	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runSend(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	sid, _ := cmd.Flags().GetString("sid")

	created, err := newClient().Send(cmd.Context(), key, sid, strings.Join(args, " "))
	if err != nil {
		exitErr("send", err)
	}

	if formatFlag == "text" {
		fmt.Println(formatMessage(created))
		return
	}
	b, _ := json.MarshalIndent(created, "", "  ")
	fmt.Println(string(b))
}
