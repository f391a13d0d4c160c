package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a conversation with the provider",
		Run:   runSync,
	}

	cmd.Flags().StringP("key", "k", "", "Conversation key (required)")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runSync(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	if err := newClient().Sync(cmd.Context(), key); err != nil {
		exitErr("sync", err)
	}
	fmt.Println(`{"success": true}`)
}
