package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/convrelay/internal/relay"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream realtime frames for a conversation",
		Run:   runWatch,
	}

	cmd.Flags().StringP("key", "k", "", "Conversation key (required)")
	cmd.Flags().StringP("sid", "s", "", "Provider conversation SID to bind an unbound key to")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	sid, _ := cmd.Flags().GetString("sid")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newClient().Watch(ctx, key, sid, func(frame relay.Frame) error {
		printFrame(frame)
		return nil
	})
	if err != nil {
		exitErr("watch", err)
	}
}

func printFrame(frame relay.Frame) {
	if formatFlag != "text" {
		b, _ := json.Marshal(frame)
		fmt.Println(string(b))
		return
	}
	switch frame.Type {
	case relay.FrameSnapshot:
		fmt.Printf("-- snapshot: %d message(s)\n", len(frame.Messages))
		for _, message := range frame.Messages {
			fmt.Println(formatMessage(message))
		}
	case relay.FrameMessageAdded:
		if frame.Message != nil {
			fmt.Println(formatMessage(*frame.Message))
		}
	case relay.FrameError:
		fmt.Fprintf(os.Stderr, "-- error: %s\n", frame.Error)
	}
}
