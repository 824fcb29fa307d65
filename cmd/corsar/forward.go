package main

import (
	"context"
	"fmt"
	"time"

	"github.com/altereigo/queenscorsar/internal/bridge"
	"github.com/spf13/cobra"
)

func newForwardCmd() *cobra.Command {
	var (
		socket   string
		from     string
		platform string
		text     string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Send one forward command to a command server",
		Long: "Acts as the sibling bot: sends a single forward_message command to the " +
			"command socket so it is posted in the destination channel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return fmt.Errorf("--text is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			sender := bridge.Platform(platform)
			command := bridge.NewForward(sender, bridge.Actor{Platform: sender, Name: from}, bridge.PlatformDiscord, text)
			if err := bridge.NewClient(socket).Send(ctx, command); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forwarded %s\n", command.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "/tmp/qcorsar.discord.sock", "command server socket")
	cmd.Flags().StringVar(&from, "from", "", "display name of the author")
	cmd.Flags().StringVar(&platform, "platform", string(bridge.PlatformTelegram), "platform the message comes from")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the server")
	return cmd
}
