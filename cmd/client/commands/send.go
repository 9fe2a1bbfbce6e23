package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hybrid-chat/client"
)

// send <peer> <message>: connect, establish the session key and send one
// text message.
func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send one message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}
			if err := client.ValidateText(args[1]); err != nil {
				return err
			}
			app, err := newChatApp()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			runErr := make(chan error, 1)
			go func() { runErr <- app.Run(ctx) }()

			if err := waitAuthenticated(ctx, app, runErr); err != nil {
				return err
			}
			if err := app.OpenChat(ctx, peer); err != nil {
				return err
			}
			if err := app.WaitReady(ctx, peer); err != nil {
				return fmt.Errorf("no session key with %d (is the peer online?): %w", peer, err)
			}
			if _, err := app.SendText(ctx, peer, args[1]); err != nil {
				return err
			}
			fmt.Println("sent")

			cancel()
			<-runErr
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the relay and the peer")
	return cmd
}

func waitAuthenticated(ctx context.Context, app *client.ChatApp, runErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("relay did not accept the session: %w", ctx.Err())
		case err := <-runErr:
			if err == nil {
				err = errors.New("connection closed")
			}
			return err
		case ev := <-app.Events():
			switch ev.Kind {
			case client.EventAuthenticated:
				return nil
			case client.EventAuthFailed:
				return ev.Err
			}
		}
	}
}
