package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"hybrid-chat/client"
	"hybrid-chat/common"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [peer]",
		Short: "Open the interactive chat window",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var peer common.IdentityID
			if len(args) == 1 {
				var err error
				if peer, err = parsePeer(args[0]); err != nil {
					return err
				}
			}
			app, err := newChatApp()
			if err != nil {
				return err
			}

			restore, err := logToFile()
			if err != nil {
				return err
			}
			defer restore()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			runErr := make(chan error, 1)
			go func() { runErr <- app.Run(ctx) }()

			ui, err := client.NewUI(ctx, app, peer, logger)
			if err != nil {
				return err
			}
			if err := ui.Run(); err != nil {
				return err
			}

			cancel()
			if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
