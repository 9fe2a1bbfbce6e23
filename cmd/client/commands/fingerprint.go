package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <peer>",
		Short: "Print the safety number shared with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}
			app, err := newChatApp()
			if err != nil {
				return err
			}
			num, err := app.SafetyNumber(cmd.Context(), peer)
			if err != nil {
				return err
			}
			fmt.Printf("Safety number with %d:\n%s\n", peer, num)
			return nil
		},
	}
}
