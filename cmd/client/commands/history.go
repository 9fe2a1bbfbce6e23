package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <peer>",
		Short: "Print the stored conversation with a peer",
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
			msgs, err := app.History(cmd.Context(), peer)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				who := m.From.String()
				if m.From == app.ID() {
					who = "you"
				}
				fmt.Printf("%s [%s] %s\n", m.SentAt.Local().Format("2006-01-02 15:04"), who, m.Text())
			}
			return nil
		},
	}
}
