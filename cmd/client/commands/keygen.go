package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"hybrid-chat/keystore"
	"hybrid-chat/protocol/hybrid"
)

func keygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate your identity keys and publish the public halves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok, err := appCtx.files.LoadIdentity(selfID()); err != nil {
				return err
			} else if ok && !force {
				return fmt.Errorf("identity for user %d already exists (use --force to replace it)", cfg.UserID)
			}

			identity, err := hybrid.NewIdentity(selfID())
			if err != nil {
				return err
			}
			rec, err := keystore.EncodeIdentity(identity)
			if err != nil {
				return err
			}
			if err := appCtx.files.SaveIdentity(rec); err != nil {
				return err
			}

			entry, err := identity.PublicEntry()
			if err != nil {
				return err
			}
			if err := appCtx.api.PublishKey(cmd.Context(), entry); err != nil {
				return fmt.Errorf("identity saved, but publishing failed: %w", err)
			}
			fmt.Printf("Identity for user %d created and published to %s\n", cfg.UserID, cfg.RelayURL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
