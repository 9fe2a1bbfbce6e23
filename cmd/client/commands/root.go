package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hybrid-chat/client"
	"hybrid-chat/common"
	"hybrid-chat/configs"
	"hybrid-chat/keystore"
	"hybrid-chat/protocol/hybrid"
)

var (
	logger = logrus.New()
	cfg    configs.ClientConfig
	appCtx *appContext

	flagRelay      string
	flagUser       int64
	flagToken      string
	flagDir        string
	flagPassphrase string
)

// appContext holds what every subcommand needs once flags and environment
// are resolved.
type appContext struct {
	files    *keystore.FileStore
	sessions keystore.Store
	api      *client.API
	redis    *redis.Client
}

func Execute() error {
	root := &cobra.Command{
		Use:          "hybrid-chat",
		Short:        "End-to-end encrypted pairwise chat client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appCtx != nil && appCtx.redis != nil {
				appCtx.redis.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&flagRelay, "relay", "", "relay base URL (default $RELAY_URL or http://localhost:8080)")
	root.PersistentFlags().Int64VarP(&flagUser, "user", "u", 0, "your user ID (default $USER_ID)")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "relay session token (default $SESSION_TOKEN)")
	root.PersistentFlags().StringVar(&flagDir, "home", "", "keystore dir (default $KEYSTORE_DIR or ~/.hybrid-chat)")
	root.PersistentFlags().StringVarP(&flagPassphrase, "passphrase", "p", "", "passphrase protecting the keystore (default $KEYSTORE_PASSPHRASE)")

	root.AddCommand(keygenCmd(), fingerprintCmd(), chatCmd(), sendCmd(), historyCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command) error {
	files := []string{".env"}
	if flagUser != 0 {
		files = append([]string{fmt.Sprintf(".env.%d", flagUser)}, files...)
	}
	if err := configs.LoadEnvFiles(files...); err != nil {
		return err
	}

	var err error
	if cfg, err = configs.LoadClientConfig(); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("relay") {
		cfg.RelayURL = flagRelay
	}
	if flags.Changed("user") {
		cfg.UserID = flagUser
	}
	if flags.Changed("token") {
		cfg.Token = flagToken
	}
	if flags.Changed("home") {
		cfg.Dir = flagDir
	}
	if flags.Changed("passphrase") {
		cfg.Passphrase = flagPassphrase
	}
	logger.SetLevel(cfg.LogLevel)

	if cfg.UserID <= 0 {
		return errors.New("user ID required (--user or USER_ID)")
	}

	fs, err := keystore.OpenFileStore(cfg.Dir, cfg.Passphrase)
	if err != nil {
		return err
	}
	appCtx = &appContext{
		files:    fs,
		sessions: fs,
		api:      client.NewAPI(cfg.RelayURL, cfg.Token),
	}
	if cfg.SessionRedisAddr != "" {
		appCtx.redis = redis.NewClient(&redis.Options{Addr: cfg.SessionRedisAddr})
		if err := appCtx.redis.Ping(cmd.Context()).Err(); err != nil {
			return fmt.Errorf("connect to session redis at %s: %w", cfg.SessionRedisAddr, err)
		}
		appCtx.sessions = keystore.NewRedisStore(context.Background(), appCtx.redis)
	}
	return nil
}

func selfID() common.IdentityID { return common.IdentityID(cfg.UserID) }

func loadIdentity() (*hybrid.Identity, error) {
	rec, ok, err := appCtx.files.LoadIdentity(selfID())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no identity for user %d in %s, run keygen first", cfg.UserID, cfg.Dir)
	}
	return rec.Identity()
}

func newChatApp() (*client.ChatApp, error) {
	identity, err := loadIdentity()
	if err != nil {
		return nil, err
	}
	return client.NewChatApp(identity, appCtx.sessions, appCtx.api, logger), nil
}

func parsePeer(s string) (common.IdentityID, error) {
	peer, err := common.ParseIdentityID(s)
	if err != nil {
		return 0, err
	}
	if peer == selfID() {
		return 0, errors.New("cannot chat with yourself")
	}
	return peer, nil
}

// logToFile moves log output off the terminal while the UI owns it.
func logToFile() (func(), error) {
	f, err := os.OpenFile(filepath.Join(cfg.Dir, fmt.Sprintf("client-%d.log", cfg.UserID)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(f)
	return func() {
		logger.SetOutput(os.Stderr)
		f.Close()
	}, nil
}
