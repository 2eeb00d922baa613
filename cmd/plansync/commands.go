package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/engine"
	"github.com/and161185/plansync/internal/model"
)

func init() {
	signinCmd.Flags().StringVar(&flagPassword, "password", "", "account password")
}

func openEngine(ctx context.Context, logger *zap.Logger) (*engine.Engine, error) {
	return engine.New(ctx, engine.Config{
		DataDir:       flagDataDir,
		BackendURL:    flagBackend,
		HTTPTimeout:   10 * time.Second,
		ProbeInterval: 5 * time.Second,
		Logger:        logger,
	})
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer func() { _ = logger.Sync() }()
		logger.Info("starting",
			zap.String("version", version),
			zap.String("buildDate", buildDate),
			zap.String("dataDir", flagDataDir),
		)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := openEngine(ctx, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Load(ctx); err != nil {
			return err
		}
		logger.Info("loaded", zap.String("auth", e.AuthState().Mode.String()))

		e.SubscribeAuth(func(st model.AuthState) {
			logger.Info("auth state changed", zap.String("mode", st.Mode.String()), zap.String("reason", st.Reason))
		})
		e.SubscribeSyncStatus(func(st model.SyncStatus) {
			if st.LastError != "" {
				logger.Warn("sync error", zap.String("err", st.LastError), zap.Int("pending", st.PendingCount))
			}
		})

		e.Watch(ctx)

		logger.Info("shutting down")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show auth and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx, zap.NewNop())
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.Load(ctx); err != nil {
			return err
		}

		auth := e.AuthState()
		fmt.Printf("auth:    %s", auth.Mode)
		switch auth.Mode {
		case model.RemoteAuth:
			fmt.Printf(" (%s)", auth.Session.Email)
		case model.OfflineAuth:
			fmt.Printf(" (%s, expires %s)", auth.Profile.Email, auth.Profile.ExpiresAt.Format(time.RFC3339))
		case model.NoAuth:
			if auth.Reason != "" {
				fmt.Printf(" (%s)", auth.Reason)
			}
		}
		fmt.Println()

		st := e.SyncStatus()
		fmt.Printf("pending: %d\n", st.PendingCount)
		if !st.LastSyncAt.IsZero() {
			fmt.Printf("synced:  %s\n", st.LastSyncAt.Format(time.RFC3339))
		}
		if st.LastError != "" {
			fmt.Printf("error:   %s\n", st.LastError)
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List operations queued for upload",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx, zap.NewNop())
		if err != nil {
			return err
		}
		defer e.Close()

		ops, err := e.Pending(ctx, 100)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("nothing pending")
			return nil
		}
		for _, op := range ops {
			fmt.Printf("%s  %-7s %s/%s  seq=%d  %s\n",
				op.EnqueuedAt.Format(time.RFC3339), op.Kind, op.EntityType, op.EntityID, op.ClientSeq, op.ID)
		}
		return nil
	},
}

var flagPassword string

var signinCmd = &cobra.Command{
	Use:   "signin <email>",
	Short: "Authenticate against the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagPassword == "" {
			return fmt.Errorf("missing password (--password)")
		}
		secret := []byte(flagPassword)

		ctx := cmd.Context()
		e, err := openEngine(ctx, zap.NewNop())
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.Load(ctx); err != nil {
			return err
		}

		if err := e.SignIn(ctx, args[0], secret); err != nil {
			return err
		}
		fmt.Println("signed in as", args[0])
		return nil
	},
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and discard pending local changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx, zap.NewNop())
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.Load(ctx); err != nil {
			return err
		}

		if err := e.SignOut(ctx); err != nil {
			return err
		}
		fmt.Println("signed out")
		return nil
	},
}
