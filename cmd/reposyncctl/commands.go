package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reposync/reposync/internal/api"
	"github.com/reposync/reposync/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply catalog migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := app.OpenCatalog(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Catalog migrated (%s).\n", store.Driver())
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry cleanup of files stuck in PENDING_DELETE",
	Long: `Deletes the cached object of every PENDING_DELETE file and marks it
DELETED. Files whose cleanup fails again stay PENDING_DELETE for the next run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			start := time.Now()
			res, err := a.Engine.RetryPendingDeletes(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Sweep complete in %v\n", time.Since(start).Round(time.Millisecond))
			fmt.Printf("   Scanned: %d\n   Deleted: %d\n   Failed:  %d\n   Skipped: %d\n",
				res.Scanned, res.Deleted, res.Failed, res.Skipped)
			if res.Failed > 0 {
				return fmt.Errorf("%d file(s) still pending deletion", res.Failed)
			}
			return nil
		})
	},
}

var sessionID string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reload a session's repository tree from GitHub",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			msg, err := a.Service.SyncRepository(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a session's cached files to GitHub",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			out, err := a.Service.PushRepository(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			fmt.Println(out.Message)
			for _, r := range out.Report.Results {
				fmt.Printf("  %-8s %s", r.Outcome, r.Path)
				if r.Detail != "" {
					fmt.Printf(" (%s)", r.Detail)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and deliver tracker notifications",
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Make one delivery attempt for pending notifications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.Dispatcher.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Delivered: %d, failed: %d, dead-lettered: %d (tracker: %s)\n",
				res.Delivered, res.Failed, res.Dead, a.Tracker.Name())
			return nil
		})
	},
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with API_JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		auth := api.NewAuth(cfg.JWTSecret, nil)
		if auth == nil {
			return errors.New("API_JWT_SECRET is not set; the API does not require tokens")
		}
		token, err := auth.IssueToken(tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, pushCmd} {
		c.Flags().StringVar(&sessionID, "session", "", "chat session whose active repository is used")
		c.MarkFlagRequired("session")
	}

	outboxCmd.AddCommand(outboxDrainCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "chat-frontend", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
}
