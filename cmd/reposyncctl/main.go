// reposyncctl runs one-off maintenance tasks against the same catalog, cache
// and GitHub configuration as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reposync/reposync/internal/app"
	"github.com/reposync/reposync/internal/config"
	"github.com/reposync/reposync/internal/logging"
)

var (
	cfg      *config.Config
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "reposyncctl",
	Short: "Maintenance commands for a RepoSync deployment",
	Long: `reposyncctl reads the same environment (and REPOSYNC_CONFIG file) as the
server and performs one task against the shared catalog:

  migrate        apply catalog migrations
  sweep          retry cleanup of files stuck in PENDING_DELETE
  sync           reload a session's repository tree from GitHub
  push           push a session's cached files to GitHub
  outbox drain   deliver pending tracker notifications
  token          issue an API token`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		return logging.Init(logging.Config{Level: level, Format: "console"})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
	rootCmd.AddCommand(migrateCmd, sweepCmd, syncCmd, pushCmd, outboxCmd, tokenCmd)
}

// withApp builds the application for one command and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
