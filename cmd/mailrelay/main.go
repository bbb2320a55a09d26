package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailrelay/internal/app"
	"github.com/nhle/mailrelay/internal/credential"
	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/store"
	appsync "github.com/nhle/mailrelay/internal/sync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "mailrelay",
		Short:         "Relay new mail from IMAP mailboxes to a Telegram chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", model.DefaultConfigPath(), "path to the YAML config file",
	)

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newInitCmd(&configPath),
		newStatusCmd(&configPath),
		newSecretCmd(&configPath),
	)
	return rootCmd
}

func newRunCmd(configPath *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll all accounts and forward new mail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg.Settings)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			if err := credential.ResolveConfig(cfg, credential.Get); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			relay, err := app.New(ctx, cfg, logger, app.Options{})
			if err != nil {
				return err
			}
			defer relay.Close()

			runErr := relay.Run(ctx, once)
			logStatuses(logger, relay.Statuses())
			return runErr
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single polling cycle and exit")
	return cmd
}

// logStatuses writes the final state of every account.
func logStatuses(logger *slog.Logger, statuses []appsync.SyncStatus) {
	for _, st := range statuses {
		attrs := []any{
			"account", st.AccountID,
			"state", st.State.String(),
			"watermark", st.Watermark,
		}
		if !st.LastSync.IsZero() {
			attrs = append(attrs, "last_sync", st.LastSync.Format(time.RFC3339))
		}
		if st.Error != nil {
			logger.Warn("account status", append(attrs, "error", st.Error)...)
			continue
		}
		logger.Info("account status", attrs...)
	}
}

func newInitCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", *configPath)
			}
			if err := model.SaveConfig(*configPath, model.DefaultAppConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Created %s. Fill in your accounts and Telegram settings.\n", *configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-account progress and recent deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := app.OpenStore(ctx, cfg.Settings)
			if err != nil {
				return err
			}
			defer s.Close()

			return printStatus(ctx, cmd, s, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent deliveries to show")
	return cmd
}

func printStatus(ctx context.Context, cmd *cobra.Command, s store.Store, limit int) error {
	states, err := s.GetAccountStates(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tNAME\tLAST UID\tUPDATED")
	for _, st := range states {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			st.ID, st.Name, st.LastCheckedUID, st.UpdatedAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if limit <= 0 {
		return nil
	}
	recent, err := s.GetNotifications(ctx, store.NotificationFilter{Limit: limit})
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout())
	w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACCOUNT\tUID\tSTATUS\tSUBJECT")
	for _, n := range recent {
		status := "sent"
		if !n.Delivered {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			n.CreatedAt.Local().Format(time.DateTime), n.AccountID, n.UID, status, n.Subject)
	}
	return w.Flush()
}

func newSecretCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage passwords and the bot token in the system keyring",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "keys",
			Short: "List the keyring keys the configuration refers to",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(*configPath)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, credential.BotTokenKey)
				for _, acc := range cfg.Accounts {
					fmt.Fprintln(out, acc.CredentialKey())
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "set KEY",
			Short: "Store a secret read from stdin",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintf(cmd.ErrOrStderr(), "Enter value for %s: ", args[0])
				value, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && value == "" {
					return fmt.Errorf("reading secret: %w", err)
				}
				value = strings.TrimRight(value, "\r\n")
				if value == "" {
					return errors.New("empty secret")
				}
				return credential.Set(args[0], value)
			},
		},
		&cobra.Command{
			Use:   "delete KEY",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return credential.Delete(args[0])
			},
		},
	)
	return cmd
}

// loadConfig reads the configuration, pointing at `init` when the file
// does not exist yet.
func loadConfig(path string) (*model.AppConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file %s not found; run `mailrelay init` to create one", path)
	}
	return model.LoadConfig(path)
}
