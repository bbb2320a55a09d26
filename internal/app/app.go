package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nhle/mailrelay/internal/filter"
	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/notify"
	"github.com/nhle/mailrelay/internal/source"
	"github.com/nhle/mailrelay/internal/source/email"
	"github.com/nhle/mailrelay/internal/store"
	appsync "github.com/nhle/mailrelay/internal/sync"
)

// Options overrides the collaborators App builds from the configuration.
type Options struct {
	Store   store.Store
	Mailbox source.Mailbox
	Sink    notify.Sink
}

// App wires the configured accounts, state store, mailbox client and
// notification sink into an orchestrator.
type App struct {
	cfg          *model.AppConfig
	logger       *slog.Logger
	store        store.Store
	orchestrator *appsync.Orchestrator
}

// New assembles the relay. Collaborators missing from opts are created
// from cfg; the store is owned by App and released by Close.
func New(ctx context.Context, cfg *model.AppConfig, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := opts.Store
	if s == nil {
		var err error
		if s, err = OpenStore(ctx, cfg.Settings); err != nil {
			return nil, err
		}
	}

	sink := opts.Sink
	if sink == nil {
		tg, err := notify.NewTelegramSink(cfg.Telegram, nil)
		if err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("telegram bot connected", "bot", tg.BotName(), "chat_id", cfg.Telegram.ChatID)
		sink = tg
	}

	mailbox := opts.Mailbox
	if mailbox == nil {
		mailbox = email.NewIMAPClient(email.Options{})
	}

	notifier := notify.New(sink)
	poller := appsync.NewAccountPoller(
		mailbox, s, filter.New(cfg.Blacklist), notifier,
		logger, appsync.PollerConfigFrom(cfg.Settings),
	)
	interval := time.Duration(cfg.Settings.CheckIntervalSec) * time.Second

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        s,
		orchestrator: appsync.NewOrchestrator(poller, notifier, logger, cfg.Accounts, interval),
	}, nil
}

// Run polls until ctx is cancelled, or exactly once when once is set.
func (a *App) Run(ctx context.Context, once bool) error {
	if len(a.cfg.Accounts) == 0 {
		return errors.New("no accounts configured")
	}

	if once {
		reports := a.orchestrator.RunCycle(ctx, a.cfg.Accounts)
		var errs []error
		for _, r := range reports {
			if r.State == appsync.Error {
				errs = append(errs, r.Err())
			}
		}
		return errors.Join(errs...)
	}

	return a.orchestrator.Run(ctx)
}

// Statuses returns the live per-account sync status.
func (a *App) Statuses() []appsync.SyncStatus {
	return a.orchestrator.Statuses()
}

// Close releases the state store.
func (a *App) Close() error {
	return a.store.Close()
}

// OpenStore opens the state backend selected in settings.
func OpenStore(ctx context.Context, settings model.SettingsConfig) (store.Store, error) {
	switch settings.StateBackend {
	case model.StateBackendRedis:
		s, err := store.NewRedisStore(ctx, settings.RedisAddr, settings.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("opening redis state store: %w", err)
		}
		return s, nil
	case model.StateBackendSQLite, "":
		if settings.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(settings.DBPath), 0o755); err != nil {
				return nil, fmt.Errorf("creating state directory: %w", err)
			}
		}
		s, err := store.NewSQLiteStore(settings.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite state store %s: %w", settings.DBPath, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", settings.StateBackend)
	}
}
