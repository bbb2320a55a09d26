package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/nhle/mailrelay/internal/filter"
	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/notify"
	"github.com/nhle/mailrelay/internal/source"
	"github.com/nhle/mailrelay/internal/source/email"
	"github.com/nhle/mailrelay/internal/store"
)

// defaultFetchTimeout bounds the mailbox I/O of a single account cycle.
const defaultFetchTimeout = time.Duration(model.DefaultFetchTimeoutSec) * time.Second

// PollerConfig tunes an AccountPoller.
type PollerConfig struct {
	// BodyLimit is the maximum body excerpt length in characters.
	BodyLimit int

	// FetchTimeout bounds connect, list and fetch for one cycle. UIDs not
	// fetched by then are left for the next cycle.
	FetchTimeout time.Duration

	// StuckAfter raises an alert once a UID failed to fetch this many
	// times. Zero disables the alert.
	StuckAfter int

	// ForceSkipAfter decides a UID as skipped after this many failed
	// fetches. Zero keeps retrying forever.
	ForceSkipAfter int
}

// PollerConfigFrom derives poller settings from the application config.
func PollerConfigFrom(s model.SettingsConfig) PollerConfig {
	return PollerConfig{
		BodyLimit:      s.BodyLimit,
		FetchTimeout:   time.Duration(s.FetchTimeoutSec) * time.Second,
		StuckAfter:     s.StuckAfter,
		ForceSkipAfter: s.ForceSkipAfter,
	}
}

// CycleReport summarizes one polling cycle of one account.
type CycleReport struct {
	AccountID   string
	AccountName string
	State       State

	Candidates     int
	Emitted        int
	Blocked        int
	DeliveryFailed int
	FetchFailed    int
	Skipped        int

	// Deferred counts candidates left unfetched because the cycle ran
	// out of time or lost its connection.
	Deferred int

	// FailedIn is the state the cycle was in when it first failed.
	FailedIn State

	// Stuck lists UIDs that reached the stuck threshold this cycle.
	Stuck []uint32

	Watermark uint32
	Started   time.Time
	Duration  time.Duration

	// Errors holds every failure reported during the cycle.
	Errors []error
}

// Err joins all errors of the cycle, or returns nil.
func (r CycleReport) Err() error {
	return errors.Join(r.Errors...)
}

func (r *CycleReport) fail(err error) {
	if r.State != Error {
		r.FailedIn = r.State
	}
	r.State = Error
	r.Errors = append(r.Errors, err)
}

// fetchOutcome is the result of fetching all candidates of a cycle.
type fetchOutcome struct {
	messages []model.DecodedMessage
	failed   []fetchFailure

	// deferred holds the UIDs not attempted after the session broke
	// down; cause says why.
	deferred []uint32
	cause    error
}

type fetchFailure struct {
	uid uint32
	err error
}

// AccountPoller runs polling cycles for single accounts.
type AccountPoller struct {
	mailbox   source.Mailbox
	store     store.Store
	blacklist *filter.Blacklist
	notifier  *notify.Notifier
	logger    *slog.Logger
	cfg       PollerConfig
	now       func() time.Time
}

// NewAccountPoller creates a poller. A nil logger discards output.
func NewAccountPoller(
	mailbox source.Mailbox,
	s store.Store,
	blacklist *filter.Blacklist,
	notifier *notify.Notifier,
	logger *slog.Logger,
	cfg PollerConfig,
) *AccountPoller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = model.DefaultBodyLimit
	}
	return &AccountPoller{
		mailbox:   mailbox,
		store:     s,
		blacklist: blacklist,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Poll runs one cycle for account: connect, list candidates above the
// watermark, fetch and decode them, then decide each in date order.
// Failures end up in the report; Poll never returns an error.
//
// Cancelling ctx does not interrupt a cycle in progress; mailbox I/O is
// bounded by the fetch timeout instead.
func (p *AccountPoller) Poll(ctx context.Context, account model.AccountConfig) CycleReport {
	report := CycleReport{
		AccountID:   account.AccountID(),
		AccountName: account.DisplayName(),
		State:       Disconnected,
		Started:     p.now(),
	}

	p.poll(context.WithoutCancel(ctx), account, &report)

	report.Duration = p.now().Sub(report.Started)
	return report
}

func (p *AccountPoller) poll(ctx context.Context, account model.AccountConfig, report *CycleReport) {
	id := report.AccountID
	log := p.logger.With("account", id)

	wm, err := LoadWatermark(ctx, p.store, id, report.AccountName, account.LastCheckedUID)
	if err != nil {
		report.fail(source.NewError(source.InternalError, id, err))
		return
	}
	report.Watermark = wm.Value()
	defer func() { report.Watermark = wm.Value() }()

	ioCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	session, err := p.mailbox.Open(ioCtx, account, func(step source.Step) {
		report.State = stepState(step)
		log.Debug("mailbox open progressed", "state", report.State.String())
	})
	if err != nil {
		if source.IsAuthError(err) {
			log.Error("mailbox rejected credentials", "state", report.State.String(), "error", err)
		} else {
			log.Warn("opening mailbox failed", "state", report.State.String(), "error", err)
		}
		report.fail(classify(source.ConnectionError, id, err))
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug("closing session", "error", err)
		}
	}()

	report.State = Listing
	uids, err := session.ListUIDs(ioCtx)
	if err != nil {
		log.Warn("listing messages failed", "error", err)
		report.fail(classify(source.ConnectionError, id, fmt.Errorf("listing UIDs: %w", err)))
		return
	}

	candidates, err := wm.Observe(ctx, uids)
	if err != nil {
		report.fail(source.NewError(source.InternalError, id, err))
		return
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		log.Debug("no new messages", "watermark", wm.Value())
		report.State = Idle
		return
	}
	log.Info("new messages", "count", len(candidates), "watermark", wm.Value())

	report.State = FetchingBatch
	outcome := p.fetchAll(ioCtx, session, id, candidates, report)
	if n := len(outcome.deferred); n > 0 {
		report.Deferred = n
		if errors.Is(outcome.cause, context.DeadlineExceeded) {
			log.Warn("fetch timeout reached, deferring messages",
				"deferred", n, "timeout", p.cfg.FetchTimeout)
		} else {
			log.Warn("connection lost while fetching", "deferred", n, "error", outcome.cause)
			report.Errors = append(report.Errors, source.NewError(source.ConnectionError, id,
				fmt.Errorf("fetch interrupted, %d messages deferred: %w", n, outcome.cause)))
		}
	}

	for _, f := range outcome.failed {
		if err := p.handleFetchFailure(ctx, wm, id, f, report); err != nil {
			report.fail(source.NewError(source.InternalError, id, err))
			return
		}
	}

	report.State = Deciding
	sortByDate(outcome.messages)
	for _, msg := range outcome.messages {
		if err := p.decide(ctx, wm, account, msg, report); err != nil {
			report.fail(source.NewError(source.InternalError, id, err))
			return
		}
	}

	report.State = Idle
}

// fetchAll retrieves and decodes every candidate. Failed UIDs are
// collected and left out of the batch. Fetching stops when ctx ends or
// the connection drops; the rest is deferred without counting against
// the messages.
func (p *AccountPoller) fetchAll(
	ctx context.Context,
	session source.Session,
	account string,
	candidates []uint32,
	report *CycleReport,
) fetchOutcome {
	var out fetchOutcome
	for i, uid := range candidates {
		if err := ctx.Err(); err != nil {
			out.deferred, out.cause = candidates[i:], err
			break
		}
		raw, err := session.FetchRaw(ctx, uid)
		if err != nil && (ctx.Err() != nil || source.KindOf(err) == source.ConnectionError) {
			out.deferred, out.cause = candidates[i:], err
			if ctxErr := ctx.Err(); ctxErr != nil {
				out.cause = ctxErr
			}
			break
		}
		if err != nil {
			e := &source.Error{Kind: source.FetchError, Account: account, UID: uid, Err: err}
			p.logger.Warn("fetching message failed",
				"account", account, "uid", uid, "error", err)
			report.Errors = append(report.Errors, e)
			report.FetchFailed++
			out.failed = append(out.failed, fetchFailure{uid: uid, err: err})
			continue
		}
		if err := p.store.ClearFetchFailure(context.WithoutCancel(ctx), account, uid); err != nil {
			p.logger.Warn("clearing fetch failure", "account", account, "uid", uid, "error", err)
		}

		msg := email.Decode(raw, p.now())
		if msg.DateFallback {
			p.logger.Debug("missing or invalid Date header, using current time",
				"account", account, "uid", uid)
		}
		out.messages = append(out.messages, msg)
	}
	return out
}

// handleFetchFailure updates the failure ledger and applies the stuck
// and force-skip thresholds.
func (p *AccountPoller) handleFetchFailure(
	ctx context.Context,
	wm *Watermark,
	account string,
	f fetchFailure,
	report *CycleReport,
) error {
	attempts, err := p.store.RecordFetchFailure(ctx, account, f.uid, f.err.Error())
	if err != nil {
		return err
	}

	if p.cfg.StuckAfter > 0 && attempts == p.cfg.StuckAfter {
		report.Stuck = append(report.Stuck, f.uid)
		report.Errors = append(report.Errors, &source.Error{
			Kind:    source.FetchError,
			Account: account,
			UID:     f.uid,
			Err:     fmt.Errorf("message is stuck after %d failed fetches: %w", attempts, f.err),
		})
		p.logger.Error("message stuck", "account", account, "uid", f.uid, "attempts", attempts)
	}

	if p.cfg.ForceSkipAfter > 0 && attempts >= p.cfg.ForceSkipAfter {
		if err := wm.Decide(ctx, f.uid, model.DecisionSkipped); err != nil {
			return err
		}
		report.Skipped++
		p.logger.Warn("skipping unfetchable message",
			"account", account, "uid", f.uid, "attempts", attempts)
	}
	return nil
}

// decide filters or delivers msg and persists the decision.
func (p *AccountPoller) decide(
	ctx context.Context,
	wm *Watermark,
	account model.AccountConfig,
	msg model.DecodedMessage,
	report *CycleReport,
) error {
	id := account.AccountID()
	log := p.logger.With("account", id, "uid", msg.UID)

	if verdict := p.blacklist.Check(msg.From, msg.Subject, msg.Body); verdict.Blocked {
		if err := wm.Decide(ctx, msg.UID, model.DecisionBlocked); err != nil {
			return err
		}
		report.Blocked++
		log.Info("message blocked",
			"from", msg.From, "subject", msg.Subject,
			"rule", verdict.Rule, "pattern", verdict.Pattern)
		return nil
	}

	event := model.NewNotificationEvent(account.DisplayName(), msg, p.cfg.BodyLimit)
	sendErr := p.notifier.Deliver(ctx, event)

	decision := model.DecisionEmitted
	entry := model.Notification{
		AccountID: id,
		UID:       msg.UID,
		From:      msg.From,
		Subject:   msg.Subject,
		Delivered: true,
		CreatedAt: p.now(),
	}
	if sendErr != nil {
		decision = model.DecisionDeliveryFailed
		entry.Delivered = false
		entry.Error = sendErr.Error()
	}

	if err := wm.Decide(ctx, msg.UID, decision); err != nil {
		return err
	}

	if err := p.store.CreateNotification(ctx, entry); err != nil {
		log.Warn("recording notification", "error", err)
	}

	if sendErr != nil {
		report.DeliveryFailed++
		report.Errors = append(report.Errors, &source.Error{
			Kind: source.DeliveryError, Account: id, UID: msg.UID, Err: sendErr,
		})
		log.Error("delivering notification failed", "error", sendErr)
		return nil
	}

	report.Emitted++
	log.Info("message relayed", "from", msg.From, "subject", msg.Subject)
	return nil
}

// sortByDate orders messages oldest first, ties broken by UID.
func sortByDate(msgs []model.DecodedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].Date.Before(msgs[j].Date)
		}
		return msgs[i].UID < msgs[j].UID
	})
}

// stepState maps an open step to the cycle state it completes.
func stepState(step source.Step) State {
	switch step {
	case source.StepConnected:
		return Connected
	case source.StepAuthenticated:
		return Authenticated
	case source.StepFolderSelected:
		return FolderSelected
	}
	return Disconnected
}

// classify wraps err with kind unless it already carries one.
func classify(kind source.ErrorKind, account string, err error) error {
	var e *source.Error
	if errors.As(err, &e) {
		return err
	}
	return source.NewError(kind, account, err)
}
