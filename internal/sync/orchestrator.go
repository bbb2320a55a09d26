package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	gosync "sync"
	"time"

	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/notify"
	"github.com/nhle/mailrelay/internal/source"
)

// Poller runs one polling cycle for one account.
type Poller interface {
	Poll(ctx context.Context, account model.AccountConfig) CycleReport
}

// SyncStatus holds the sync state for a single account.
type SyncStatus struct {
	AccountID string
	Name      string
	State     State
	Running   bool
	Watermark uint32
	LastSync  time.Time
	Error     error
}

// Orchestrator polls every configured account in turn, forever.
type Orchestrator struct {
	poller   Poller
	notifier *notify.Notifier
	logger   *slog.Logger
	accounts []model.AccountConfig
	interval time.Duration

	mu       gosync.Mutex
	statuses map[string]*SyncStatus
	order    []string
}

// NewOrchestrator creates an orchestrator for accounts. A nil logger
// discards output.
func NewOrchestrator(
	poller Poller,
	notifier *notify.Notifier,
	logger *slog.Logger,
	accounts []model.AccountConfig,
	interval time.Duration,
) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = time.Duration(model.DefaultCheckIntervalSec) * time.Second
	}

	o := &Orchestrator{
		poller:   poller,
		notifier: notifier,
		logger:   logger,
		accounts: accounts,
		interval: interval,
		statuses: make(map[string]*SyncStatus),
	}
	for _, acc := range accounts {
		o.status(acc)
	}
	return o
}

// Run repeats RunCycle, sleeping the configured interval in between,
// until ctx is cancelled. Cancellation is observed between accounts and
// between cycles only.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("mail relay started",
		"accounts", len(o.accounts), "interval", o.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("mail relay stopping")
			return nil
		case <-timer.C:
		}

		o.RunCycle(ctx, o.accounts)
		timer.Reset(o.interval)
	}
}

// RunCycle polls each account sequentially. A failing or panicking
// account never prevents the others from being polled; failures are
// logged and reported through the notifier.
func (o *Orchestrator) RunCycle(ctx context.Context, accounts []model.AccountConfig) []CycleReport {
	reports := make([]CycleReport, 0, len(accounts))
	for _, acc := range accounts {
		if ctx.Err() != nil {
			break
		}

		o.setRunning(acc)
		report := o.pollSafely(ctx, acc)
		o.setStatus(report)

		o.logReport(report)
		if err := report.Err(); err != nil {
			o.reportError(ctx, report, err)
		}
		reports = append(reports, report)
	}
	return reports
}

// Statuses returns the current status of every account in config order.
func (o *Orchestrator) Statuses() []SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(o.order))
	for _, id := range o.order {
		statuses = append(statuses, *o.statuses[id])
	}
	return statuses
}

// pollSafely converts a panic inside the poller into a failed report.
func (o *Orchestrator) pollSafely(ctx context.Context, acc model.AccountConfig) (report CycleReport) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("poller panicked",
				"account", acc.AccountID(), "panic", r, "stack", string(debug.Stack()))
			report = CycleReport{
				AccountID:   acc.AccountID(),
				AccountName: acc.DisplayName(),
				State:       Error,
				Errors: []error{source.NewError(
					source.InternalError, acc.AccountID(), fmt.Errorf("panic: %v", r),
				)},
			}
		}
	}()
	return o.poller.Poll(ctx, acc)
}

// reportError forwards cycle failures to the notifier. The report is
// sent even when shutdown has begun.
func (o *Orchestrator) reportError(ctx context.Context, r CycleReport, err error) {
	sendErr := o.notifier.ReportError(context.WithoutCancel(ctx), r.AccountName, err)
	if sendErr != nil {
		o.logger.Error("reporting error failed", "account", r.AccountID, "error", sendErr)
	}
}

func (o *Orchestrator) logReport(r CycleReport) {
	attrs := []any{
		"account", r.AccountID,
		"state", r.State.String(),
		"candidates", r.Candidates,
		"emitted", r.Emitted,
		"blocked", r.Blocked,
		"delivery_failed", r.DeliveryFailed,
		"fetch_failed", r.FetchFailed,
		"skipped", r.Skipped,
		"deferred", r.Deferred,
		"watermark", r.Watermark,
		"duration", r.Duration,
	}
	if r.State == Error {
		attrs = append(attrs, "failed_in", r.FailedIn.String(), "error", r.Err())
		o.logger.Error("account cycle failed", attrs...)
		return
	}
	if r.Candidates > 0 {
		o.logger.Info("account cycle finished", attrs...)
		return
	}
	o.logger.Debug("account cycle finished", attrs...)
}

// status returns the entry for acc, creating it if needed. Callers must
// hold mu or be the constructor.
func (o *Orchestrator) status(acc model.AccountConfig) *SyncStatus {
	id := acc.AccountID()
	st, ok := o.statuses[id]
	if !ok {
		st = &SyncStatus{AccountID: id, Name: acc.DisplayName(), State: Disconnected}
		o.statuses[id] = st
		o.order = append(o.order, id)
	}
	return st
}

func (o *Orchestrator) setRunning(acc model.AccountConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.status(acc)
	st.Running = true
	st.State = Disconnected
}

func (o *Orchestrator) setStatus(r CycleReport) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.statuses[r.AccountID]
	if !ok {
		return
	}
	st.Running = !r.State.Terminal()
	st.State = r.State
	st.Watermark = r.Watermark
	st.Error = r.Err()
	if r.State != Error {
		st.LastSync = r.Started.Add(r.Duration)
	}
}
