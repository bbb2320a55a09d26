package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/source"
	"github.com/nhle/mailrelay/internal/store"
)

func TestPoll_OrdersByDateNotUID(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[5] = rawMail("a@example.com", "second", baseTime.Add(time.Hour), "b")
	f.messages[6] = rawMail("a@example.com", "third", baseTime.Add(2*time.Hour), "c")
	f.messages[7] = rawMail("a@example.com", "first", baseTime, "a")

	report := h.poller.Poll(context.Background(), acc)

	require.NoError(t, report.Err())
	assert.Equal(t, Idle, report.State)
	assert.Equal(t, 3, report.Candidates)
	assert.Equal(t, 3, report.Emitted)
	assert.Equal(t, uint32(7), report.Watermark)
	assert.Equal(t, uint32(7), h.watermark(t, acc))

	headers := h.sink.headers()
	require.Len(t, headers, 3)
	for i, subject := range []string{"first", "second", "third"} {
		assert.Contains(t, headers[i], "*Subject:* "+subject)
	}
}

func TestPoll_SameDateOrdersByUID(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[9] = rawMail("a@example.com", "nine", baseTime, "x")
	f.messages[8] = rawMail("a@example.com", "eight", baseTime, "x")

	h.poller.Poll(context.Background(), acc)

	headers := h.sink.headers()
	require.Len(t, headers, 2)
	assert.Contains(t, headers[0], "eight")
	assert.Contains(t, headers[1], "nine")
}

func TestPoll_SecondCycleIsIdempotent(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[1] = rawMail("a@example.com", "hello", baseTime, "body")

	first := h.poller.Poll(context.Background(), acc)
	require.Equal(t, 1, first.Emitted)
	sent := len(h.sink.sent)

	second := h.poller.Poll(context.Background(), acc)
	assert.Equal(t, Idle, second.State)
	assert.Zero(t, second.Candidates)
	assert.Len(t, h.sink.sent, sent)
	assert.Equal(t, 2, h.mailbox.closed, "every session is closed")
}

func TestPoll_MixedOutcomeScenario(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{Subjects: []string{"Скидки"}}, PollerConfig{})
	acc := testAccount("imap.example.com")
	acc.LastCheckedUID = 100
	f := h.mailbox.folder(acc.Server)
	f.messages[100] = rawMail("a@example.com", "already seen", baseTime, "old")
	f.messages[101] = rawMail("a@example.com", "Status", baseTime, "All good")
	f.messages[102] = rawMail("shop@example.com", "=?utf-8?B?0KHQutC40LTQutC4?=", baseTime, "sale")
	f.messages[103] = rawMail("a@example.com", "later", baseTime, "x")
	f.failFetch[103] = true

	report := h.poller.Poll(context.Background(), acc)

	assert.Equal(t, Idle, report.State)
	assert.Equal(t, 3, report.Candidates)
	assert.Equal(t, 1, report.Emitted)
	assert.Equal(t, 1, report.Blocked)
	assert.Equal(t, 1, report.FetchFailed)
	assert.Equal(t, uint32(102), report.Watermark)
	assert.Equal(t, uint32(102), h.watermark(t, acc))

	headers := h.sink.headers()
	require.Len(t, headers, 1)
	assert.Contains(t, headers[0], "*Subject:* Status")

	require.Len(t, report.Errors, 1)
	assert.Equal(t, source.FetchError, source.KindOf(report.Errors[0]))

	// Once the message becomes fetchable it is delivered and the
	// watermark catches up.
	f.failFetch[103] = false
	report = h.poller.Poll(context.Background(), acc)
	assert.Equal(t, 1, report.Emitted)
	assert.Equal(t, uint32(103), h.watermark(t, acc))
}

func TestPoll_FailedFetchBelowDecidedUIDs(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[1] = rawMail("a@example.com", "one", baseTime, "x")
	f.messages[2] = rawMail("a@example.com", "two", baseTime, "x")
	f.messages[3] = rawMail("a@example.com", "three", baseTime, "x")
	f.failFetch[2] = true

	report := h.poller.Poll(context.Background(), acc)
	assert.Equal(t, 2, report.Emitted)
	assert.Equal(t, uint32(1), h.watermark(t, acc))

	// UID 3 was decided above the watermark and is not sent again.
	f.failFetch[2] = false
	report = h.poller.Poll(context.Background(), acc)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Emitted)
	assert.Equal(t, uint32(3), h.watermark(t, acc))

	headers := h.sink.headers()
	require.Len(t, headers, 3)
	assert.Contains(t, headers[2], "two")
}

func TestPoll_BlacklistedSenderAdvances(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{Domains: []string{"spam-domain.com"}}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[4] = rawMail("x@SPAM-domain.com", "hi", baseTime, "x")

	report := h.poller.Poll(context.Background(), acc)

	assert.Equal(t, 1, report.Blocked)
	assert.Empty(t, h.sink.sent)
	assert.Equal(t, uint32(4), h.watermark(t, acc))
}

func TestPoll_DeliveryFailureStillAdvances(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	h.sink.fail = true
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[1] = rawMail("a@example.com", "lost", baseTime, "x")

	report := h.poller.Poll(context.Background(), acc)

	assert.Equal(t, Idle, report.State)
	assert.Equal(t, 1, report.DeliveryFailed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, source.DeliveryError, source.KindOf(report.Errors[0]))
	assert.Equal(t, uint32(1), h.watermark(t, acc))

	log, err := h.store.GetNotifications(context.Background(), store.NotificationFilter{})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.False(t, log[0].Delivered)
	assert.Contains(t, log[0].Error, "blocked by the user")

	h.sink.fail = false
	report = h.poller.Poll(context.Background(), acc)
	assert.Zero(t, report.Candidates)
	assert.Empty(t, h.sink.sent)
}

func TestPoll_TruncatesLongBody(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[1] = rawMail("a@example.com", "long", baseTime, strings.Repeat("ж", 5000))

	h.poller.Poll(context.Background(), acc)

	require.Len(t, h.sink.sent, 2)
	body := strings.TrimSuffix(strings.TrimPrefix(h.sink.sent[1], "```\n"), "\n```")
	assert.Equal(t, strings.Repeat("ж", 4000)+"...", body)
}

func TestPoll_UndecodableMessageIsStillRelayed(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[1] = []byte("\x00\xff\xfe garbage without headers")

	report := h.poller.Poll(context.Background(), acc)

	assert.Equal(t, 1, report.Emitted)
	require.Len(t, h.sink.headers(), 1)
	assert.Contains(t, h.sink.headers()[0], "*From:* Unknown")
}

func TestPoll_InitialWatermarkFromConfig(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	acc.LastCheckedUID = 6
	f := h.mailbox.folder(acc.Server)
	for _, uid := range []uint32{5, 6, 7} {
		f.messages[uid] = rawMail("a@example.com", "m", baseTime, "x")
	}

	report := h.poller.Poll(context.Background(), acc)

	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, uint32(7), report.Watermark)
}

func TestPoll_OpenFailureLeavesWatermark(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	acc.LastCheckedUID = 10
	f := h.mailbox.folder(acc.Server)
	f.openErr = source.NewError(source.AuthError, acc.AccountID(), errors.New("LOGIN failed"))

	report := h.poller.Poll(context.Background(), acc)

	assert.Equal(t, Error, report.State)
	assert.True(t, source.IsAuthError(report.Err()))
	assert.Equal(t, uint32(10), h.watermark(t, acc))
	assert.Empty(t, h.sink.sent)
}

func TestPoll_ListFailureIsConnectionError(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.listErr = errors.New("connection reset by peer")

	report := h.poller.Poll(context.Background(), acc)

	assert.Equal(t, Error, report.State)
	assert.Equal(t, source.ConnectionError, source.KindOf(report.Err()))
	assert.Equal(t, 1, h.mailbox.closed)
}

func TestPoll_StuckAlertAndForceSkip(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{StuckAfter: 2, ForceSkipAfter: 3})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[10] = rawMail("a@example.com", "broken", baseTime, "x")
	f.failFetch[10] = true

	r1 := h.poller.Poll(context.Background(), acc)
	assert.Empty(t, r1.Stuck)
	assert.Zero(t, r1.Skipped)

	r2 := h.poller.Poll(context.Background(), acc)
	assert.Equal(t, []uint32{10}, r2.Stuck)
	assert.Contains(t, r2.Err().Error(), "stuck after 2 failed fetches")
	assert.Equal(t, uint32(0), h.watermark(t, acc))

	r3 := h.poller.Poll(context.Background(), acc)
	assert.Empty(t, r3.Stuck, "the stuck alert fires once")
	assert.Equal(t, 1, r3.Skipped)
	assert.Equal(t, uint32(10), h.watermark(t, acc))

	r4 := h.poller.Poll(context.Background(), acc)
	assert.Zero(t, r4.Candidates)
}

func TestPoll_NoForceSkipByDefault(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{StuckAfter: 1})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[3] = rawMail("a@example.com", "broken", baseTime, "x")
	f.failFetch[3] = true

	for i := 0; i < 5; i++ {
		r := h.poller.Poll(context.Background(), acc)
		assert.Zero(t, r.Skipped)
	}
	assert.Equal(t, uint32(0), h.watermark(t, acc))
}

func TestPoll_BacklogPastTimeoutIsDeferred(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{
		FetchTimeout:   50 * time.Millisecond,
		StuckAfter:     1,
		ForceSkipAfter: 1,
	})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.fetchDelay = 20 * time.Millisecond
	for uid := uint32(1); uid <= 5; uid++ {
		f.messages[uid] = rawMail("a@example.com", "backlog", baseTime.Add(time.Duration(uid)*time.Minute), "x")
	}

	first := h.poller.Poll(context.Background(), acc)
	assert.GreaterOrEqual(t, first.Emitted, 1)
	assert.Equal(t, 5-first.Emitted, first.Deferred)
	assert.Zero(t, first.FetchFailed)
	assert.Zero(t, first.Skipped)
	assert.Empty(t, first.Stuck)
	assert.NoError(t, first.Err())

	for i := 0; i < 10 && h.watermark(t, acc) < 5; i++ {
		r := h.poller.Poll(context.Background(), acc)
		assert.Zero(t, r.Skipped)
		assert.Empty(t, r.Stuck)
	}

	assert.Equal(t, uint32(5), h.watermark(t, acc))
	assert.Len(t, h.sink.headers(), 5)
	assert.Empty(t, h.sink.errorReports())
}

func TestPoll_ConnectionDropDefersRemaining(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{StuckAfter: 1, ForceSkipAfter: 1})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.dropAfter = 2
	for uid := uint32(1); uid <= 4; uid++ {
		f.messages[uid] = rawMail("a@example.com", "m", baseTime.Add(time.Duration(uid)*time.Minute), "x")
	}

	first := h.poller.Poll(context.Background(), acc)
	assert.Equal(t, 2, first.Emitted)
	assert.Equal(t, 2, first.Deferred)
	assert.Zero(t, first.FetchFailed)
	assert.Zero(t, first.Skipped)
	assert.Equal(t, source.ConnectionError, source.KindOf(first.Err()))
	assert.Equal(t, uint32(2), h.watermark(t, acc))

	second := h.poller.Poll(context.Background(), acc)
	assert.Equal(t, 2, second.Emitted)
	assert.Equal(t, uint32(4), h.watermark(t, acc))
}

func TestPoll_OpenFailureRecordsState(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})

	dial := testAccount("dial.example.com")
	h.mailbox.folder(dial.Server).openErr = source.NewError(
		source.ConnectionError, dial.AccountID(), errors.New("no route to host"))

	login := testAccount("login.example.com")
	h.mailbox.folder(login.Server).loginErr = source.NewError(
		source.AuthError, login.AccountID(), errors.New("LOGIN failed"))

	list := testAccount("list.example.com")
	h.mailbox.folder(list.Server).listErr = errors.New("connection reset by peer")

	r := h.poller.Poll(context.Background(), dial)
	assert.Equal(t, Disconnected, r.FailedIn)
	assert.False(t, source.IsAuthError(r.Err()))

	r = h.poller.Poll(context.Background(), login)
	assert.Equal(t, Connected, r.FailedIn)
	assert.True(t, source.IsAuthError(r.Err()))

	r = h.poller.Poll(context.Background(), list)
	assert.Equal(t, Listing, r.FailedIn)
}

func TestPoll_IgnoresCancellationMidCycle(t *testing.T) {
	h := newHarness(t, model.BlacklistConfig{}, PollerConfig{})
	acc := testAccount("imap.example.com")
	f := h.mailbox.folder(acc.Server)
	f.messages[1] = rawMail("a@example.com", "one", baseTime, "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.poller.Poll(ctx, acc)
	assert.Equal(t, 1, report.Emitted)
	assert.Equal(t, uint32(1), h.watermark(t, acc))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "fetching", FetchingBatch.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, Idle.Terminal())
	assert.False(t, Deciding.Terminal())
}
