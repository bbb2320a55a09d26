package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/nhle/mailrelay/internal/filter"
	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/notify"
	"github.com/nhle/mailrelay/internal/source"
	"github.com/nhle/mailrelay/internal/store"
	"github.com/nhle/mailrelay/internal/testutil"
)

// fakeFolder is the content of one account's mailbox.
type fakeFolder struct {
	messages  map[uint32][]byte
	failFetch map[uint32]bool
	openErr   error
	loginErr  error
	listErr   error

	// fetchDelay is spent in every fetch unless ctx ends first.
	fetchDelay time.Duration

	// dropAfter closes the connection after that many fetches.
	dropAfter int
}

// fakeMailbox serves folders keyed by account server.
type fakeMailbox struct {
	mu      gosync.Mutex
	folders map[string]*fakeFolder
	opened  int
	closed  int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{folders: make(map[string]*fakeFolder)}
}

func (m *fakeMailbox) folder(server string) *fakeFolder {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.folders[server]
	if !ok {
		f = &fakeFolder{messages: make(map[uint32][]byte), failFetch: make(map[uint32]bool)}
		m.folders[server] = f
	}
	return f
}

func (m *fakeMailbox) Open(
	_ context.Context, acc model.AccountConfig, progress source.Progress,
) (source.Session, error) {
	f := m.folder(acc.Server)
	if f.openErr != nil {
		return nil, f.openErr
	}
	progress.Report(source.StepConnected)
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	progress.Report(source.StepAuthenticated)
	progress.Report(source.StepFolderSelected)

	m.mu.Lock()
	m.opened++
	m.mu.Unlock()
	return &fakeSession{mailbox: m, folder: f}, nil
}

type fakeSession struct {
	mailbox *fakeMailbox
	folder  *fakeFolder
	fetched int
}

func (s *fakeSession) ListUIDs(context.Context) ([]uint32, error) {
	if s.folder.listErr != nil {
		return nil, s.folder.listErr
	}
	uids := make([]uint32, 0, len(s.folder.messages))
	for uid := range s.folder.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (s *fakeSession) FetchRaw(ctx context.Context, uid uint32) (model.RawMessage, error) {
	if d := s.folder.fetchDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return model.RawMessage{}, fmt.Errorf("UID FETCH %d: %w", uid, ctx.Err())
		}
	}
	if s.folder.dropAfter > 0 && s.fetched >= s.folder.dropAfter {
		return model.RawMessage{}, &source.Error{
			Kind: source.ConnectionError, UID: uid, Err: errors.New("connection closed"),
		}
	}
	s.fetched++

	if s.folder.failFetch[uid] {
		return model.RawMessage{}, fmt.Errorf("UID FETCH %d: connection reset", uid)
	}
	data, ok := s.folder.messages[uid]
	if !ok {
		return model.RawMessage{}, fmt.Errorf("UID FETCH %d: no such message", uid)
	}
	return model.RawMessage{UID: uid, Data: data}, nil
}

func (s *fakeSession) Close() error {
	s.mailbox.mu.Lock()
	s.mailbox.closed++
	s.mailbox.mu.Unlock()
	return nil
}

// recordingSink collects every message sent to it.
type recordingSink struct {
	mu   gosync.Mutex
	sent []string
	fail bool
}

func (s *recordingSink) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return errors.New("Forbidden: bot was blocked by the user")
	}
	s.sent = append(s.sent, text)
	return nil
}

// headers returns the "New email" messages in send order.
func (s *recordingSink) headers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, m := range s.sent {
		if strings.HasPrefix(m, "📧") {
			out = append(out, m)
		}
	}
	return out
}

// errorReports returns the error messages in send order.
func (s *recordingSink) errorReports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, m := range s.sent {
		if strings.HasPrefix(m, "⚠️") {
			out = append(out, m)
		}
	}
	return out
}

// rawMail builds a minimal RFC 5322 message.
func rawMail(from, subject string, date time.Time, body string) []byte {
	return []byte("From: " + from + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + date.Format(time.RFC1123Z) + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body)
}

var baseTime = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func testAccount(server string) model.AccountConfig {
	return model.AccountConfig{
		Name:     "Work",
		Server:   server,
		Port:     993,
		Username: "me@example.com",
		Folder:   "INBOX",
		TLS:      true,
	}
}

type harness struct {
	store   store.Store
	mailbox *fakeMailbox
	sink    *recordingSink
	poller  *AccountPoller
}

func newHarness(t *testing.T, rules model.BlacklistConfig, cfg PollerConfig) *harness {
	t.Helper()

	h := &harness{
		store:   testutil.NewTestStore(t),
		mailbox: newFakeMailbox(),
		sink:    &recordingSink{},
	}
	h.poller = NewAccountPoller(
		h.mailbox, h.store, filter.New(rules), notify.New(h.sink), nil, cfg,
	)
	h.poller.now = func() time.Time { return baseTime.Add(24 * time.Hour) }
	return h
}

func (h *harness) watermark(t *testing.T, acc model.AccountConfig) uint32 {
	t.Helper()

	wm, err := h.store.Watermark(context.Background(), acc.AccountID())
	if err != nil {
		t.Fatalf("reading watermark: %v", err)
	}
	return wm
}
