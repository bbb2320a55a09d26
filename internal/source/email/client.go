package email

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/source"
)

// IMAPClient implements source.Mailbox on top of go-imap v2.
type IMAPClient struct {
	opts Options
}

// NewIMAPClient creates a new IMAP mailbox source.
func NewIMAPClient(opts Options) *IMAPClient {
	return &IMAPClient{opts: opts}
}

// Open establishes a connection to the account's IMAP server,
// authenticates and selects the configured folder. The caller is
// responsible for closing the returned session.
func (c *IMAPClient) Open(
	ctx context.Context, account model.AccountConfig, progress source.Progress,
) (source.Session, error) {
	id := account.AccountID()
	addr := account.Address()

	client, err := c.dial(account)
	if err != nil {
		return nil, source.NewError(
			source.ConnectionError, id,
			fmt.Errorf("connecting to IMAP %s: %w", addr, err),
		)
	}

	progress.Report(source.StepConnected)

	// Unblock pending commands when the cycle deadline passes.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })

	if err := client.Login(account.Username, account.Password).Wait(); err != nil {
		stop()
		_ = client.Close()
		return nil, source.NewError(
			source.AuthError, id,
			fmt.Errorf("authentication failed for %s: %w", account.Username, err),
		)
	}

	progress.Report(source.StepAuthenticated)

	folder := account.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		stop()
		_ = client.Logout().Wait()
		_ = client.Close()
		return nil, source.NewError(
			source.AuthError, id,
			fmt.Errorf("selecting %s: %w", folder, err),
		)
	}

	progress.Report(source.StepFolderSelected)

	return &imapSession{
		client:  client,
		account: id,
		folder:  folder,
		stop:    stop,
	}, nil
}

func (c *IMAPClient) dial(
	account model.AccountConfig,
) (*imapclient.Client, error) {
	addr := account.Address()

	var tlsConfig *tls.Config
	if c.opts.TLSConfig != nil {
		tlsConfig = c.opts.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = account.Server
	}
	options := &imapclient.Options{TLSConfig: tlsConfig}

	switch {
	case account.TLS:
		return imapclient.DialTLS(addr, options)
	case account.StartTLS:
		return imapclient.DialStartTLS(addr, options)
	default:
		return imapclient.DialInsecure(addr, options)
	}
}

// imapSession is an authenticated client with a selected folder.
type imapSession struct {
	client  *imapclient.Client
	account string
	folder  string
	stop    func() bool
}

// ListUIDs runs UID SEARCH ALL on the selected folder.
func (s *imapSession) ListUIDs(_ context.Context) ([]uint32, error) {
	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, source.NewError(
			source.ConnectionError, s.account,
			fmt.Errorf("searching %s: %w", s.folder, err),
		)
	}

	all := searchData.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// FetchRaw fetches the full RFC 5322 message without setting \Seen.
func (s *imapSession) FetchRaw(
	_ context.Context, uid uint32,
) (model.RawMessage, error) {
	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	msgs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOpts).Collect()
	if err != nil {
		return model.RawMessage{}, s.fetchError(uid, err)
	}
	if len(msgs) == 0 {
		return model.RawMessage{}, s.fetchError(
			uid, fmt.Errorf("message not found in %s", s.folder),
		)
	}

	raw := msgs[0].FindBodySection(bodySection)
	if raw == nil {
		return model.RawMessage{}, s.fetchError(
			uid, fmt.Errorf("no body section returned"),
		)
	}

	return model.RawMessage{UID: uid, Data: raw}, nil
}

// fetchError classifies a failed fetch. Once the connection is gone the
// failure says nothing about the message itself.
func (s *imapSession) fetchError(uid uint32, err error) error {
	kind := source.FetchError
	select {
	case <-s.client.Closed():
		kind = source.ConnectionError
	default:
	}
	return &source.Error{
		Kind:    kind,
		Account: s.account,
		UID:     uid,
		Err:     fmt.Errorf("fetching uid %d: %w", uid, err),
	}
}

// Close logs out and closes the connection.
func (s *imapSession) Close() error {
	s.stop()
	_ = s.client.Logout().Wait()
	return s.client.Close()
}
