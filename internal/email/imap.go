package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nugget/ledger-agent/internal/config"
)

// Mailbox is an IMAP client for a single account. The connection is
// opened lazily and re-established when a NOOP fails. All methods are
// goroutine-safe.
type Mailbox struct {
	cfg    config.IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewMailbox creates a mailbox client; no connection is made yet.
func NewMailbox(cfg config.IMAPConfig, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{cfg: cfg, logger: logger}
}

func (m *Mailbox) connectLocked() error {
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	m.logger.Debug("connecting to IMAP server", "host", m.cfg.Host, "port", m.cfg.Port)

	var (
		client *imapclient.Client
		err    error
	)
	// 143 is the plaintext convention; everything else is implicit TLS.
	if m.cfg.Port == 143 {
		client, err = imapclient.DialInsecure(addr, nil)
	} else {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: m.cfg.Host},
		})
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", m.cfg.Username, err)
	}

	m.client = client
	m.logger.Info("IMAP connected", "host", m.cfg.Host, "user", m.cfg.Username)
	return nil
}

func (m *Mailbox) ensureConnected() error {
	if m.client != nil {
		if err := m.client.Noop().Wait(); err == nil {
			return nil
		}
		m.logger.Debug("IMAP connection stale, reconnecting", "host", m.cfg.Host)
	}
	return m.connectLocked()
}

func (m *Mailbox) selectFolder(folder string) error {
	if folder == "" {
		folder = DefaultFolder
	}
	if _, err := m.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	return nil
}

// Unseen returns every message in folder lacking the \Seen flag, oldest
// first. Bodies are fetched with PEEK so reading does not mark them;
// callers mark each message once it has been handled.
func (m *Mailbox) Unseen(ctx context.Context, folder string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.ensureConnected(); err != nil {
		return nil, err
	}
	if err := m.selectFolder(folder); err != nil {
		return nil, err
	}

	searchData, err := m.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := m.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})

	var out []Message
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}
		msg, ok := m.readFetched(data)
		if ok {
			out = append(out, msg)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch unseen from %s: %w", folder, err)
	}
	return out, nil
}

func (m *Mailbox) readFetched(data *imapclient.FetchMessageData) (Message, bool) {
	var (
		uid imap.UID
		raw []byte
	)
	for {
		item := data.Next()
		if item == nil {
			break
		}
		switch it := item.(type) {
		case imapclient.FetchItemDataUID:
			uid = it.UID
		case imapclient.FetchItemDataBodySection:
			// The literal must be consumed before advancing.
			if it.Literal == nil {
				continue
			}
			body, err := io.ReadAll(io.LimitReader(it.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, it.Literal)
			if err != nil {
				m.logger.Debug("error reading body literal", "error", err)
				continue
			}
			raw = body
		}
	}
	if raw == nil {
		m.logger.Debug("message without body", "uid", uid)
		return Message{}, false
	}

	msg, err := Parse(bytes.NewReader(raw))
	if err != nil {
		m.logger.Warn("unparseable message skipped", "uid", uid, "error", err)
		return Message{}, false
	}
	msg.UID = uint32(uid)
	return msg, true
}

// MarkSeen adds the \Seen flag to the given message.
func (m *Mailbox) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.ensureConnected(); err != nil {
		return err
	}
	if err := m.selectFolder(folder); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	err := m.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("mark UID %d seen: %w", uid, err)
	}
	return nil
}

// Close logs out and drops the connection.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
