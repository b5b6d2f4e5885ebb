package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/email-archiver/pkg/types"
)

// IMAP archives mail from any plain IMAP mailbox. Its checkpoint value is
// the INTERNALDATE of the newest message seen, in epoch seconds; SINCE has
// day granularity, so a re-listing may include already archived messages,
// which the local-copy check then skips.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
}

type IMAP struct {
	config    IMAPConfig
	client    *client.Client
	logger    *logrus.Logger
	connected bool
}

// NewIMAP creates an IMAP client (does not connect immediately)
func NewIMAP(cfg IMAPConfig, logger *logrus.Logger) *IMAP {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAP{
		config: cfg,
		logger: logger,
	}
}

// Name returns the provider identifier
func (c *IMAP) Name() types.Provider {
	return types.ProviderIMAP
}

// Connect establishes a TLS connection and logs in
func (c *IMAP) Connect() error {
	if c.connected && c.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	cl, err := client.DialTLS(addr, &tls.Config{
		ServerName: c.config.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	c.client = cl
	if err := c.client.Login(c.config.Username, c.config.Password); err != nil {
		c.logger.WithError(err).Error("Failed to login to IMAP server")
		c.client.Logout() //nolint:errcheck
		c.client = nil
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	c.connected = true
	c.logger.WithField("host", c.config.Host).Info("Connected to IMAP server")
	return nil
}

// Close logs out and drops the connection
func (c *IMAP) Close() error {
	if c.client != nil {
		if err := c.client.Logout(); err != nil {
			return err
		}
		c.client = nil
		c.connected = false
	}
	return nil
}

// ListIDs searches the mailbox for message UIDs matching the filter. The
// free-form query field is not supported over IMAP and is ignored with a
// warning.
func (c *IMAP) ListIDs(ctx context.Context, filter Filter) ([]Ref, error) {
	if err := c.Connect(); err != nil {
		return nil, err
	}
	if _, err := c.client.Select(c.config.Mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}
	if filter.Query != "" {
		c.logger.Warn("Free-form queries are not supported for IMAP, ignoring")
	}

	criteria := imap.NewSearchCriteria()
	since := filter.Since
	if filter.Checkpoint != "" {
		if sec, err := strconv.ParseInt(filter.Checkpoint, 10, 64); err == nil && sec > 0 {
			cp := time.Unix(sec, 0).UTC()
			if cp.After(since) {
				since = cp
			}
		}
	}
	if !since.IsZero() {
		criteria.Since = since
	}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}

	refs := make([]Ref, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, Ref{ID: strconv.FormatUint(uint64(uid), 10)})
	}

	c.logger.WithFields(logrus.Fields{
		"mailbox": c.config.Mailbox,
		"count":   len(refs),
	}).Info("IMAP listing complete")
	return refs, nil
}

// Download fetches the full RFC 822 content of one message by UID. The
// timestamp is the INTERNALDATE in epoch seconds.
func (c *IMAP) Download(ctx context.Context, id string) ([]byte, string, error) {
	if err := c.Connect(); err != nil {
		return nil, "", err
	}

	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, "", fmt.Errorf("invalid IMAP uid %q: %w", id, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate, imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	var internalDate time.Time
	for msg := range messages {
		if literal := msg.GetBody(section); literal != nil {
			body, err := io.ReadAll(literal)
			if err != nil {
				c.logger.WithError(err).Error("Error reading message literal")
				continue
			}
			raw = body
			internalDate = msg.InternalDate
		}
	}
	if err := <-done; err != nil {
		return nil, "", fmt.Errorf("failed to fetch message %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	timestamp := ""
	if !internalDate.IsZero() {
		timestamp = strconv.FormatInt(internalDate.Unix(), 10)
	}
	return raw, timestamp, nil
}
