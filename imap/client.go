// Package imap implements the pooled, retrying IMAP client core: a fixed-size
// pool of authenticated connections with per-connection selection and
// capability caches, a composable SEARCH query builder, a progressive
// UID-window search engine for stable pagination, and FETCH paths that decode
// MIME content into plain data types.
package imap

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/luigi617/openmail/auth"
	"github.com/luigi617/openmail/internal/logging"
	"github.com/luigi617/openmail/models"
)

// Config holds the connection settings and performance knobs for a Client.
// Host and Auth are required; a zero Port means 993, and everything else has
// working defaults.
type Config struct {
	Host    string
	Port    int
	UseSSL  bool
	Timeout time.Duration
	Auth    auth.IMAPAuth

	// TLSConfig overrides the default TLS client config (certificate
	// pinning, custom roots). Ignored when UseSSL is false.
	TLSConfig *tls.Config

	// SanitizeHTML runs fetched HTML bodies through an HTML sanitizer.
	SanitizeHTML bool

	// Pool knobs.
	PoolSize           int
	PoolAcquireTimeout time.Duration
	MaxRetries         int
	Backoff            time.Duration

	// Search knobs.
	MaxConcurrentSearches int
	MaxUIDsPerKey         int
	SearchWindowFactor    int
	SearchMaxRounds       int
	SearchMaxWindowUIDs   int
}

const (
	defaultPort               = 993
	defaultTimeout            = 30 * time.Second
	defaultPoolSize           = 2
	defaultPoolAcquireTimeout = 5 * time.Second
	defaultMaxRetries         = 1
	defaultBackoff            = 200 * time.Millisecond

	defaultMaxConcurrentSearches = 1
	defaultMaxUIDsPerKey         = 10_000
	defaultSearchWindowFactor    = 4
	defaultSearchMaxRounds       = 6
	defaultSearchMaxWindowUIDs   = 200_000
)

func (cfg *Config) applyDefaults() {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.PoolAcquireTimeout <= 0 {
		cfg.PoolAcquireTimeout = defaultPoolAcquireTimeout
	}
	if cfg.MaxConcurrentSearches <= 0 {
		cfg.MaxConcurrentSearches = defaultMaxConcurrentSearches
	}
	if cfg.MaxUIDsPerKey <= 0 {
		cfg.MaxUIDsPerKey = defaultMaxUIDsPerKey
	}
	if cfg.SearchWindowFactor <= 1 {
		cfg.SearchWindowFactor = defaultSearchWindowFactor
	}
	if cfg.SearchMaxRounds <= 0 {
		cfg.SearchMaxRounds = defaultSearchMaxRounds
	}
	if cfg.SearchMaxWindowUIDs <= 0 {
		cfg.SearchMaxWindowUIDs = defaultSearchMaxWindowUIDs
	}
}

// Client is a thread-safe pooled IMAP client. All methods may be called
// concurrently; each operation owns one pooled connection at a time.
type Client struct {
	config Config

	conns     chan *connState
	searchSem chan struct{}

	mu      sync.Mutex
	closing bool

	sanitizer *bluemonday.Policy
	log       zerolog.Logger
}

// New validates the config and eagerly opens and authenticates PoolSize
// connections. A zero MaxRetries field keeps the default of one retry; use a
// negative value for no retries at all.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, &ConfigError{Reason: "host is required"}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid port %d", cfg.Port)}
	}
	if cfg.Auth == nil {
		return nil, &ConfigError{Reason: "auth is required (auth.PasswordAuth or auth.OAuth2Auth)"}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}
	cfg.applyDefaults()

	c := &Client{
		config:    cfg,
		conns:     make(chan *connState, cfg.PoolSize),
		searchSem: make(chan struct{}, cfg.MaxConcurrentSearches),
		log:       logging.WithComponent("imap"),
	}
	if cfg.SanitizeHTML {
		p := bluemonday.UGCPolicy()
		p.AllowDataURIImages()
		c.sanitizer = p
	}

	for i := 0; i < cfg.PoolSize; i++ {
		state, err := c.dial()
		if err != nil {
			c.Close()
			return nil, err
		}
		c.conns <- state
	}

	c.log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("poolSize", cfg.PoolSize).
		Msg("IMAP client ready")

	return c, nil
}

// Close drains the pool and logs out every connection. Further operations
// fail with ErrClosed. Connections still in use are logged out when their
// operation releases them.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	for {
		select {
		case state := <-c.conns:
			state.logout(c)
		default:
			c.log.Debug().Msg("IMAP client closed")
			return
		}
	}
}

// Ping issues a NOOP on a pooled connection.
func (c *Client) Ping() error {
	_, err := run(c, "ping", func(state *connState) (struct{}, error) {
		if err := state.client.Noop().Wait(); err != nil {
			return struct{}{}, opErrf("ping", "NOOP failed: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// SupportsGmailExt reports whether the server advertises X-GM-EXT-1.
func (c *Client) SupportsGmailExt() (bool, error) {
	return run(c, "capability", func(state *connState) (bool, error) {
		return state.supportsGmailExt(), nil
	})
}

// assertSameMailbox validates the shared-mailbox invariant for batch
// operations before any network call.
func assertSameMailbox(refs []models.EmailRef, op string) (string, error) {
	if len(refs) == 0 {
		return "", opErrf(op, "called with empty refs")
	}
	mailbox := refs[0].Mailbox
	for _, r := range refs[1:] {
		if r.Mailbox != mailbox {
			return "", opErrf(op, "all refs must share one mailbox (got %q and %q)", mailbox, r.Mailbox)
		}
	}
	return mailbox, nil
}

func uidSetOf(refs []models.EmailRef) goimap.UIDSet {
	set := goimap.UIDSet{}
	for _, r := range refs {
		set.AddNum(goimap.UID(r.UID))
	}
	return set
}

// AddFlags adds flags to the given messages (`+FLAGS` by UID).
func (c *Client) AddFlags(refs []models.EmailRef, flags ...string) error {
	return c.store(refs, goimap.StoreFlagsAdd, flags)
}

// RemoveFlags removes flags from the given messages (`-FLAGS` by UID).
func (c *Client) RemoveFlags(refs []models.EmailRef, flags ...string) error {
	return c.store(refs, goimap.StoreFlagsDel, flags)
}

func (c *Client) store(refs []models.EmailRef, op goimap.StoreFlagsOp, flags []string) error {
	mailbox, err := assertSameMailbox(refs, "store")
	if err != nil {
		return err
	}
	if len(flags) == 0 {
		return opErrf("store", "no flags given")
	}

	imapFlags := make([]goimap.Flag, len(flags))
	for i, f := range flags {
		imapFlags[i] = goimap.Flag(f)
	}

	_, err = run(c, "store", func(state *connState) (struct{}, error) {
		if err := c.ensureSelected(state, mailbox, false); err != nil {
			return struct{}{}, err
		}
		storeFlags := goimap.StoreFlags{Op: op, Flags: imapFlags, Silent: true}
		if err := state.client.Store(uidSetOf(refs), &storeFlags, nil).Close(); err != nil {
			return struct{}{}, opErrf("store", "STORE failed: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// Append stores a raw RFC 5322 message into mailbox and returns its ref. The
// server must support UIDPLUS: a missing APPENDUID is an error rather than a
// guess at the new UID.
func (c *Client) Append(mailbox string, msg []byte, flags ...string) (models.EmailRef, error) {
	if len(msg) == 0 {
		return models.EmailRef{}, opErrf("append", "empty message")
	}

	imapFlags := make([]goimap.Flag, len(flags))
	for i, f := range flags {
		imapFlags[i] = goimap.Flag(f)
	}

	return run(c, "append", func(state *connState) (models.EmailRef, error) {
		options := &goimap.AppendOptions{Flags: imapFlags, Time: time.Now()}
		cmd := state.client.Append(mailbox, int64(len(msg)), options)
		if _, err := cmd.Write(msg); err != nil {
			cmd.Close()
			return models.EmailRef{}, opErrf("append", "writing message data: %w", err)
		}
		if err := cmd.Close(); err != nil {
			return models.EmailRef{}, opErrf("append", "closing literal: %w", err)
		}
		data, err := cmd.Wait()
		if err != nil {
			return models.EmailRef{}, opErrf("append", "APPEND to %q failed: %w", mailbox, err)
		}
		if data == nil || data.UID == 0 {
			return models.EmailRef{}, opErrf("append", "APPEND succeeded but server returned no APPENDUID")
		}

		c.log.Debug().
			Str("mailbox", mailbox).
			Uint32("uid", uint32(data.UID)).
			Int("size", len(msg)).
			Msg("Message appended")

		return models.EmailRef{UID: uint32(data.UID), Mailbox: mailbox}, nil
	})
}

// Expunge permanently removes messages flagged \Deleted in mailbox.
func (c *Client) Expunge(mailbox string) error {
	_, err := run(c, "expunge", func(state *connState) (struct{}, error) {
		if err := c.ensureSelected(state, mailbox, false); err != nil {
			return struct{}{}, err
		}
		if err := state.client.Expunge().Close(); err != nil {
			return struct{}{}, opErrf("expunge", "EXPUNGE failed: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// Move moves messages from srcMailbox to dstMailbox. Servers with the MOVE
// extension get a single UID MOVE; otherwise the fallback is UID COPY,
// +FLAGS.SILENT \Deleted, then UID EXPUNGE (plain EXPUNGE when UIDPLUS is
// missing too).
func (c *Client) Move(refs []models.EmailRef, srcMailbox, dstMailbox string) error {
	if len(refs) == 0 {
		return opErrf("move", "called with empty refs")
	}
	for _, r := range refs {
		if r.Mailbox != srcMailbox {
			return opErrf("move", "all refs must be in %q (got %q)", srcMailbox, r.Mailbox)
		}
	}

	uidSet := uidSetOf(refs)

	_, err := run(c, "move", func(state *connState) (struct{}, error) {
		if err := c.ensureSelected(state, srcMailbox, false); err != nil {
			return struct{}{}, err
		}

		if state.caps.Has(goimap.CapMove) {
			if _, err := state.client.Move(uidSet, dstMailbox).Wait(); err != nil {
				return struct{}{}, opErrf("move", "UID MOVE to %q failed: %w", dstMailbox, err)
			}
			return struct{}{}, nil
		}

		if _, err := state.client.Copy(uidSet, dstMailbox).Wait(); err != nil {
			return struct{}{}, opErrf("move", "COPY (MOVE fallback) failed: %w", err)
		}
		storeFlags := goimap.StoreFlags{
			Op:     goimap.StoreFlagsAdd,
			Flags:  []goimap.Flag{goimap.FlagDeleted},
			Silent: true,
		}
		if err := state.client.Store(uidSet, &storeFlags, nil).Close(); err != nil {
			return struct{}{}, opErrf("move", `STORE +FLAGS.SILENT \Deleted failed: %w`, err)
		}
		if state.caps.Has(goimap.CapUIDPlus) {
			if err := state.client.UIDExpunge(uidSet).Close(); err != nil {
				return struct{}{}, opErrf("move", "UID EXPUNGE after MOVE fallback failed: %w", err)
			}
		} else {
			if err := state.client.Expunge().Close(); err != nil {
				return struct{}{}, opErrf("move", "EXPUNGE after MOVE fallback failed: %w", err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Copy copies messages from srcMailbox to dstMailbox (UID COPY).
func (c *Client) Copy(refs []models.EmailRef, srcMailbox, dstMailbox string) error {
	if len(refs) == 0 {
		return opErrf("copy", "called with empty refs")
	}
	for _, r := range refs {
		if r.Mailbox != srcMailbox {
			return opErrf("copy", "all refs must be in %q (got %q)", srcMailbox, r.Mailbox)
		}
	}

	uidSet := uidSetOf(refs)

	_, err := run(c, "copy", func(state *connState) (struct{}, error) {
		if err := c.ensureSelected(state, srcMailbox, false); err != nil {
			return struct{}{}, err
		}
		if _, err := state.client.Copy(uidSet, dstMailbox).Wait(); err != nil {
			return struct{}{}, opErrf("copy", "COPY to %q failed: %w", dstMailbox, err)
		}
		return struct{}{}, nil
	})
	return err
}

// CreateMailbox creates a mailbox.
func (c *Client) CreateMailbox(name string) error {
	_, err := run(c, "create", func(state *connState) (struct{}, error) {
		if err := state.client.Create(name, nil).Wait(); err != nil {
			return struct{}{}, opErrf("create", "CREATE %q failed: %w", name, err)
		}
		return struct{}{}, nil
	})
	return err
}

// DeleteMailbox deletes a mailbox.
func (c *Client) DeleteMailbox(name string) error {
	_, err := run(c, "delete", func(state *connState) (struct{}, error) {
		if err := state.client.Delete(name).Wait(); err != nil {
			return struct{}{}, opErrf("delete", "DELETE %q failed: %w", name, err)
		}
		if state.selected && state.selectedMailbox == name {
			state.invalidateSelection()
		}
		return struct{}{}, nil
	})
	return err
}

// ListMailboxes returns all selectable mailbox names, with hierarchy.
func (c *Client) ListMailboxes() ([]string, error) {
	return run(c, "list", func(state *connState) ([]string, error) {
		listCmd := state.client.List("", "*", nil)

		var names []string
		for {
			mbox := listCmd.Next()
			if mbox == nil {
				break
			}
			selectable := true
			for _, attr := range mbox.Attrs {
				if attr == goimap.MailboxAttrNoSelect {
					selectable = false
					break
				}
			}
			if selectable {
				names = append(names, mbox.Mailbox)
			}
		}
		if err := listCmd.Close(); err != nil {
			return nil, opErrf("list", "LIST failed: %w", err)
		}

		c.log.Debug().Int("count", len(names)).Msg("Listed mailboxes")
		return names, nil
	})
}

// MailboxStatus returns message counts and UID bookkeeping for mailbox
// without selecting it.
func (c *Client) MailboxStatus(mailbox string) (*models.MailboxStatus, error) {
	return run(c, "status", func(state *connState) (*models.MailboxStatus, error) {
		options := &goimap.StatusOptions{
			NumMessages: true,
			NumUnseen:   true,
			UIDNext:     true,
			UIDValidity: true,
		}
		if state.caps.Has(goimap.CapCondStore) {
			options.HighestModSeq = true
		}

		data, err := state.client.Status(mailbox, options).Wait()
		if err != nil {
			return nil, opErrf("status", "STATUS %q failed: %w", mailbox, err)
		}

		status := &models.MailboxStatus{
			Mailbox:       mailbox,
			UIDNext:       uint32(data.UIDNext),
			UIDValidity:   data.UIDValidity,
			HighestModSeq: data.HighestModSeq,
		}
		if data.NumMessages != nil {
			status.Messages = *data.NumMessages
		}
		if data.NumUnseen != nil {
			status.Unseen = *data.NumUnseen
		}
		return status, nil
	})
}

// sanitizeHTML applies the configured HTML policy, if any.
func (c *Client) sanitizeHTML(html string) string {
	if c.sanitizer == nil || html == "" {
		return html
	}
	return c.sanitizer.Sanitize(html)
}
