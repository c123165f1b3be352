package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"

	"github.com/luigi617/openmail/auth"
)

// deadlineConn wraps a net.Conn to set read/write deadlines before each
// operation, so a dead server cannot block an operation forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// connState is a live authenticated connection plus its per-connection
// caches. It is owned exclusively by one operation at a time, so its mutable
// fields need no locking.
type connState struct {
	id     string
	client *imapclient.Client
	caps   goimap.CapSet

	selectedMailbox  string
	selectedReadOnly bool
	selected         bool
}

// dial opens, greets and authenticates a new connection.
func (c *Client) dial() (*connState, error) {
	cfg := c.config
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	dialer := &net.Dialer{Timeout: cfg.Timeout}

	var rawConn net.Conn
	var err error
	if cfg.UseSSL {
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: cfg.Host}
		}
		rawConn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		rawConn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, opErrf("dial", "connecting to %s: %w", addr, err)
	}

	wrapped := &deadlineConn{
		Conn:         rawConn,
		readTimeout:  cfg.Timeout,
		writeTimeout: cfg.Timeout,
	}

	client := imapclient.New(wrapped, &imapclient.Options{})

	if err := client.WaitGreeting(); err != nil {
		client.Close()
		return nil, opErrf("dial", "waiting for greeting from %s: %w", addr, err)
	}

	if err := cfg.Auth.ApplyIMAP(client, auth.Context{Host: cfg.Host, Port: cfg.Port}); err != nil {
		client.Close()
		return nil, err
	}

	state := &connState{
		id:     uuid.NewString(),
		client: client,
		caps:   client.Caps(),
	}

	c.log.Debug().
		Str("conn", state.id).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("Connection authenticated")

	return state, nil
}

// logout ends the session gracefully, closing the socket regardless.
func (s *connState) logout(c *Client) {
	if s == nil || s.client == nil {
		return
	}
	if err := s.client.Logout().Wait(); err != nil {
		c.log.Debug().Err(err).Str("conn", s.id).Msg("Logout failed, closing anyway")
	}
	s.client.Close()
	s.client = nil
}

// needsReselect decides whether a SELECT must be issued: a read-write
// selection satisfies both modes; read-only satisfies only read-only
// requests.
func needsReselect(state *connState, mailbox string, readOnly bool) bool {
	if !state.selected || state.selectedMailbox != mailbox {
		return true
	}
	if !state.selectedReadOnly {
		return false
	}
	return !readOnly
}

// ensureSelected is the per-connection SELECT cache.
func (c *Client) ensureSelected(state *connState, mailbox string, readOnly bool) error {
	if !needsReselect(state, mailbox, readOnly) {
		return nil
	}

	opts := &goimap.SelectOptions{ReadOnly: readOnly}
	if _, err := state.client.Select(mailbox, opts).Wait(); err != nil {
		state.selected = false
		state.selectedMailbox = ""
		return opErrf("select", "selecting %q (readonly=%v): %w", mailbox, readOnly, err)
	}

	state.selected = true
	state.selectedMailbox = mailbox
	state.selectedReadOnly = readOnly

	c.log.Debug().
		Str("conn", state.id).
		Str("mailbox", mailbox).
		Bool("readOnly", readOnly).
		Msg("Selected mailbox")

	return nil
}

// invalidateSelection drops the cached selection, forcing a reselect on the
// next operation. Used after mutations that change mailbox state elsewhere.
func (s *connState) invalidateSelection() {
	s.selected = false
	s.selectedMailbox = ""
}

// supportsGmailExt reports X-GM-EXT-1 from the per-connection capability set.
func (s *connState) supportsGmailExt() bool {
	return s.caps.Has(goimap.Cap("X-GM-EXT-1"))
}
