package imap

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/luigi617/openmail/auth"
	"github.com/luigi617/openmail/models"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing host", cfg: Config{Port: 993, Auth: auth.PasswordAuth{}}},
		{name: "missing auth", cfg: Config{Host: "imap.example.org", Port: 993}},
		{name: "bad port", cfg: Config{Host: "imap.example.org", Port: -1, Auth: auth.PasswordAuth{}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("New() error = %v, want *ConfigError", err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Host: "imap.example.org", Auth: auth.PasswordAuth{}}
	cfg.applyDefaults()

	if cfg.Port != 993 {
		t.Errorf("Port = %d, want 993", cfg.Port)
	}
	if cfg.PoolSize != 2 {
		t.Errorf("PoolSize = %d, want 2", cfg.PoolSize)
	}
	if cfg.PoolAcquireTimeout != 5*time.Second {
		t.Errorf("PoolAcquireTimeout = %v, want 5s", cfg.PoolAcquireTimeout)
	}
	if cfg.MaxConcurrentSearches != 1 {
		t.Errorf("MaxConcurrentSearches = %d, want 1", cfg.MaxConcurrentSearches)
	}
	if cfg.MaxUIDsPerKey != 10_000 {
		t.Errorf("MaxUIDsPerKey = %d, want 10000", cfg.MaxUIDsPerKey)
	}
	if cfg.SearchWindowFactor != 4 || cfg.SearchMaxRounds != 6 || cfg.SearchMaxWindowUIDs != 200_000 {
		t.Errorf("search knobs = %d/%d/%d, want 4/6/200000",
			cfg.SearchWindowFactor, cfg.SearchMaxRounds, cfg.SearchMaxWindowUIDs)
	}
}

func TestAssertSameMailbox(t *testing.T) {
	refs := []models.EmailRef{
		{UID: 1, Mailbox: "INBOX"},
		{UID: 2, Mailbox: "INBOX"},
	}
	mailbox, err := assertSameMailbox(refs, "store")
	if err != nil || mailbox != "INBOX" {
		t.Errorf("assertSameMailbox = %q, %v", mailbox, err)
	}

	mixed := []models.EmailRef{
		{UID: 1, Mailbox: "INBOX"},
		{UID: 2, Mailbox: "Archive"},
	}
	if _, err := assertSameMailbox(mixed, "store"); err == nil {
		t.Error("mixed mailboxes must be rejected before any network call")
	} else {
		var imapErr *Error
		if !errors.As(err, &imapErr) {
			t.Errorf("mixed-mailbox error = %T, want *Error", err)
		}
	}

	if _, err := assertSameMailbox(nil, "store"); err == nil {
		t.Error("empty refs must be rejected")
	}
}

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "eof", err: io.EOF, want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "wrapped eof", err: fmt.Errorf("read: %w", io.EOF), want: true},
		{name: "reset text", err: errors.New("read tcp: connection reset by peer"), want: true},
		{name: "broken pipe", err: errors.New("write: broken pipe"), want: true},
		{name: "timeout text", err: errors.New("dial tcp: i/o timeout"), want: true},
		{name: "tls text", err: errors.New("tls: handshake failure"), want: true},
		{
			name: "tagged NO is protocol, not connection",
			err:  &goimap.Error{Type: goimap.StatusResponseTypeNo, Text: "mailbox does not exist"},
			want: false,
		},
		{name: "plain app error", err: errors.New("invalid part number"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsConnectionError(tc.err); got != tc.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSearchPageRejectsBothAnchors(t *testing.T) {
	c := &Client{config: Config{}}
	c.config.applyDefaults()

	_, err := c.SearchPage("INBOX", NewQuery(), 10, 5, 9)
	if err == nil {
		t.Fatal("SearchPage with both anchors must fail")
	}
	var imapErr *Error
	if !errors.As(err, &imapErr) {
		t.Errorf("error = %T, want *Error", err)
	}
}

func TestErrorWrapping(t *testing.T) {
	inner := ErrPoolExhausted
	err := &Error{Op: "acquire", Err: inner}

	if !errors.Is(err, ErrPoolExhausted) {
		t.Error("errors.Is should see through *Error")
	}
	if err.Error() != "imap: acquire: connection pool exhausted" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestEnsureSelectedCacheRules(t *testing.T) {
	// The cache decision itself (before any SELECT is issued): a RW
	// selection satisfies both modes, RO satisfies only RO.
	state := &connState{selected: true, selectedMailbox: "INBOX", selectedReadOnly: false}

	if needsReselect(state, "INBOX", true) {
		t.Error("RW selection must satisfy an RO request")
	}
	if needsReselect(state, "INBOX", false) {
		t.Error("RW selection must satisfy an RW request")
	}

	state.selectedReadOnly = true
	if needsReselect(state, "INBOX", true) {
		t.Error("RO selection must satisfy an RO request")
	}
	if !needsReselect(state, "INBOX", false) {
		t.Error("RO selection must not satisfy an RW request")
	}

	if !needsReselect(state, "Archive", true) {
		t.Error("a different mailbox always needs a reselect")
	}

	state.selected = false
	if !needsReselect(state, "INBOX", true) {
		t.Error("an unselected connection always needs a select")
	}
}
