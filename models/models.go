// Package models holds the data types exchanged with the IMAP client core.
package models

import "time"

// EmailRef is an opaque handle to a message: its UID within a mailbox.
// Every batch operation requires all refs to share the same mailbox.
type EmailRef struct {
	UID     uint32 `json:"uid"`
	Mailbox string `json:"mailbox"`
}

// PagedSearchResult is one page of search results plus pagination anchors.
// Refs are newest-first. Total counts matches within the UID windows actually
// scanned so far, not the global match count.
type PagedSearchResult struct {
	Refs []EmailRef `json:"refs"`

	NewestUID uint32 `json:"newestUid"`
	OldestUID uint32 `json:"oldestUid"`

	// NextBeforeUID anchors the next older page; zero means no more.
	NextBeforeUID uint32 `json:"nextBeforeUid"`
	// PrevAfterUID anchors the next newer page; zero means at the top.
	PrevAfterUID uint32 `json:"prevAfterUid"`

	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
	HasPrev bool `json:"hasPrev"`
}

// EmailMessage is a fully decoded message.
type EmailMessage struct {
	Ref     EmailRef `json:"ref"`
	Subject string   `json:"subject"`
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`

	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`

	Attachments []AttachmentMeta `json:"attachments,omitempty"`

	// ReceivedAt is the server INTERNALDATE, SentAt the Date header.
	ReceivedAt time.Time `json:"receivedAt,omitzero"`
	SentAt     time.Time `json:"sentAt,omitzero"`

	MessageID string `json:"messageId,omitempty"`

	// Headers preserves the original header field name casing.
	Headers map[string]string `json:"headers,omitempty"`
}

// EmailOverview is the lighter projection used in list views: no body, no
// attachments.
type EmailOverview struct {
	Ref     EmailRef            `json:"ref"`
	Flags   map[string]struct{} `json:"-"`
	Subject string              `json:"subject"`
	From    string              `json:"from"`
	To      []string            `json:"to"`

	SentAt     time.Time `json:"sentAt,omitzero"`
	ReceivedAt time.Time `json:"receivedAt,omitzero"`

	MessageID string `json:"messageId,omitempty"`
}

// HasFlag reports whether the overview carries the given IMAP flag
// (case-sensitive, e.g. `\Seen`).
func (o *EmailOverview) HasFlag(flag string) bool {
	_, ok := o.Flags[flag]
	return ok
}

// AttachmentMeta describes an attachment without its content. Part is the
// dotted IMAP part number (e.g. "2.1") used to fetch the data.
type AttachmentMeta struct {
	Part        string `json:"part"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	ContentID   string `json:"contentId,omitempty"`
	IsInline    bool   `json:"isInline"`
}

// Attachment extends AttachmentMeta with the decoded content.
type Attachment struct {
	AttachmentMeta
	Data []byte `json:"-"`
}

// MailboxStatus is the parsed result of an IMAP STATUS command.
type MailboxStatus struct {
	Mailbox       string `json:"mailbox"`
	Messages      uint32 `json:"messages"`
	Unseen        uint32 `json:"unseen"`
	UIDNext       uint32 `json:"uidNext"`
	UIDValidity   uint32 `json:"uidValidity"`
	HighestModSeq uint64 `json:"highestModSeq,omitempty"`
}
