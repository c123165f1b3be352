package imap

import (
	"fmt"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"
)

// Query composes IMAP SEARCH criteria. Every predicate method appends a
// condition (implicit AND) and returns the query for chaining. The zero value
// matches everything (ALL).
//
// String renders the criteria in RFC 3501 SEARCH syntax for logs and cache
// keys; Criteria produces the wire form consumed by the client.
type Query struct {
	criteria goimap.SearchCriteria
}

// NewQuery returns an empty query matching all messages.
func NewQuery() *Query {
	return &Query{}
}

// ParseDate parses an ISO yyyy-mm-dd date as used by the date predicates.
func ParseDate(iso string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want yyyy-mm-dd): %w", iso, err)
	}
	return t, nil
}

// toIMAPDate renders a date in the RFC 3501 date form, e.g. 02-Jan-2024.
func toIMAPDate(t time.Time) string {
	return t.Format("02-Jan-2006")
}

// quote escapes backslash and double quote, then wraps in double quotes.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func (q *Query) header(key, value string) *Query {
	q.criteria.Header = append(q.criteria.Header, goimap.SearchCriteriaHeaderField{
		Key:   key,
		Value: value,
	})
	return q
}

// From matches the From header.
func (q *Query) From(s string) *Query { return q.header("FROM", s) }

// To matches the To header.
func (q *Query) To(s string) *Query { return q.header("TO", s) }

// Cc matches the Cc header.
func (q *Query) Cc(s string) *Query { return q.header("CC", s) }

// Bcc matches the Bcc header.
func (q *Query) Bcc(s string) *Query { return q.header("BCC", s) }

// Subject matches the Subject header.
func (q *Query) Subject(s string) *Query { return q.header("SUBJECT", s) }

// Header matches an arbitrary header field.
func (q *Query) Header(name, value string) *Query { return q.header(name, value) }

// Text matches in headers or body text.
func (q *Query) Text(s string) *Query {
	q.criteria.Text = append(q.criteria.Text, s)
	return q
}

// Body matches only in body text.
func (q *Query) Body(s string) *Query {
	q.criteria.Body = append(q.criteria.Body, s)
	return q
}

// Since matches messages received on or after t (internal date).
func (q *Query) Since(t time.Time) *Query {
	if q.criteria.Since.IsZero() || t.After(q.criteria.Since) {
		q.criteria.Since = t
	}
	return q
}

// Before matches messages received before t (internal date).
func (q *Query) Before(t time.Time) *Query {
	if q.criteria.Before.IsZero() || t.Before(q.criteria.Before) {
		q.criteria.Before = t
	}
	return q
}

// On matches messages received on the given day. Expressed as the
// SINCE/BEFORE pair covering exactly that day.
func (q *Query) On(t time.Time) *Query {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return q.Since(day).Before(day.AddDate(0, 0, 1))
}

func (q *Query) flag(f goimap.Flag) *Query {
	q.criteria.Flag = append(q.criteria.Flag, f)
	return q
}

func (q *Query) notFlag(f goimap.Flag) *Query {
	q.criteria.NotFlag = append(q.criteria.NotFlag, f)
	return q
}

// Seen matches messages with \Seen set.
func (q *Query) Seen() *Query { return q.flag(goimap.FlagSeen) }

// Unseen matches messages without \Seen.
func (q *Query) Unseen() *Query { return q.notFlag(goimap.FlagSeen) }

// Answered matches messages with \Answered set.
func (q *Query) Answered() *Query { return q.flag(goimap.FlagAnswered) }

// Unanswered matches messages without \Answered.
func (q *Query) Unanswered() *Query { return q.notFlag(goimap.FlagAnswered) }

// Flagged matches messages with \Flagged set.
func (q *Query) Flagged() *Query { return q.flag(goimap.FlagFlagged) }

// Unflagged matches messages without \Flagged.
func (q *Query) Unflagged() *Query { return q.notFlag(goimap.FlagFlagged) }

// Deleted matches messages with \Deleted set.
func (q *Query) Deleted() *Query { return q.flag(goimap.FlagDeleted) }

// Undeleted matches messages without \Deleted.
func (q *Query) Undeleted() *Query { return q.notFlag(goimap.FlagDeleted) }

// Draft matches messages with \Draft set.
func (q *Query) Draft() *Query { return q.flag(goimap.FlagDraft) }

// Undraft matches messages without \Draft.
func (q *Query) Undraft() *Query { return q.notFlag(goimap.FlagDraft) }

// Keyword matches messages carrying an arbitrary keyword flag.
func (q *Query) Keyword(flag string) *Query { return q.flag(goimap.Flag(flag)) }

// UIDRange restricts matches to UIDs in [start, stop] inclusive. A zero stop
// means "*" (no upper bound).
func (q *Query) UIDRange(start, stop uint32) *Query {
	set := goimap.UIDSet{}
	set.AddRange(goimap.UID(start), goimap.UID(stop))
	return q.UIDSet(set)
}

// UIDSet restricts matches to the given UID set.
func (q *Query) UIDSet(set goimap.UIDSet) *Query {
	q.criteria.UID = append(q.criteria.UID, set)
	return q
}

// Not negates a whole query.
func Not(q *Query) *Query {
	out := NewQuery()
	out.criteria.Not = append(out.criteria.Not, *q.Criteria())
	return out
}

// Or combines two queries with IMAP OR (binary, prefix).
func Or(a, b *Query) *Query {
	out := NewQuery()
	out.criteria.Or = append(out.criteria.Or, [2]goimap.SearchCriteria{*a.Criteria(), *b.Criteria()})
	return out
}

// And folds another query's conditions into this one.
func (q *Query) And(other *Query) *Query {
	o := other.Criteria()
	q.criteria.Header = append(q.criteria.Header, o.Header...)
	q.criteria.Text = append(q.criteria.Text, o.Text...)
	q.criteria.Body = append(q.criteria.Body, o.Body...)
	q.criteria.Flag = append(q.criteria.Flag, o.Flag...)
	q.criteria.NotFlag = append(q.criteria.NotFlag, o.NotFlag...)
	q.criteria.UID = append(q.criteria.UID, o.UID...)
	q.criteria.Not = append(q.criteria.Not, o.Not...)
	q.criteria.Or = append(q.criteria.Or, o.Or...)
	if !o.Since.IsZero() {
		q.Since(o.Since)
	}
	if !o.Before.IsZero() {
		q.Before(o.Before)
	}
	if !o.SentSince.IsZero() && (q.criteria.SentSince.IsZero() || o.SentSince.After(q.criteria.SentSince)) {
		q.criteria.SentSince = o.SentSince
	}
	if !o.SentBefore.IsZero() && (q.criteria.SentBefore.IsZero() || o.SentBefore.Before(q.criteria.SentBefore)) {
		q.criteria.SentBefore = o.SentBefore
	}
	return q
}

// Clone returns a deep copy, so callers can branch a base query without the
// search engine's UID-window clauses leaking back.
func (q *Query) Clone() *Query {
	return &Query{criteria: *q.Criteria()}
}

// Criteria returns a deep copy of the accumulated search criteria.
func (q *Query) Criteria() *goimap.SearchCriteria {
	out := cloneCriteria(&q.criteria)
	return &out
}

func cloneCriteria(in *goimap.SearchCriteria) goimap.SearchCriteria {
	out := *in

	out.Header = append([]goimap.SearchCriteriaHeaderField(nil), in.Header...)
	out.Text = append([]string(nil), in.Text...)
	out.Body = append([]string(nil), in.Body...)
	out.Flag = append([]goimap.Flag(nil), in.Flag...)
	out.NotFlag = append([]goimap.Flag(nil), in.NotFlag...)

	out.SeqNum = make([]goimap.SeqSet, len(in.SeqNum))
	for i, s := range in.SeqNum {
		out.SeqNum[i] = append(goimap.SeqSet(nil), s...)
	}
	out.UID = make([]goimap.UIDSet, len(in.UID))
	for i, s := range in.UID {
		out.UID[i] = append(goimap.UIDSet(nil), s...)
	}

	out.Not = make([]goimap.SearchCriteria, len(in.Not))
	for i := range in.Not {
		out.Not[i] = cloneCriteria(&in.Not[i])
	}
	out.Or = make([][2]goimap.SearchCriteria, len(in.Or))
	for i := range in.Or {
		out.Or[i][0] = cloneCriteria(&in.Or[i][0])
		out.Or[i][1] = cloneCriteria(&in.Or[i][1])
	}

	return out
}

var systemFlagTokens = map[goimap.Flag]string{
	goimap.FlagSeen:     "SEEN",
	goimap.FlagAnswered: "ANSWERED",
	goimap.FlagFlagged:  "FLAGGED",
	goimap.FlagDeleted:  "DELETED",
	goimap.FlagDraft:    "DRAFT",
}

var negatedFlagTokens = map[goimap.Flag]string{
	goimap.FlagSeen:     "UNSEEN",
	goimap.FlagAnswered: "UNANSWERED",
	goimap.FlagFlagged:  "UNFLAGGED",
	goimap.FlagDeleted:  "UNDELETED",
	goimap.FlagDraft:    "UNDRAFT",
}

var bareHeaderTokens = map[string]string{
	"FROM":    "FROM",
	"TO":      "TO",
	"CC":      "CC",
	"BCC":     "BCC",
	"SUBJECT": "SUBJECT",
}

// String renders the criteria as an RFC 3501 SEARCH string, "ALL" if empty.
// Token order is canonical, not insertion order.
func (q *Query) String() string {
	tokens := renderCriteria(&q.criteria)
	if len(tokens) == 0 {
		return "ALL"
	}
	return strings.Join(tokens, " ")
}

func renderCriteria(crit *goimap.SearchCriteria) []string {
	var tokens []string

	for _, f := range crit.Flag {
		if tok, ok := systemFlagTokens[f]; ok {
			tokens = append(tokens, tok)
		} else {
			tokens = append(tokens, "KEYWORD", string(f))
		}
	}
	for _, f := range crit.NotFlag {
		if tok, ok := negatedFlagTokens[f]; ok {
			tokens = append(tokens, tok)
		} else {
			tokens = append(tokens, "UNKEYWORD", string(f))
		}
	}

	for _, h := range crit.Header {
		if tok, ok := bareHeaderTokens[strings.ToUpper(h.Key)]; ok {
			tokens = append(tokens, tok, quote(h.Value))
		} else {
			tokens = append(tokens, "HEADER", quote(h.Key), quote(h.Value))
		}
	}

	if !crit.Since.IsZero() {
		tokens = append(tokens, "SINCE", toIMAPDate(crit.Since))
	}
	if !crit.Before.IsZero() {
		tokens = append(tokens, "BEFORE", toIMAPDate(crit.Before))
	}
	if !crit.SentSince.IsZero() {
		tokens = append(tokens, "SENTSINCE", toIMAPDate(crit.SentSince))
	}
	if !crit.SentBefore.IsZero() {
		tokens = append(tokens, "SENTBEFORE", toIMAPDate(crit.SentBefore))
	}

	for _, s := range crit.Text {
		tokens = append(tokens, "TEXT", quote(s))
	}
	for _, s := range crit.Body {
		tokens = append(tokens, "BODY", quote(s))
	}

	for _, set := range crit.UID {
		tokens = append(tokens, "UID", set.String())
	}

	for i := range crit.Not {
		tokens = append(tokens, "NOT", groupTokens(renderCriteria(&crit.Not[i])))
	}
	for i := range crit.Or {
		tokens = append(tokens, "OR",
			groupTokens(renderCriteria(&crit.Or[i][0])),
			groupTokens(renderCriteria(&crit.Or[i][1])))
	}

	return tokens
}

// groupTokens wraps a multi-token criteria list in parentheses so it reads as
// a single SEARCH key.
func groupTokens(tokens []string) string {
	if len(tokens) == 0 {
		return "ALL"
	}
	if len(tokens) == 1 {
		return tokens[0]
	}
	if len(tokens) == 2 {
		// A key with its one argument (FROM "a", NOT SEEN) already reads as a
		// single key; two argument-less flag keys (FLAGGED UNSEEN) do not.
		standalone := false
		for _, m := range []map[goimap.Flag]string{systemFlagTokens, negatedFlagTokens} {
			for _, tok := range m {
				if tok == tokens[0] {
					standalone = true
				}
			}
		}
		if !standalone {
			return tokens[0] + " " + tokens[1]
		}
	}
	return "(" + strings.Join(tokens, " ") + ")"
}
