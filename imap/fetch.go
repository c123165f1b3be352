package imap

import (
	"io"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/luigi617/openmail/models"
)

// fetchedMessage accumulates the round-one FETCH items for one UID.
type fetchedMessage struct {
	internalDate time.Time
	structure    goimap.BodyStructure
	header       []byte
}

// Fetch returns fully decoded messages for the given refs. Bodies are fetched
// with BODY.PEEK so flags never change; UIDs the server does not return are
// silently skipped (they may have been expunged since the search).
func (c *Client) Fetch(refs []models.EmailRef, includeAttachmentMeta bool) ([]models.EmailMessage, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	mailbox, err := assertSameMailbox(refs, "fetch")
	if err != nil {
		return nil, err
	}

	return run(c, "fetch", func(state *connState) ([]models.EmailMessage, error) {
		if err := c.ensureSelected(state, mailbox, true); err != nil {
			return nil, err
		}

		fetched, err := c.fetchStructures(state, refs)
		if err != nil {
			return nil, err
		}

		out := make([]models.EmailMessage, 0, len(refs))
		for _, ref := range refs {
			fm, ok := fetched[ref.UID]
			if !ok {
				continue
			}

			header := parseHeaderBytes(fm.header)
			msg := models.EmailMessage{
				Ref:        ref,
				Subject:    header.subject,
				From:       header.from,
				To:         header.to,
				Cc:         header.cc,
				Bcc:        header.bcc,
				MessageID:  header.messageID,
				SentAt:     header.date,
				ReceivedAt: fm.internalDate,
				Headers:    header.all,
			}

			if fm.structure != nil {
				parts := collectParts(fm.structure)
				plain, html := pickBestTextParts(parts)
				metas := attachmentMetas(parts)

				if plain != nil {
					msg.Text = c.fetchTextPart(state, ref.UID, plain)
				}
				if html != nil {
					msg.HTML = c.fetchTextPart(state, ref.UID, html)
				}

				if msg.HTML != "" && len(metas) > 0 {
					msg.HTML, metas = c.inlineCIDs(state, ref.UID, msg.HTML, metas, parts)
				}
				msg.HTML = c.sanitizeHTML(msg.HTML)

				if includeAttachmentMeta {
					msg.Attachments = metas
				}
			}

			out = append(out, msg)
		}

		return out, nil
	})
}

// fetchStructures runs the batched first round:
// UID FETCH (UID INTERNALDATE BODYSTRUCTURE BODY.PEEK[HEADER]).
func (c *Client) fetchStructures(state *connState, refs []models.EmailRef) (map[uint32]*fetchedMessage, error) {
	options := &goimap.FetchOptions{
		UID:           true,
		InternalDate:  true,
		BodyStructure: &goimap.FetchItemBodyStructure{Extended: true},
		BodySection: []*goimap.FetchItemBodySection{
			{Specifier: goimap.PartSpecifierHeader, Peek: true},
		},
	}

	fetchCmd := state.client.Fetch(uidSetOf(refs), options)
	fetched := make(map[uint32]*fetchedMessage)

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var uid goimap.UID
		fm := &fetchedMessage{}

		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = data.UID
			case imapclient.FetchItemDataInternalDate:
				fm.internalDate = data.Time
			case imapclient.FetchItemDataBodyStructure:
				fm.structure = data.BodyStructure
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					payload, err := io.ReadAll(data.Literal)
					if err != nil {
						c.log.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("Reading header literal failed")
					}
					fm.header = payload
				}
			}
		}

		if uid == 0 {
			continue
		}
		fetched[uint32(uid)] = fm
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, opErrf("fetch", "FETCH failed: %w", err)
	}
	return fetched, nil
}

// fetchTextPart fetches and decodes one text leaf. Failures degrade to an
// empty body rather than failing the whole message.
func (c *Client) fetchTextPart(state *connState, uid uint32, part *partInfo) string {
	raw, err := c.fetchPartBytes(state, uid, part.part)
	if err != nil {
		c.log.Warn().Err(err).Uint32("uid", uid).Str("part", part.part).Msg("Fetching text part failed")
		return ""
	}
	decoded := decodeTransfer(raw, part.encoding)
	return decodeText(decoded, part.params["charset"])
}

// fetchPartBytes fetches BODY.PEEK[<part>] and returns the raw (still
// transfer-encoded) payload.
func (c *Client) fetchPartBytes(state *connState, uid uint32, part string) ([]byte, error) {
	path, err := parsePartNumber(part)
	if err != nil {
		return nil, err
	}

	section := &goimap.FetchItemBodySection{Part: path, Peek: true}
	options := &goimap.FetchOptions{
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{section},
	}

	uidSet := goimap.UIDSetNum(goimap.UID(uid))
	fetchCmd := state.client.Fetch(uidSet, options)

	var payload []byte
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
				b, err := io.ReadAll(data.Literal)
				if err != nil {
					fetchCmd.Close()
					return nil, opErrf("fetch", "reading part %s literal: %w", part, err)
				}
				payload = b
			}
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, opErrf("fetch", "FETCH part %s failed: %w", part, err)
	}
	if payload == nil {
		return nil, opErrf("fetch", "server returned no data for part %s of UID %d", part, uid)
	}
	return payload, nil
}

func parsePartNumber(part string) ([]int, error) {
	if part == "" {
		return nil, opErrf("fetch", "empty part number")
	}
	segs := strings.Split(part, ".")
	path := make([]int, len(segs))
	for i, seg := range segs {
		n, err := strconv.Atoi(seg)
		if err != nil || n < 1 {
			return nil, opErrf("fetch", "invalid part number %q", part)
		}
		path[i] = n
	}
	return path, nil
}

// FetchOverview returns the light list-view projection for the given refs:
// flags, envelope fields and dates, no bodies, no attachments.
func (c *Client) FetchOverview(refs []models.EmailRef) ([]models.EmailOverview, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	mailbox, err := assertSameMailbox(refs, "fetch_overview")
	if err != nil {
		return nil, err
	}

	return run(c, "fetch_overview", func(state *connState) ([]models.EmailOverview, error) {
		if err := c.ensureSelected(state, mailbox, true); err != nil {
			return nil, err
		}

		options := &goimap.FetchOptions{
			UID:          true,
			Flags:        true,
			InternalDate: true,
			Envelope:     true,
		}

		fetchCmd := state.client.Fetch(uidSetOf(refs), options)

		type overviewData struct {
			flags        []goimap.Flag
			envelope     *goimap.Envelope
			internalDate time.Time
		}
		fetched := make(map[uint32]*overviewData)

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}

			var uid goimap.UID
			od := &overviewData{}

			for {
				item := msg.Next()
				if item == nil {
					break
				}
				switch data := item.(type) {
				case imapclient.FetchItemDataUID:
					uid = data.UID
				case imapclient.FetchItemDataFlags:
					od.flags = data.Flags
				case imapclient.FetchItemDataEnvelope:
					od.envelope = data.Envelope
				case imapclient.FetchItemDataInternalDate:
					od.internalDate = data.Time
				}
			}

			if uid != 0 {
				fetched[uint32(uid)] = od
			}
		}

		if err := fetchCmd.Close(); err != nil {
			return nil, opErrf("fetch_overview", "FETCH failed: %w", err)
		}

		out := make([]models.EmailOverview, 0, len(refs))
		for _, ref := range refs {
			od, ok := fetched[ref.UID]
			if !ok {
				continue
			}

			flags := make(map[string]struct{}, len(od.flags))
			for _, f := range od.flags {
				flags[string(f)] = struct{}{}
			}

			ov := models.EmailOverview{
				Ref:        ref,
				Flags:      flags,
				ReceivedAt: od.internalDate,
			}
			if env := od.envelope; env != nil {
				ov.Subject = decodeEncodedWords(env.Subject)
				ov.SentAt = env.Date
				ov.MessageID = env.MessageID
				if len(env.From) > 0 {
					ov.From = formatAddress(env.From[0].Name, env.From[0].Addr())
				}
				ov.To = formatEnvelopeAddresses(env.To)
			}
			out = append(out, ov)
		}

		return out, nil
	})
}

func formatEnvelopeAddresses(addrs []goimap.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, formatAddress(a.Name, a.Addr()))
	}
	return out
}

// FetchMessageID returns the Message-ID header of a message, or "" when the
// message has none.
func (c *Client) FetchMessageID(ref models.EmailRef) (string, error) {
	return run(c, "fetch_message_id", func(state *connState) (string, error) {
		if err := c.ensureSelected(state, ref.Mailbox, true); err != nil {
			return "", err
		}

		section := &goimap.FetchItemBodySection{
			Specifier:    goimap.PartSpecifierHeader,
			HeaderFields: []string{"Message-ID"},
			Peek:         true,
		}
		options := &goimap.FetchOptions{
			UID:         true,
			BodySection: []*goimap.FetchItemBodySection{section},
		}

		fetchCmd := state.client.Fetch(goimap.UIDSetNum(goimap.UID(ref.UID)), options)

		var header []byte
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			for {
				item := msg.Next()
				if item == nil {
					break
				}
				if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
					b, err := io.ReadAll(data.Literal)
					if err == nil {
						header = b
					}
				}
			}
		}
		if err := fetchCmd.Close(); err != nil {
			return "", opErrf("fetch_message_id", "FETCH failed: %w", err)
		}
		if len(header) == 0 {
			return "", nil
		}
		return parseHeaderBytes(header).messageID, nil
	})
}

// FetchAttachment fetches and decodes the content of one attachment part.
func (c *Client) FetchAttachment(ref models.EmailRef, part string) ([]byte, error) {
	return run(c, "fetch_attachment", func(state *connState) ([]byte, error) {
		if err := c.ensureSelected(state, ref.Mailbox, true); err != nil {
			return nil, err
		}
		return c.fetchAttachmentBytes(state, ref.UID, part)
	})
}

// fetchAttachmentBytes looks up the part's transfer encoding in the
// BODYSTRUCTURE, then fetches and decodes the payload.
func (c *Client) fetchAttachmentBytes(state *connState, uid uint32, part string) ([]byte, error) {
	options := &goimap.FetchOptions{
		UID:           true,
		BodyStructure: &goimap.FetchItemBodyStructure{Extended: true},
	}
	fetchCmd := state.client.Fetch(goimap.UIDSetNum(goimap.UID(uid)), options)

	var structure goimap.BodyStructure
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			if data, ok := item.(imapclient.FetchItemDataBodyStructure); ok {
				structure = data.BodyStructure
			}
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, opErrf("fetch_attachment", "FETCH BODYSTRUCTURE failed: %w", err)
	}
	if structure == nil {
		return nil, opErrf("fetch_attachment", "no BODYSTRUCTURE for UID %d", uid)
	}

	info := findPart(collectParts(structure), part)
	if info == nil {
		return nil, opErrf("fetch_attachment", "part %s not found in UID %d", part, uid)
	}

	raw, err := c.fetchPartBytes(state, uid, part)
	if err != nil {
		return nil, err
	}
	return decodeTransfer(raw, info.encoding), nil
}
