package imap

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/luigi617/openmail/models"
)

// cidRefPattern matches cid: references in src/href attributes of an HTML
// body, capturing the content id.
var cidRefPattern = regexp.MustCompile(`(?i)(src|href)=["']cid:([^"']+)["']`)

// rewriteCIDs rewrites cid: references in an HTML body to data: URIs using
// the supplied content fetcher. Attachments that were inlined are marked
// IsInline in the returned metadata; fetch failures leave the reference
// untouched.
func rewriteCIDs(html string, metas []models.AttachmentMeta, fetch func(meta models.AttachmentMeta) ([]byte, error)) (string, []models.AttachmentMeta, int) {
	matches := cidRefPattern.FindAllStringSubmatch(html, -1)
	if len(matches) == 0 {
		return html, metas, 0
	}

	wanted := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		wanted[m[2]] = struct{}{}
	}

	replacements := make(map[string]string, len(wanted))
	for cid := range wanted {
		idx := -1
		for i := range metas {
			if metas[i].ContentID == cid {
				idx = i
				break
			}
		}
		if idx == -1 {
			continue
		}
		meta := &metas[idx]

		data, err := fetch(*meta)
		if err != nil {
			continue
		}

		contentType := meta.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		replacements["cid:"+cid] = "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
		meta.IsInline = true
	}

	if len(replacements) == 0 {
		return html, metas, 0
	}

	pairs := make([]string, 0, len(replacements)*2)
	for from, to := range replacements {
		pairs = append(pairs, from, to)
	}
	html = strings.NewReplacer(pairs...).Replace(html)

	return html, metas, len(replacements)
}

// inlineCIDs is the wire-backed rewrite used by Fetch: attachment content
// comes from per-part BODY.PEEK fetches on the owned connection.
func (c *Client) inlineCIDs(state *connState, uid uint32, html string, metas []models.AttachmentMeta, parts []partInfo) (string, []models.AttachmentMeta) {
	html, metas, inlined := rewriteCIDs(html, metas, func(meta models.AttachmentMeta) ([]byte, error) {
		info := findPart(parts, meta.Part)
		if info == nil {
			return nil, opErrf("fetch", "part %s not in structure", meta.Part)
		}
		raw, err := c.fetchPartBytes(state, uid, meta.Part)
		if err != nil {
			c.log.Warn().Err(err).
				Uint32("uid", uid).
				Str("part", meta.Part).
				Str("contentId", meta.ContentID).
				Msg("Fetching inline attachment failed, leaving cid reference")
			return nil, err
		}
		return decodeTransfer(raw, info.encoding), nil
	})

	if inlined > 0 {
		c.log.Debug().
			Uint32("uid", uid).
			Int("inlined", inlined).
			Msg("Rewrote cid references to data URIs")
	}

	return html, metas
}
