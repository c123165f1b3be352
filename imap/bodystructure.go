package imap

import (
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/luigi617/openmail/models"
)

// partInfo is one leaf of a message's MIME tree, as described by the server's
// BODYSTRUCTURE. Part numbers follow RFC 3501 section 6.4.5: children of a
// multipart are 1, 2, ... with dotted nesting; a single-part message's body
// is "1".
type partInfo struct {
	part        string
	mediaType   string // lowercased type, e.g. "text"
	mediaSub    string // lowercased subtype, e.g. "html"
	params      map[string]string
	contentID   string
	encoding    string // lowercased transfer encoding
	size        uint32
	disposition string // lowercased disposition value, "" if absent
	filename    string

	// alternative marks leaves nested inside a multipart/alternative.
	alternative bool
}

func (p *partInfo) contentType() string {
	return p.mediaType + "/" + p.mediaSub
}

func (p *partInfo) isText() bool { return p.mediaType == "text" }

// collectParts flattens a BODYSTRUCTURE tree into leaves in depth-first
// order, assigning part numbers as it descends.
func collectParts(bs goimap.BodyStructure) []partInfo {
	var parts []partInfo
	walkStructure(bs, nil, false, &parts)
	return parts
}

func walkStructure(bs goimap.BodyStructure, path []int, inAlternative bool, out *[]partInfo) {
	switch s := bs.(type) {
	case *goimap.BodyStructureSinglePart:
		number := path
		if len(number) == 0 {
			// A non-multipart message's only part is "1".
			number = []int{1}
		}
		info := partInfo{
			part:        partNumber(number),
			mediaType:   strings.ToLower(s.Type),
			mediaSub:    strings.ToLower(s.Subtype),
			params:      s.Params,
			contentID:   strings.Trim(s.ID, "<>"),
			encoding:    strings.ToLower(s.Encoding),
			size:        s.Size,
			alternative: inAlternative,
		}
		if disp := s.Disposition(); disp != nil {
			info.disposition = strings.ToLower(disp.Value)
			if name, ok := disp.Params["filename"]; ok {
				info.filename = name
			}
		}
		if info.filename == "" {
			info.filename = s.Filename()
		}
		if info.filename == "" && s.Params != nil {
			info.filename = s.Params["name"]
		}
		info.filename = decodeEncodedWords(info.filename)
		*out = append(*out, info)

	case *goimap.BodyStructureMultiPart:
		alt := inAlternative || strings.EqualFold(s.Subtype, "alternative")
		for i, child := range s.Children {
			walkStructure(child, append(path[:len(path):len(path)], i+1), alt, out)
		}
	}
}

func partNumber(path []int) string {
	segs := make([]string, len(path))
	for i, n := range path {
		segs[i] = strconv.Itoa(n)
	}
	return strings.Join(segs, ".")
}

// isAttachmentLeaf reports whether a leaf should surface as attachment
// metadata rather than message text: an explicit attachment disposition, a
// filename, or any non-text content.
func isAttachmentLeaf(p *partInfo) bool {
	if p.disposition == "attachment" {
		return true
	}
	if p.filename != "" {
		return true
	}
	return !p.isText()
}

// pickBestTextParts chooses the text/plain and text/html leaves used as the
// message bodies: the first of each in depth-first order, preferring leaves
// inside a multipart/alternative when one exists.
func pickBestTextParts(parts []partInfo) (plain, html *partInfo) {
	var firstPlain, firstHTML *partInfo
	var altPlain, altHTML *partInfo

	for i := range parts {
		p := &parts[i]
		if !p.isText() || isAttachmentLeaf(p) {
			continue
		}
		switch p.mediaSub {
		case "plain":
			if firstPlain == nil {
				firstPlain = p
			}
			if p.alternative && altPlain == nil {
				altPlain = p
			}
		case "html":
			if firstHTML == nil {
				firstHTML = p
			}
			if p.alternative && altHTML == nil {
				altHTML = p
			}
		}
	}

	plain = firstPlain
	if altPlain != nil {
		plain = altPlain
	}
	html = firstHTML
	if altHTML != nil {
		html = altHTML
	}
	return plain, html
}

// attachmentMetas builds AttachmentMeta entries for every attachment leaf.
func attachmentMetas(parts []partInfo) []models.AttachmentMeta {
	var metas []models.AttachmentMeta
	for i := range parts {
		p := &parts[i]
		if !isAttachmentLeaf(p) {
			continue
		}
		metas = append(metas, models.AttachmentMeta{
			Part:        p.part,
			Filename:    attachmentFilename(p),
			ContentType: p.contentType(),
			Size:        int64(p.size),
			ContentID:   p.contentID,
		})
	}
	return metas
}

// attachmentFilename falls back to a generated name when the part carries
// none, using the subtype as extension for media types.
func attachmentFilename(p *partInfo) string {
	if p.filename != "" {
		return p.filename
	}
	ext := ".bin"
	switch p.mediaType {
	case "image", "audio", "video":
		if p.mediaSub != "" {
			ext = "." + p.mediaSub
		}
	}
	return "attachment" + ext
}

// findPart locates a leaf by its dotted part number.
func findPart(parts []partInfo, number string) *partInfo {
	for i := range parts {
		if parts[i].part == number {
			return &parts[i]
		}
	}
	return nil
}
