package imap

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	msgcharset "github.com/emersion/go-message/charset"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/luigi617/openmail/internal/logging"
)

// decodeTransfer reverses a Content-Transfer-Encoding. Identity encodings
// pass through; decode failures fall back to the raw bytes rather than
// dropping content.
func decodeTransfer(data []byte, encoding string) []byte {
	switch strings.ToLower(encoding) {
	case "", "7bit", "8bit", "binary":
		return data

	case "base64":
		cleaned := make([]byte, 0, len(data))
		for _, b := range data {
			switch b {
			case '\r', '\n', ' ', '\t':
			default:
				cleaned = append(cleaned, b)
			}
		}
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(decoded, cleaned)
		if err != nil && n == 0 {
			return data
		}
		return decoded[:n]

	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
		if err != nil && len(decoded) == 0 {
			return data
		}
		return decoded

	default:
		return data
	}
}

// decodeText converts body bytes to UTF-8 using the declared charset. When the
// charset is unknown or fails to decode, content that is valid UTF-8 is kept
// as is and anything else is read as Latin-1, which can represent any byte
// sequence.
func decodeText(content []byte, declaredCharset string) string {
	log := logging.WithComponent("charset")

	if declaredCharset == "" ||
		strings.EqualFold(declaredCharset, "utf-8") ||
		strings.EqualFold(declaredCharset, "us-ascii") {
		if utf8.Valid(content) {
			return string(content)
		}
		// Mislabeled or unlabeled content: let the HTML detector take a
		// guess before giving up.
		if enc, name, certain := charset.DetermineEncoding(content, ""); certain || name != "utf-8" {
			if decoded, err := enc.NewDecoder().Bytes(content); err == nil && utf8.Valid(decoded) {
				return string(decoded)
			}
		}
		log.Debug().Str("declared", declaredCharset).Msg("Invalid UTF-8, falling back to Latin-1")
		return latin1String(content)
	}

	enc, err := htmlindex.Get(declaredCharset)
	if err != nil {
		log.Debug().Str("declared", declaredCharset).Msg("Unknown charset, trying UTF-8 then Latin-1")
		if utf8.Valid(content) {
			return string(content)
		}
		return latin1String(content)
	}

	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil || !utf8.Valid(decoded) {
		log.Debug().Err(err).Str("declared", declaredCharset).Msg("Charset decode failed, falling back")
		if utf8.Valid(content) {
			return string(content)
		}
		return latin1String(content)
	}
	return string(decoded)
}

func latin1String(content []byte) string {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(content)
	if err != nil {
		return string(content)
	}
	return string(decoded)
}

// decodeEncodedWords decodes RFC 2047 encoded words in header values and
// filenames (e.g. =?UTF-8?B?...?=). Unknown charsets fall back to the
// htmlindex table for broader coverage.
func decodeEncodedWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	dec := &mime.WordDecoder{
		CharsetReader: func(charsetName string, r io.Reader) (io.Reader, error) {
			if reader, err := msgcharset.Reader(charsetName, r); err == nil {
				return reader, nil
			}
			enc, err := htmlindex.Get(charsetName)
			if err != nil {
				return nil, fmt.Errorf("unknown charset: %s", charsetName)
			}
			return enc.NewDecoder().Reader(r), nil
		},
	}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parsedHeader is the decoded view of a message header block.
type parsedHeader struct {
	subject   string
	from      string
	to        []string
	cc        []string
	bcc       []string
	messageID string
	date      time.Time

	// all preserves the original field name casing.
	all map[string]string
}

// parseHeaderBytes parses a raw RFC 5322 header block as fetched with
// BODY.PEEK[HEADER].
func parseHeaderBytes(headerBytes []byte) parsedHeader {
	out := parsedHeader{all: make(map[string]string)}
	if len(headerBytes) == 0 {
		return out
	}
	if !bytes.HasSuffix(headerBytes, []byte("\r\n\r\n")) && !bytes.HasSuffix(headerBytes, []byte("\n\n")) {
		headerBytes = append(headerBytes, '\r', '\n', '\r', '\n')
	}

	entity, err := gomessage.Read(bytes.NewReader(headerBytes))
	if err != nil && entity == nil {
		return out
	}

	fields := entity.Header.Fields()
	for fields.Next() {
		out.all[fields.Key()] = decodeEncodedWords(fields.Value())
	}

	out.subject = decodeEncodedWords(entity.Header.Get("Subject"))
	out.messageID = strings.TrimSpace(entity.Header.Get("Message-ID"))

	if raw := entity.Header.Get("Date"); raw != "" {
		if t, err := mail.ParseDate(raw); err == nil {
			out.date = t
		}
	}

	if addrs := parseAddressList(entity.Header.Get("From")); len(addrs) > 0 {
		out.from = addrs[0]
	}
	out.to = parseAddressList(entity.Header.Get("To"))
	out.cc = parseAddressList(entity.Header.Get("Cc"))
	out.bcc = parseAddressList(entity.Header.Get("Bcc"))

	return out
}

var addressParser = mail.AddressParser{
	WordDecoder: &mime.WordDecoder{
		CharsetReader: func(charsetName string, r io.Reader) (io.Reader, error) {
			return msgcharset.Reader(charsetName, r)
		},
	},
}

// parseAddressList parses a header address list into display strings. A
// value the parser rejects is returned verbatim rather than dropped.
func parseAddressList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	addrs, err := addressParser.ParseList(raw)
	if err != nil {
		return []string{decodeEncodedWords(raw)}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, formatAddress(a.Name, a.Address))
	}
	return out
}

func formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return name + " <" + address + ">"
}
