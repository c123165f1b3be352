package imap

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestDecodeTransfer(t *testing.T) {
	cases := []struct {
		name     string
		encoding string
		in       string
		want     string
	}{
		{name: "7bit identity", encoding: "7bit", in: "plain text", want: "plain text"},
		{name: "8bit identity", encoding: "8bit", in: "süß", want: "süß"},
		{name: "empty encoding", encoding: "", in: "x", want: "x"},
		{
			name:     "base64",
			encoding: "BASE64",
			in:       base64.StdEncoding.EncodeToString([]byte("hello world")),
			want:     "hello world",
		},
		{
			name:     "base64 with line breaks",
			encoding: "base64",
			in:       "aGVsbG8g\r\nd29ybGQ=",
			want:     "hello world",
		},
		{
			name:     "quoted-printable",
			encoding: "quoted-printable",
			in:       "caf=C3=A9 =3D ok",
			want:     "café = ok",
		},
		{
			name:     "quoted-printable soft break",
			encoding: "quoted-printable",
			in:       "one=\r\ntwo",
			want:     "onetwo",
		},
		{name: "unknown passes through", encoding: "x-weird", in: "data", want: "data"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decodeTransfer([]byte(tc.in), tc.encoding)
			if string(got) != tc.want {
				t.Errorf("decodeTransfer = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeTextCharsets(t *testing.T) {
	// "héllo" in ISO-8859-1.
	latin1 := []byte{'h', 0xE9, 'l', 'l', 'o'}

	if got := decodeText(latin1, "iso-8859-1"); got != "héllo" {
		t.Errorf("iso-8859-1 decode = %q", got)
	}
	if got := decodeText([]byte("héllo"), "utf-8"); got != "héllo" {
		t.Errorf("utf-8 decode = %q", got)
	}
	if got := decodeText([]byte("ascii"), ""); got != "ascii" {
		t.Errorf("empty charset decode = %q", got)
	}

	// Latin-1 is the last-resort fallback: every byte maps somewhere, so
	// nothing is lost even for garbage input under an unknown charset.
	if got := decodeText(latin1, "not-a-charset"); got != "héllo" {
		t.Errorf("unknown charset fallback = %q, want Latin-1 interpretation", got)
	}
}

func TestDecodeEncodedWords(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain subject", "plain subject"},
		{"=?UTF-8?B?5Lit5paH?=", "中文"},
		{"=?iso-8859-1?Q?caf=E9?=", "café"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := decodeEncodedWords(tc.in); got != tc.want {
			t.Errorf("decodeEncodedWords(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseHeaderBytes(t *testing.T) {
	header := strings.Join([]string{
		"From: Alice Example <alice@example.org>",
		"To: bob@example.org, Carol <carol@example.org>",
		"Cc: dave@example.org",
		"Subject: =?UTF-8?B?5Lit5paH?= report",
		"Date: Tue, 02 Jan 2024 15:04:05 +0000",
		"Message-ID: <abc123@example.org>",
		"X-Custom-Header: kept-as-is",
		"", "",
	}, "\r\n")

	parsed := parseHeaderBytes([]byte(header))

	if parsed.from != "Alice Example <alice@example.org>" {
		t.Errorf("from = %q", parsed.from)
	}
	if len(parsed.to) != 2 || parsed.to[0] != "bob@example.org" || parsed.to[1] != "Carol <carol@example.org>" {
		t.Errorf("to = %v", parsed.to)
	}
	if len(parsed.cc) != 1 || parsed.cc[0] != "dave@example.org" {
		t.Errorf("cc = %v", parsed.cc)
	}
	if parsed.subject != "中文 report" {
		t.Errorf("subject = %q", parsed.subject)
	}
	if parsed.messageID != "<abc123@example.org>" {
		t.Errorf("messageID = %q", parsed.messageID)
	}
	if parsed.date.IsZero() || parsed.date.Day() != 2 {
		t.Errorf("date = %v", parsed.date)
	}

	// The header map preserves original field casing.
	if _, ok := parsed.all["X-Custom-Header"]; !ok {
		t.Errorf("case-preserving header map missing X-Custom-Header: %v", parsed.all)
	}
}

func TestParseHeaderBytesEmpty(t *testing.T) {
	parsed := parseHeaderBytes(nil)
	if parsed.from != "" || len(parsed.to) != 0 || len(parsed.all) != 0 {
		t.Errorf("empty header should parse to zero values: %+v", parsed)
	}
}

func TestParseAddressListMalformed(t *testing.T) {
	got := parseAddressList("totally not an address <<<")
	if len(got) != 1 || got[0] == "" {
		t.Errorf("malformed list should be returned verbatim, got %v", got)
	}
}
