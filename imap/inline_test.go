package imap

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/luigi617/openmail/models"
)

func TestRewriteCIDs(t *testing.T) {
	html := `<p>hello</p><img src="cid:foo">`
	metas := []models.AttachmentMeta{
		{Part: "2", Filename: "logo.png", ContentType: "image/png", ContentID: "foo"},
		{Part: "3", Filename: "doc.pdf", ContentType: "application/pdf"},
	}
	pngBytes := []byte{0x89, 'P', 'N', 'G'}

	rewritten, outMetas, inlined := rewriteCIDs(html, metas, func(meta models.AttachmentMeta) ([]byte, error) {
		if meta.Part != "2" {
			t.Errorf("fetched unexpected part %s", meta.Part)
		}
		return pngBytes, nil
	})

	if inlined != 1 {
		t.Fatalf("inlined = %d, want 1", inlined)
	}
	wantURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
	if !strings.Contains(rewritten, `src="`+wantURI+`"`) {
		t.Errorf("rewritten HTML missing data URI:\n%s", rewritten)
	}
	if strings.Contains(rewritten, "cid:foo") {
		t.Errorf("rewritten HTML still references cid:foo:\n%s", rewritten)
	}
	if !outMetas[0].IsInline {
		t.Error("matched attachment should be marked inline")
	}
	if outMetas[1].IsInline {
		t.Error("unmatched attachment must not be marked inline")
	}
}

func TestRewriteCIDsNoReferences(t *testing.T) {
	html := "<p>plain</p>"
	out, _, inlined := rewriteCIDs(html, []models.AttachmentMeta{{Part: "2", ContentID: "x"}}, func(models.AttachmentMeta) ([]byte, error) {
		t.Fatal("fetch should not be called without cid references")
		return nil, nil
	})
	if out != html || inlined != 0 {
		t.Errorf("HTML without cid refs must pass through unchanged")
	}
}

func TestRewriteCIDsFetchFailureLeavesReference(t *testing.T) {
	html := `<img src="cid:broken">`
	metas := []models.AttachmentMeta{{Part: "2", ContentID: "broken", ContentType: "image/gif"}}

	out, outMetas, inlined := rewriteCIDs(html, metas, func(models.AttachmentMeta) ([]byte, error) {
		return nil, errors.New("connection lost")
	})

	if inlined != 0 {
		t.Errorf("inlined = %d, want 0", inlined)
	}
	if out != html {
		t.Errorf("failed fetch must leave the reference untouched, got %s", out)
	}
	if outMetas[0].IsInline {
		t.Error("attachment must not be marked inline when the fetch failed")
	}
}

func TestRewriteCIDsUnknownContentID(t *testing.T) {
	html := `<img src="cid:ghost">`
	out, _, inlined := rewriteCIDs(html, []models.AttachmentMeta{{Part: "2", ContentID: "other"}}, func(models.AttachmentMeta) ([]byte, error) {
		return []byte("x"), nil
	})
	if inlined != 0 || out != html {
		t.Errorf("unknown content id must leave HTML unchanged")
	}
}
