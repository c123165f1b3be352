package imap

import (
	"testing"
	"time"
)

func TestQuote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", `""`},
		{"hello", `"hello"`},
		{`a"b\c`, `"a\"b\\c"`},
		{`\`, `"\\"`},
	}
	for _, tc := range cases {
		if got := quote(tc.in); got != tc.want {
			t.Errorf("quote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestToIMAPDate(t *testing.T) {
	d, err := ParseDate("2024-01-02")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if got := toIMAPDate(d); got != "02-Jan-2024" {
		t.Errorf("toIMAPDate = %q, want 02-Jan-2024", got)
	}
}

func TestParseDateInvalid(t *testing.T) {
	for _, in := range []string{"", "2024-13-01", "yesterday", "01/02/2024"} {
		if _, err := ParseDate(in); err == nil {
			t.Errorf("ParseDate(%q) should fail", in)
		}
	}
}

func TestEmptyQueryRendersAll(t *testing.T) {
	if got := NewQuery().String(); got != "ALL" {
		t.Errorf("empty query = %q, want ALL", got)
	}
}

func TestQueryRendering(t *testing.T) {
	day := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		query *Query
		want  string
	}{
		{
			name:  "from",
			query: NewQuery().From("alice@example.org"),
			want:  `FROM "alice@example.org"`,
		},
		{
			name:  "subject with quotes",
			query: NewQuery().Subject(`say "hi"`),
			want:  `SUBJECT "say \"hi\""`,
		},
		{
			name:  "flags and text",
			query: NewQuery().Unseen().Text("invoice"),
			want:  `UNSEEN TEXT "invoice"`,
		},
		{
			name:  "since",
			query: NewQuery().Since(day),
			want:  "SINCE 05-Mar-2024",
		},
		{
			name:  "on expands to day bounds",
			query: NewQuery().On(day),
			want:  "SINCE 05-Mar-2024 BEFORE 06-Mar-2024",
		},
		{
			name:  "custom header",
			query: NewQuery().Header("List-Id", "dev.lists.example.org"),
			want:  `HEADER "List-Id" "dev.lists.example.org"`,
		},
		{
			name:  "uid range",
			query: NewQuery().UIDRange(100, 200),
			want:  "UID 100:200",
		},
		{
			name:  "or",
			query: Or(NewQuery().From("a"), NewQuery().From("b")),
			want:  `OR FROM "a" FROM "b"`,
		},
		{
			name:  "not",
			query: Not(NewQuery().Seen()),
			want:  "NOT SEEN",
		},
		{
			name:  "and folds",
			query: NewQuery().From("a").And(NewQuery().Unseen()),
			want:  `UNSEEN FROM "a"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.query.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestQueryCloneIsDeep(t *testing.T) {
	base := NewQuery().From("alice").Unseen()
	clone := base.Clone()
	clone.UIDRange(1, 100).Text("extra")

	if base.String() != `UNSEEN FROM "alice"` {
		t.Errorf("mutating the clone changed the base: %q", base.String())
	}
	want := `UNSEEN FROM "alice" TEXT "extra" UID 1:100`
	if clone.String() != want {
		t.Errorf("clone = %q, want %q", clone.String(), want)
	}
}

func TestQueryCriteriaIsCopied(t *testing.T) {
	q := NewQuery().From("alice")
	crit := q.Criteria()
	crit.Text = append(crit.Text, "mutated")

	if got := q.String(); got != `FROM "alice"` {
		t.Errorf("mutating Criteria() result changed the query: %q", got)
	}
}

func TestQuerySinceKeepsMostRestrictive(t *testing.T) {
	early := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	q := NewQuery().Since(early).Since(late)
	if got := q.String(); got != "SINCE 01-Jun-2024" {
		t.Errorf("String() = %q, want the later SINCE", got)
	}

	q = NewQuery().Before(late).Before(early)
	if got := q.String(); got != "BEFORE 01-Jan-2024" {
		t.Errorf("String() = %q, want the earlier BEFORE", got)
	}
}
