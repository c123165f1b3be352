package imap

import (
	"sort"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/luigi617/openmail/internal/logging"
	"github.com/luigi617/openmail/models"
)

// The progressive search engine paginates large mailboxes without ever
// issuing an unbounded SEARCH. Each round restricts the server's search with
// a UID range clause and widens the range geometrically until the page is
// full, the address space is exhausted, or the round/span limits trip.

// uidWindow is an inclusive UID range [start, end]. end < start means empty.
type uidWindow struct {
	start uint32
	end   uint32
}

func (w uidWindow) empty() bool { return w.end < w.start }

// progressiveSearch runs the widening loop against an injected per-window
// search function, so the algorithm is independent of the wire layer.
type progressiveSearch struct {
	pageSize  int
	factor    int
	maxRounds int
	maxSpan   int
	maxUIDs   int

	// uidNext is the mailbox UIDNEXT; uidNext-1 is the newest assigned UID.
	uidNext uint32

	search func(win uidWindow) ([]uint32, error)
	log    zerolog.Logger
}

// makeWindow positions the initial window relative to the caller's anchor.
// Zero anchors mean unset.
func (p *progressiveSearch) makeWindow(beforeUID, afterUID uint32, size int) uidWindow {
	if beforeUID != 0 {
		if beforeUID <= 1 {
			return uidWindow{start: 1, end: 0}
		}
		end := beforeUID - 1
		start := uint32(1)
		if uint64(end) > uint64(size) {
			start = end - uint32(size) + 1
		}
		return uidWindow{start: start, end: end}
	}

	newest := uint32(0)
	if p.uidNext > 1 {
		newest = p.uidNext - 1
	}
	if newest == 0 {
		return uidWindow{start: 1, end: 0}
	}

	if afterUID != 0 {
		start := afterUID + 1
		if start > newest {
			return uidWindow{start: start, end: start - 1}
		}
		end := newest
		if uint64(start)+uint64(size)-1 < uint64(end) {
			end = start + uint32(size) - 1
		}
		return uidWindow{start: start, end: end}
	}

	// Initial page: tail window near UIDNEXT-1.
	end := newest
	start := uint32(1)
	if uint64(end) > uint64(size) {
		start = end - uint32(size) + 1
	}
	return uidWindow{start: start, end: end}
}

// run collects matching UIDs (ascending, deduplicated) across progressively
// wider windows.
func (p *progressiveSearch) run(beforeUID, afterUID uint32) ([]uint32, error) {
	want := p.pageSize * p.factor
	if want < 1 {
		want = 1
	}
	chunk := want
	if p.maxSpan > 0 && chunk > p.maxSpan {
		chunk = p.maxSpan
	}

	newest := uint32(0)
	if p.uidNext > 1 {
		newest = p.uidNext - 1
	}

	win := p.makeWindow(beforeUID, afterUID, chunk)

	var acc []uint32
	seen := make(map[uint32]struct{})

	var scannedLow, scannedHigh uint32

	for round := 0; round < p.maxRounds; round++ {
		if win.empty() {
			break
		}

		uids, err := p.search(win)
		if err != nil {
			return nil, err
		}

		for _, u := range uids {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				acc = append(acc, u)
			}
		}
		// Each window's SEARCH returns ascending, but windows are appended
		// older or newer than the accumulator, so re-sort.
		sort.Slice(acc, func(i, j int) bool { return acc[i] < acc[j] })

		p.log.Debug().
			Uint32("winStart", win.start).
			Uint32("winEnd", win.end).
			Int("round", round+1).
			Int("matched", len(uids)).
			Int("accumulated", len(acc)).
			Msg("Progressive search round")

		if len(acc) >= want {
			break
		}

		if scannedLow == 0 || win.start < scannedLow {
			scannedLow = win.start
		}
		if win.end > scannedHigh {
			scannedHigh = win.end
		}
		if scannedLow != 0 && int(scannedHigh-scannedLow)+1 >= p.maxSpan {
			break
		}

		chunk *= p.factor
		if p.maxSpan > 0 && chunk > p.maxSpan {
			chunk = p.maxSpan
		}
		if afterUID != 0 {
			// Move strictly newer: [end+1, end+chunk].
			nextStart := win.end + 1
			if nextStart > newest {
				break
			}
			nextEnd := newest
			if uint64(nextStart)+uint64(chunk)-1 < uint64(nextEnd) {
				nextEnd = nextStart + uint32(chunk) - 1
			}
			win = uidWindow{start: nextStart, end: nextEnd}
		} else {
			// Move strictly older: [start-chunk, start-1]. Covers both the
			// beforeUID anchor and initial tail paging.
			if win.start <= 1 {
				break
			}
			nextEnd := win.start - 1
			nextStart := uint32(1)
			if uint64(nextEnd) > uint64(chunk) {
				nextStart = nextEnd - uint32(chunk) + 1
			}
			win = uidWindow{start: nextStart, end: nextEnd}
		}
	}

	// Memory guard: keep the tail, which is the useful end for "older"
	// paging.
	if len(acc) > p.maxUIDs {
		acc = acc[len(acc)-p.maxUIDs:]
	}

	return acc, nil
}

// assemblePage turns the ascending accumulator into a newest-first page with
// honest anchors.
func assemblePage(uids []uint32, mailbox string, pageSize int, beforeUID, afterUID uint32) *models.PagedSearchResult {
	if len(uids) == 0 {
		return &models.PagedSearchResult{}
	}

	var pageAsc []uint32
	switch {
	case beforeUID != 0:
		pageAsc = tailUIDs(uids, pageSize)
	case afterUID != 0:
		pageAsc = headUIDs(uids, pageSize)
	default:
		pageAsc = tailUIDs(uids, pageSize)
	}
	if len(pageAsc) == 0 {
		return &models.PagedSearchResult{}
	}

	refs := make([]models.EmailRef, 0, len(pageAsc))
	for i := len(pageAsc) - 1; i >= 0; i-- {
		refs = append(refs, models.EmailRef{UID: pageAsc[i], Mailbox: mailbox})
	}

	oldest := pageAsc[0]
	newest := pageAsc[len(pageAsc)-1]
	moreInWindow := len(uids) > len(pageAsc)

	var hasOlder, hasNewer bool
	switch {
	case beforeUID != 0:
		hasOlder = moreInWindow || oldest > 1
		hasNewer = true
	case afterUID != 0:
		hasNewer = moreInWindow
		hasOlder = true
	default:
		hasOlder = moreInWindow || oldest > 1
		hasNewer = false
	}

	result := &models.PagedSearchResult{
		Refs:      refs,
		NewestUID: newest,
		OldestUID: oldest,
		Total:     len(uids),
		HasNext:   hasOlder,
		HasPrev:   hasNewer,
	}
	if hasOlder {
		result.NextBeforeUID = oldest
	}
	if hasNewer {
		result.PrevAfterUID = newest
	}
	return result
}

func tailUIDs(uids []uint32, n int) []uint32 {
	if len(uids) <= n {
		return uids
	}
	return uids[len(uids)-n:]
}

func headUIDs(uids []uint32, n int) []uint32 {
	if len(uids) <= n {
		return uids
	}
	return uids[:n]
}

// statusUIDNext probes the mailbox UIDNEXT via STATUS. Required for forward
// and top pages; failure is fatal for the operation.
func (c *Client) statusUIDNext(state *connState, mailbox string) (uint32, error) {
	data, err := state.client.Status(mailbox, &goimap.StatusOptions{UIDNext: true}).Wait()
	if err != nil {
		return 0, opErrf("search", "STATUS UIDNEXT for %q failed: %w", mailbox, err)
	}
	if data.UIDNext == 0 {
		return 0, opErrf("search", "STATUS for %q returned no UIDNEXT", mailbox)
	}
	return uint32(data.UIDNext), nil
}

// SearchPage returns one page of matching UIDs, newest-first, using the
// progressive UID-window strategy. A zero beforeUID/afterUID means unset;
// setting both is an error. A nil query matches all messages.
func (c *Client) SearchPage(mailbox string, query *Query, pageSize int, beforeUID, afterUID uint32) (*models.PagedSearchResult, error) {
	if beforeUID != 0 && afterUID != 0 {
		return nil, opErrf("search", "cannot set both beforeUID and afterUID")
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if query == nil {
		query = NewQuery()
	}

	uids, err := runSearch(c, "search", func(state *connState) ([]uint32, error) {
		if err := c.ensureSelected(state, mailbox, true); err != nil {
			return nil, err
		}

		uidNext, err := c.statusUIDNext(state, mailbox)
		if err != nil {
			return nil, err
		}

		engine := &progressiveSearch{
			pageSize:  pageSize,
			factor:    c.config.SearchWindowFactor,
			maxRounds: c.config.SearchMaxRounds,
			maxSpan:   c.config.SearchMaxWindowUIDs,
			maxUIDs:   c.config.MaxUIDsPerKey,
			uidNext:   uidNext,
			log:       logging.WithComponent("imap-search"),
			search: func(win uidWindow) ([]uint32, error) {
				return c.searchWindow(state, query, win)
			},
		}
		return engine.run(beforeUID, afterUID)
	})
	if err != nil {
		return nil, err
	}

	page := assemblePage(uids, mailbox, pageSize, beforeUID, afterUID)

	c.log.Debug().
		Str("mailbox", mailbox).
		Str("criteria", query.String()).
		Int("pageSize", pageSize).
		Int("windowTotal", page.Total).
		Int("refs", len(page.Refs)).
		Msg("Search page assembled")

	return page, nil
}

// searchWindow issues one bounded UID SEARCH for query AND UID start:end.
func (c *Client) searchWindow(state *connState, query *Query, win uidWindow) ([]uint32, error) {
	q := query.Clone().UIDRange(win.start, win.end)

	data, err := state.client.UIDSearch(q.Criteria(), nil).Wait()
	if err != nil {
		return nil, opErrf("search", "UID SEARCH %s failed: %w", q.String(), err)
	}

	all := data.AllUIDs()
	uids := make([]uint32, len(all))
	for i, u := range all {
		uids[i] = uint32(u)
	}
	return uids, nil
}

// Search is a thin wrapper over SearchPage returning only the refs of the
// newest page.
func (c *Client) Search(mailbox string, query *Query, limit int) ([]models.EmailRef, error) {
	page, err := c.SearchPage(mailbox, query, limit, 0, 0)
	if err != nil {
		return nil, err
	}
	return page.Refs, nil
}

// UIDSearch runs a single, unwindowed UID SEARCH and returns ascending UIDs.
// Prefer SearchPage for pagination; this exists for callers that genuinely
// need the full match list of a bounded query.
func (c *Client) UIDSearch(mailbox string, query *Query) ([]uint32, error) {
	if query == nil {
		query = NewQuery()
	}
	return runSearch(c, "search", func(state *connState) ([]uint32, error) {
		if err := c.ensureSelected(state, mailbox, true); err != nil {
			return nil, err
		}
		data, err := state.client.UIDSearch(query.Criteria(), nil).Wait()
		if err != nil {
			return nil, opErrf("search", "UID SEARCH failed: %w", err)
		}
		all := data.AllUIDs()
		uids := make([]uint32, len(all))
		for i, u := range all {
			uids[i] = uint32(u)
		}
		return uids, nil
	})
}
