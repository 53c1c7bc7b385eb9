package export

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strconv"

	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/record"
)

// ProfileParams selects the profiles to stream.
type ProfileParams struct {
	// Where is the remote-side selector expression; empty selects everything.
	Where string
	// OutputProperties restricts which properties come back.
	OutputProperties []string
}

func (p ProfileParams) query() (url.Values, error) {
	q := url.Values{}
	if p.Where != "" {
		q.Set("where", p.Where)
	}
	if len(p.OutputProperties) > 0 {
		enc, err := json.Marshal(p.OutputProperties)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode output properties")
		}
		q.Set("output_properties", string(enc))
	}
	return q, nil
}

// Profiles opens an ordered profile stream. The first page establishes the
// pagination session; later pages are fetched ahead of the consumer, at most
// PagePrefetch pages deep, so memory stays bounded regardless of how many
// profiles match.
func (e *Exporter) Profiles(ctx context.Context, p ProfileParams) *ProfileStream {
	s := &ProfileStream{
		pages: make(chan profilePage, e.cfg.PagePrefetch),
		done:  make(chan struct{}),
	}
	go s.fetch(ctx, e, p)
	return s
}

type profilePage struct {
	profiles []record.Profile
	err      error
}

// ProfileStream yields profiles one at a time in page order. It implements
// record.Source and must be closed when abandoned early.
type ProfileStream struct {
	pages chan profilePage
	done  chan struct{}

	current []record.Profile
	pos     int

	total int
	err   error
}

// fetch walks the pagination session sequentially, pushing pages into the
// bounded channel. The channel capacity is the only read-ahead buffer.
func (s *ProfileStream) fetch(ctx context.Context, e *Exporter, p ProfileParams) {
	defer close(s.pages)

	q, err := p.query()
	if err != nil {
		s.push(ctx, profilePage{err: err})
		return
	}

	first, err := e.svc.QueryProfiles(ctx, q)
	if err != nil {
		s.push(ctx, profilePage{err: errors.Wrap(err, "profile query failed on first page")})
		return
	}
	s.total = first.Total
	e.log.Debugw("Profile export session established",
		"total", first.Total,
		"page_size", first.PageSize,
		"session_id", first.SessionID)

	if !s.push(ctx, profilePage{profiles: first.Results}) {
		return
	}

	firstPage, lastPage := first.RemainingPages()
	for page := firstPage; page <= lastPage; page++ {
		q.Set("session_id", first.SessionID)
		q.Set("page", strconv.Itoa(page))

		next, err := e.svc.QueryProfiles(ctx, q)
		if err != nil {
			s.push(ctx, profilePage{err: errors.Wrapf(err, "profile query failed on page %d", page)})
			return
		}
		if !s.push(ctx, profilePage{profiles: next.Results}) {
			return
		}
	}
}

func (s *ProfileStream) push(ctx context.Context, p profilePage) bool {
	select {
	case s.pages <- p:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Total returns the matched profile count, known once the first page has been
// consumed.
func (s *ProfileStream) Total() int {
	return s.total
}

// Next returns the next profile, io.EOF after the last one. Errors are
// sticky.
func (s *ProfileStream) Next() (record.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	for s.pos >= len(s.current) {
		page, ok := <-s.pages
		if !ok {
			return nil, io.EOF
		}
		if page.err != nil {
			s.err = page.err
			return nil, s.err
		}
		s.current, s.pos = page.profiles, 0
	}
	p := s.current[s.pos]
	s.pos++
	return p, nil
}

// Close stops the page fetcher.
func (s *ProfileStream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}
