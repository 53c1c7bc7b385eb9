// Package export streams events and profiles out of the Records API with
// bounded memory. Event history is pulled one date chunk at a time; profiles
// are pulled page by page over a pagination session. Streams yield records in
// order and are iterated once.
package export

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ferry/api"
	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/record"
)

const dateLayout = "2006-01-02"

// service is the slice of the API client the exporter consumes.
type service interface {
	ExportRaw(ctx context.Context, p api.ExportParams) (io.ReadCloser, error)
	QueryProfiles(ctx context.Context, params url.Values) (*api.EngagePage, error)
}

// DateChunk is one inclusive date range of an event export.
type DateChunk struct {
	Start time.Time
	End   time.Time
}

// String renders the chunk as "from..to" in date form.
func (c DateChunk) String() string {
	return c.Start.Format(dateLayout) + ".." + c.End.Format(dateLayout)
}

// PlanChunks splits the inclusive [from, to] date range into consecutive
// chunks of at most incrementDays days. A reversed range yields no chunks.
func PlanChunks(from, to time.Time, incrementDays int) []DateChunk {
	if incrementDays < 1 {
		incrementDays = 1
	}
	from = from.Truncate(24 * time.Hour)
	to = to.Truncate(24 * time.Hour)

	var chunks []DateChunk
	for start := from; !start.After(to); start = start.AddDate(0, 0, incrementDays) {
		end := start.AddDate(0, 0, incrementDays-1)
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, DateChunk{Start: start, End: end})
	}
	return chunks
}

// ChunkSpec chunks one inclusive sub-range at its own increment, so a long
// history can use coarse chunks for sparse early years and daily chunks for
// dense recent months.
type ChunkSpec struct {
	Start         time.Time
	End           time.Time
	IncrementDays int
}

// PlanMixedChunks expands per-sub-range specs into one flat chunk list, in
// spec order. Sub-ranges are taken as given; overlapping specs produce
// overlapping chunks.
func PlanMixedChunks(specs []ChunkSpec) []DateChunk {
	var chunks []DateChunk
	for _, s := range specs {
		chunks = append(chunks, PlanChunks(s.Start, s.End, s.IncrementDays)...)
	}
	return chunks
}

// Config tunes the exporter.
type Config struct {
	// IncrementDays sizes event date chunks; 1 keeps per-request payloads
	// smallest.
	IncrementDays int
	// TimezoneOffset is the remote project's UTC offset in hours. Event
	// timestamps arrive in project time and are shifted back to UTC.
	TimezoneOffset float64
	// PagePrefetch bounds how many profile pages are fetched ahead of the
	// consumer.
	PagePrefetch int
	// AcceptGzip asks for gzip-framed event responses.
	AcceptGzip bool
}

// Exporter streams records out of the remote service.
type Exporter struct {
	svc service
	cfg Config
	log *zap.SugaredLogger
}

// New creates an exporter on top of the API client.
func New(svc service, cfg Config, log *zap.SugaredLogger) *Exporter {
	if cfg.IncrementDays < 1 {
		cfg.IncrementDays = 1
	}
	if cfg.PagePrefetch < 1 {
		cfg.PagePrefetch = 2
	}
	return &Exporter{svc: svc, cfg: cfg, log: log}
}

// EventParams selects the event history to stream.
type EventParams struct {
	From   time.Time
	To     time.Time
	Events []string
	Where  string
}

// Events opens an ordered event stream over [From, To]. The range is fetched
// chunk by chunk; a chunk that fails after retries surfaces an error naming
// the chunk so the export can be resumed from it manually.
func (e *Exporter) Events(ctx context.Context, p EventParams) *EventStream {
	chunks := PlanChunks(p.From, p.To, e.cfg.IncrementDays)
	e.log.Debugw("Planned event export",
		"from", p.From.Format(dateLayout),
		"to", p.To.Format(dateLayout),
		"chunks", len(chunks))
	return e.EventsChunks(ctx, chunks, p)
}

// EventsChunks opens an event stream over a caller-planned chunk list, for
// ranges whose density varies too much for one uniform increment (see
// PlanMixedChunks). The params' From and To are ignored; the chunks are
// fetched as given, in order.
func (e *Exporter) EventsChunks(ctx context.Context, chunks []DateChunk, p EventParams) *EventStream {
	return &EventStream{
		ctx:    ctx,
		e:      e,
		params: p,
		chunks: chunks,
	}
}

// EventStream yields events one at a time in chunk order. It implements
// record.Source and must be closed when abandoned early.
type EventStream struct {
	ctx    context.Context
	e      *Exporter
	params EventParams

	chunks []DateChunk
	idx    int

	body io.ReadCloser
	dec  *json.Decoder

	err    error
	closed bool
}

// Chunk returns the date chunk currently being read, for resume diagnostics.
func (s *EventStream) Chunk() DateChunk {
	i := s.idx - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s.chunks) {
		i = len(s.chunks) - 1
	}
	if i < 0 {
		return DateChunk{}
	}
	return s.chunks[i]
}

// Next returns the next event, io.EOF after the last one. Errors are sticky:
// a failed stream never resumes on its own.
func (s *EventStream) Next() (record.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		if s.dec == nil {
			if s.idx >= len(s.chunks) {
				return nil, io.EOF
			}
			if err := s.openChunk(s.chunks[s.idx]); err != nil {
				s.err = err
				return nil, err
			}
			s.idx++
		}

		var ev record.Event
		if err := s.dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				s.body.Close()
				s.body, s.dec = nil, nil
				continue
			}
			s.err = errors.Wrapf(err, "event export failed in chunk %s", s.Chunk())
			s.body.Close()
			s.body, s.dec = nil, nil
			return nil, s.err
		}

		ev.ShiftTime(s.e.cfg.TimezoneOffset)
		return ev, nil
	}
}

func (s *EventStream) openChunk(c DateChunk) error {
	body, err := s.e.svc.ExportRaw(s.ctx, api.ExportParams{
		FromDate:   c.Start.Format(dateLayout),
		ToDate:     c.End.Format(dateLayout),
		Events:     s.params.Events,
		Where:      s.params.Where,
		AcceptGzip: s.e.cfg.AcceptGzip,
	})
	if err != nil {
		return errors.Wrapf(err, "event export failed in chunk %s", c)
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	s.body, s.dec = body, dec
	return nil
}

// Close releases the in-flight response, if any.
func (s *EventStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.body != nil {
		err := s.body.Close()
		s.body, s.dec = nil, nil
		return err
	}
	return nil
}

// Drain copies a stream into a sink, returning the record count. The stream
// is closed either way.
func Drain(src interface {
	Next() (record.Record, error)
	Close() error
}, sink record.Sink) (int, error) {
	defer src.Close()

	count := 0
	for {
		rec, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		if err := sink.Append(rec); err != nil {
			return count, err
		}
		count++
	}
}
