package record

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/teranos/ferry/errors"
)

// Source yields records sequentially; Next returns io.EOF after the last
// record. Sources are iterated once and are not restartable.
type Source interface {
	Next() (Record, error)
}

// SliceSource adapts an in-memory record list to a Source.
type SliceSource struct {
	records []Record
	pos     int
}

// NewSliceSource wraps an explicit record list.
func NewSliceSource(records []Record) *SliceSource {
	return &SliceSource{records: records}
}

// Profiles wraps an explicit profile list.
func Profiles(profiles []Profile) *SliceSource {
	records := make([]Record, len(profiles))
	for i, p := range profiles {
		records[i] = p
	}
	return NewSliceSource(records)
}

// Next implements Source.
func (s *SliceSource) Next() (Record, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.pos]
	s.pos++
	return r, nil
}

type sourceMode int

const (
	modeJSONArray sourceMode = iota
	modeJSONLines
	modeCSVEvents
	modeCSVProfiles
)

// FileSource reads records sequentially from a JSON array, JSON-lines, or
// CSV file, optionally gzip-framed. The encoding is sniffed from the
// content, so exported artifacts can be re-imported without telling ferry
// what they are.
type FileSource struct {
	file   *os.File
	gz     *gzip.Reader
	mode   sourceMode
	dec    *json.Decoder
	csv    *csv.Reader
	header []string
}

// OpenFile opens a record source, detecting gzip framing and the encoding.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}

	src := &FileSource{file: f}
	br := bufio.NewReader(f)

	// gzip magic
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "failed to open gzip stream in %s", path)
		}
		src.gz = gz
		br = bufio.NewReader(gz)
	}

	if err := src.sniff(br); err != nil {
		src.Close()
		return nil, errors.Wrapf(err, "failed to detect encoding of %s", path)
	}
	return src, nil
}

// sniff inspects the first non-space byte to pick JSON array, JSON lines, or
// CSV mode. CSV files must start with a header containing either an "event"
// or a "$distinct_id" column.
func (s *FileSource) sniff(br *bufio.Reader) error {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return errors.Wrap(err, "empty input")
		}
		if b[0] == ' ' || b[0] == '\t' || b[0] == '\n' || b[0] == '\r' {
			br.Discard(1)
			continue
		}
		switch b[0] {
		case '[':
			s.mode = modeJSONArray
			s.dec = json.NewDecoder(br)
			s.dec.UseNumber()
			// Consume the opening bracket
			if _, err := s.dec.Token(); err != nil {
				return errors.Wrap(err, "failed to read JSON array start")
			}
		case '{':
			s.mode = modeJSONLines
			s.dec = json.NewDecoder(br)
			s.dec.UseNumber()
		default:
			s.csv = csv.NewReader(br)
			s.csv.FieldsPerRecord = -1
			header, err := s.csv.Read()
			if err != nil {
				return errors.Wrap(err, "failed to read CSV header")
			}
			s.header = header
			switch {
			case contains(header, "event"):
				s.mode = modeCSVEvents
			case contains(header, "$distinct_id"):
				s.mode = modeCSVProfiles
			default:
				return errors.New(`CSV header contains neither "event" nor "$distinct_id"`)
			}
		}
		return nil
	}
}

// Next implements Source.
func (s *FileSource) Next() (Record, error) {
	switch s.mode {
	case modeJSONArray:
		if !s.dec.More() {
			return nil, io.EOF
		}
		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			return nil, errors.Wrap(err, "failed to read JSON array element")
		}
		return decodeItem(raw)
	case modeJSONLines:
		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, "failed to read JSON line")
		}
		return decodeItem(raw)
	case modeCSVEvents:
		row, err := s.csv.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, "failed to read CSV row")
		}
		return EventFromRow(row, s.header)
	default:
		row, err := s.csv.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, "failed to read CSV row")
		}
		return ProfileFromRow(row, s.header)
	}
}

// Close releases the underlying file.
func (s *FileSource) Close() error {
	if s.gz != nil {
		s.gz.Close()
	}
	return s.file.Close()
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// Sink appends records sequentially to an on-disk artifact.
type Sink interface {
	Append(r Record) error
	Close() error
}

// SinkOptions configures OpenSink.
type SinkOptions struct {
	Format   Format
	Compress bool
	Append   bool // open with O_APPEND instead of truncating
	// Columns fixes the CSV header up front so rows stream straight to
	// disk. When empty, the CSV sink buffers all records until Close to
	// compute the union-of-keys header.
	Columns []string
}

// OpenSink creates an on-disk record sink in JSON-lines or CSV encoding with
// optional gzip framing.
func OpenSink(path string, opts SinkOptions) (Sink, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if opts.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	if opts.Compress && !strings.HasSuffix(path, ".gz") {
		path += ".gz"
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if opts.Compress {
		gz = gzip.NewWriter(f)
		w = gz
	}

	switch opts.Format {
	case FormatCSV:
		return &csvSink{file: f, gz: gz, w: csv.NewWriter(w), columns: opts.Columns}, nil
	case FormatJSON, "":
		return &jsonlSink{file: f, gz: gz, enc: json.NewEncoder(w)}, nil
	default:
		f.Close()
		return nil, errors.Newf("unsupported sink format %q", opts.Format)
	}
}

// jsonlSink streams one JSON object per line.
type jsonlSink struct {
	file *os.File
	gz   *gzip.Writer
	enc  *json.Encoder
}

func (s *jsonlSink) Append(r Record) error {
	if err := s.enc.Encode(r); err != nil {
		return errors.Wrap(err, "failed to append record")
	}
	return nil
}

func (s *jsonlSink) Close() error {
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			s.file.Close()
			return errors.Wrap(err, "failed to flush gzip stream")
		}
	}
	return s.file.Close()
}

// csvSink writes flattened rows. With fixed columns rows stream straight to
// disk; otherwise records are buffered until Close so the header can cover
// the union of property names.
type csvSink struct {
	file    *os.File
	gz      *gzip.Writer
	w       *csv.Writer
	columns []string

	wroteHeader bool
	events      []Event
	profiles    []Profile
}

func (s *csvSink) Append(r Record) error {
	if len(s.columns) > 0 {
		return s.appendStreaming(r)
	}
	switch rec := r.(type) {
	case Event:
		s.events = append(s.events, rec)
	case Profile:
		s.profiles = append(s.profiles, rec)
	default:
		return errors.Newf("CSV sink cannot encode %T", r)
	}
	return nil
}

func (s *csvSink) appendStreaming(r Record) error {
	if !s.wroteHeader {
		if err := s.w.Write(s.columns); err != nil {
			return errors.Wrap(err, "failed to write CSV header")
		}
		s.wroteHeader = true
	}
	var row []string
	var err error
	switch rec := r.(type) {
	case Event:
		row, err = eventRow(rec, s.columns)
	case Profile:
		row, err = profileRow(rec, s.columns)
	default:
		return errors.Newf("CSV sink cannot encode %T", r)
	}
	if err != nil {
		return err
	}
	if err := s.w.Write(row); err != nil {
		return errors.Wrap(err, "failed to write CSV row")
	}
	return nil
}

func (s *csvSink) Close() error {
	if len(s.columns) == 0 {
		if err := s.flushBuffered(); err != nil {
			s.file.Close()
			return err
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.file.Close()
		return errors.Wrap(err, "failed to flush CSV")
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			s.file.Close()
			return errors.Wrap(err, "failed to flush gzip stream")
		}
	}
	return s.file.Close()
}

func (s *csvSink) flushBuffered() error {
	if len(s.events) > 0 && len(s.profiles) > 0 {
		return errors.New("CSV sink cannot mix events and profiles in one file")
	}
	if len(s.events) > 0 {
		header := eventColumns(s.events)
		if err := s.w.Write(header); err != nil {
			return errors.Wrap(err, "failed to write CSV header")
		}
		for _, e := range s.events {
			row, err := eventRow(e, header)
			if err != nil {
				return err
			}
			if err := s.w.Write(row); err != nil {
				return errors.Wrap(err, "failed to write CSV row")
			}
		}
		return nil
	}
	if len(s.profiles) > 0 {
		header := profileColumns(s.profiles)
		if err := s.w.Write(header); err != nil {
			return errors.Wrap(err, "failed to write CSV header")
		}
		for _, p := range s.profiles {
			row, err := profileRow(p, header)
			if err != nil {
				return err
			}
			if err := s.w.Write(row); err != nil {
				return errors.Wrap(err, "failed to write CSV row")
			}
		}
	}
	return nil
}
