package record

import (
	"bytes"

	"github.com/teranos/ferry/errors"
)

// Batch is a finite ordered group of records bounded by count and encoded
// byte size; it is the atomic unit of one import request. A batch never
// splits a single record.
type Batch struct {
	records []Record
	encoded [][]byte
	bytes   int
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.records)
}

// Bytes returns the encoded payload size.
func (b *Batch) Bytes() int {
	return b.bytes
}

// Records returns the records in submission order.
func (b *Batch) Records() []Record {
	return b.records
}

// Payload assembles the JSON array body for one import request from the
// per-record encodings captured at accumulation time.
func (b *Batch) Payload() []byte {
	var buf bytes.Buffer
	buf.Grow(b.bytes + b.Len() + 2)
	buf.WriteByte('[')
	for i, enc := range b.encoded {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(enc)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Builder accumulates records into bounded batches. Add reports when the
// batch is full so the caller can hand it off and continue with a fresh one.
type Builder struct {
	maxRecords int
	maxBytes   int
	batch      *Batch
}

// NewBuilder creates a batch builder. maxRecords must be positive; a
// maxBytes of zero disables the byte bound.
func NewBuilder(maxRecords, maxBytes int) *Builder {
	return &Builder{
		maxRecords: maxRecords,
		maxBytes:   maxBytes,
		batch:      &Batch{},
	}
}

// Add encodes and appends one record. It returns the completed batch when
// the addition fills the count bound or would exceed the byte bound,
// otherwise nil. The record that overflowed a byte-bounded batch starts the
// next batch rather than being split or dropped.
func (b *Builder) Add(r Record, encode func(Record) ([]byte, error)) (*Batch, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	enc, err := encode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode record for batch")
	}

	var full *Batch
	if b.maxBytes > 0 && b.batch.Len() > 0 && b.batch.bytes+len(enc) > b.maxBytes {
		full = b.batch
		b.batch = &Batch{}
	}

	b.batch.records = append(b.batch.records, r)
	b.batch.encoded = append(b.batch.encoded, enc)
	b.batch.bytes += len(enc)

	if b.batch.Len() >= b.maxRecords {
		if full != nil {
			// Both bounds tripped on one Add; callers drain with Flush.
			return full, nil
		}
		full = b.batch
		b.batch = &Batch{}
	}
	return full, nil
}

// Flush returns the partially filled batch, or nil when empty.
func (b *Builder) Flush() *Batch {
	if b.batch.Len() == 0 {
		return nil
	}
	out := b.batch
	b.batch = &Batch{}
	return out
}
