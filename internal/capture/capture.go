// Package capture implements the PPGL binary log format used to record
// and replay raw PPG streams. The format is shared by the live sampler's
// in-memory buffers and the offline ppgtool recorder.
//
// Layout (little-endian):
//
//	Header (8 bytes):  magic "PPGL" | version=1 | channel id | reserved uint16
//	Record (24 bytes): ts_ms int32 | s0..s4 int32
//
// Records follow the header back to back; a file ends on short read.
package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Format constants.
const (
	Version    = 1
	HeaderSize = 8
	RecordSize = 24
)

// Magic identifies a PPGL log.
var Magic = [4]byte{'P', 'P', 'G', 'L'}

// ErrBadMagic is returned when a log does not start with the PPGL magic.
var ErrBadMagic = errors.New("not a ppgl log")

// ErrBadVersion is returned for an unsupported format version.
var ErrBadVersion = errors.New("unsupported ppgl version")

// Header is the fixed file header.
type Header struct {
	Version uint8
	Channel uint8
}

// Record is one /ppg bundle: a sender-local millisecond timestamp and
// five consecutive 12-bit samples.
type Record struct {
	TimestampMS int32
	Samples     [5]int32
}

// Writer appends PPGL records to an underlying writer. The header is
// written on construction.
type Writer struct {
	w       io.Writer
	records int
}

// NewWriter writes the header for the given channel and returns a record
// writer.
func NewWriter(w io.Writer, channel uint8) (*Writer, error) {
	var hdr [HeaderSize]byte
	copy(hdr[0:4], Magic[:])
	hdr[4] = Version
	hdr[5] = channel
	binary.LittleEndian.PutUint16(hdr[6:8], 0)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("writing ppgl header: %w", err)
	}
	return &Writer{w: w}, nil
}

// WriteRecord appends one record.
func (w *Writer) WriteRecord(rec Record) error {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rec.TimestampMS))
	for i, s := range rec.Samples {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], uint32(s))
	}
	if _, err := w.w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing ppgl record: %w", err)
	}
	w.records++
	return nil
}

// Records returns the number of records written so far.
func (w *Writer) Records() int {
	return w.records
}

// Reader decodes PPGL records from an underlying reader. The header is
// consumed and validated on construction.
type Reader struct {
	r   io.Reader
	hdr Header
}

// NewReader validates the header and returns a record reader.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading ppgl header: %w", err)
	}
	if !bytes.Equal(hdr[0:4], Magic[:]) {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, hdr[0:4])
	}
	if hdr[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr[4])
	}
	return &Reader{r: r, hdr: Header{Version: hdr[4], Channel: hdr[5]}}, nil
}

// Header returns the parsed file header.
func (r *Reader) Header() Header {
	return r.hdr
}

// ReadRecord decodes the next record. It returns io.EOF at a clean end of
// log; a trailing partial record also terminates the stream with io.EOF
// (short reads end a file by contract).
func (r *Reader) ReadRecord() (Record, error) {
	var buf [RecordSize]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("reading ppgl record: %w", err)
	}
	var rec Record
	rec.TimestampMS = int32(binary.LittleEndian.Uint32(buf[0:4]))
	for i := range rec.Samples {
		rec.Samples[i] = int32(binary.LittleEndian.Uint32(buf[4+4*i : 8+4*i]))
	}
	return rec, nil
}

// ReadAll decodes every remaining record.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Buffer is an in-memory PPGL log used by the live sampler while a
// recording is open.
type Buffer struct {
	buf bytes.Buffer
	w   *Writer
	ch  uint8
}

// NewBuffer starts an in-memory log for the given channel.
func NewBuffer(channel uint8) (*Buffer, error) {
	b := &Buffer{ch: channel}
	w, err := NewWriter(&b.buf, channel)
	if err != nil {
		return nil, err
	}
	b.w = w
	return b, nil
}

// Append adds one record to the buffer.
func (b *Buffer) Append(rec Record) error {
	return b.w.WriteRecord(rec)
}

// Channel returns the source channel the buffer was recorded from.
func (b *Buffer) Channel() uint8 { return b.ch }

// Records returns the number of buffered records.
func (b *Buffer) Records() int { return b.w.Records() }

// Len returns the buffered byte length including the header.
func (b *Buffer) Len() int { return b.buf.Len() }

// Bytes returns the raw log contents.
func (b *Buffer) Bytes() []byte { return b.buf.Bytes() }

// Decode parses the buffered log back into records.
func (b *Buffer) Decode() ([]Record, error) {
	r, err := NewReader(bytes.NewReader(b.buf.Bytes()))
	if err != nil {
		return nil, err
	}
	return r.ReadAll()
}
