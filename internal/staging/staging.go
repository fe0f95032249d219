// Package staging implements the length-prefixed record file that carries a
// query's result set from the runner to the materializers.
//
// The file is a sequence of records, each an 8-byte big-endian length
// followed by that many bytes of msgpack. The first two records are the
// column headers: record 0 is the ordered list of column names, record 1 the
// ordered list of backend-reported type display strings. Every later record
// is one data row, column-aligned. The stream is only restartable from the
// start; there is no seek index.
package staging

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const lenSize = 8

// Writer appends records to a staging file.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// NewWriter creates (or truncates) the staging file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &Writer{f: f, w: bufio.NewWriter(f)}, nil
}

// WriteHeader writes the two leading header records.
func (w *Writer) WriteHeader(names, types []string) error {
	if err := w.writeRecord(names); err != nil {
		return err
	}
	return w.writeRecord(types)
}

// WriteRow writes one data row. Timestamps are normalized to UTC; the
// caller's slice is left untouched.
func (w *Writer) WriteRow(row []interface{}) error {
	out := make([]interface{}, len(row))
	for i, v := range row {
		if t, ok := v.(time.Time); ok {
			out[i] = t.UTC()
			continue
		}
		out[i] = v
	}
	return w.writeRecord(out)
}

func (w *Writer) writeRecord(v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode staging record: %w", err)
	}
	var prefix [lenSize]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	if _, err := w.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.w.Write(data)
	return err
}

// Close flushes and closes the file. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// Reader iterates a staging file from the start.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

// NewReader opens the staging file at path.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	return &Reader{f: f, r: bufio.NewReader(f)}, nil
}

// Header reads the two leading header records. It must be called before the
// first ReadRow.
func (r *Reader) Header() (names, types []string, err error) {
	if err := r.readRecord(&names); err != nil {
		return nil, nil, fmt.Errorf("read column names: %w", err)
	}
	if err := r.readRecord(&types); err != nil {
		return nil, nil, fmt.Errorf("read column types: %w", err)
	}
	return names, types, nil
}

// ReadRow returns the next data row. It returns io.EOF once the length
// prefix is absent; a truncated record is a hard error
// (io.ErrUnexpectedEOF).
func (r *Reader) ReadRow() ([]interface{}, error) {
	var row []interface{}
	if err := r.readRecord(&row); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *Reader) readRecord(dst interface{}) error {
	var prefix [lenSize]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.ErrUnexpectedEOF
		}
		return err // io.EOF: clean end of stream
	}
	n := binary.BigEndian.Uint64(prefix[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// Loose decoding keeps value types predictable for downstream SQL
	// binding: int64, float64, bool, string, []byte, time.Time, nil.
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode staging record: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
