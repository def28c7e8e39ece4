package sync

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	errUnterminatedQuote = errors.New("unterminated quoted field")
	errRecordTooLong     = errors.New("record exceeds maximum size")
)

// recordReader yields CSV records from a byte range of the blob.
//
// Records are assembled line by line: a line with an odd number of quotes
// continues into the next one, up to maxBytes. A record that cannot be
// parsed only consumes its first physical line, so one stray quote costs a
// single line instead of everything after it.
type recordReader struct {
	f        *os.File
	size     int64
	maxBytes int

	br  *bufio.Reader
	pos int64 // start of the next record
	buf []byte

	// Extent of the last record returned, for rescanLast
	lastStart     int64
	lastFirstLine int
	lastLen       int
}

func newRecordReader(f *os.File, start, size int64, maxBytes int) *recordReader {
	r := &recordReader{f: f, size: size, maxBytes: maxBytes}
	r.seek(start)
	return r
}

func (r *recordReader) seek(pos int64) {
	r.pos = pos
	section := io.NewSectionReader(r.f, pos, r.size-pos)
	if r.br == nil {
		r.br = bufio.NewReaderSize(section, 64*1024)
	} else {
		r.br.Reset(section)
	}
}

// Position returns the byte offset of the next unread record.
func (r *recordReader) Position() int64 {
	return r.pos
}

// skipLine advances past the next newline, or to the end of the range.
func (r *recordReader) skipLine() error {
	n, err := r.discardLine()
	r.pos += int64(n)
	return err
}

func (r *recordReader) discardLine() (int, error) {
	n := 0
	for {
		line, err := r.br.ReadSlice('\n')
		n += len(line)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && err != io.EOF {
			return n, fmt.Errorf("failed to read blob: %w", err)
		}
		return n, nil
	}
}

// Read returns the fields of the next record, or io.EOF at the end of the
// range. Parse errors are per record: reading can continue after them.
func (r *recordReader) Read() ([]string, error) {
	for {
		if r.pos >= r.size {
			return nil, io.EOF
		}

		start := r.pos
		firstLine, recordErr, err := r.readLogical()
		if err != nil {
			return nil, err
		}

		if recordErr == nil {
			fields, parseErr := parseRecord(r.buf)
			if parseErr == io.EOF {
				// Blank line
				r.pos = start + int64(len(r.buf))
				continue
			}
			if parseErr == nil || firstLine == len(r.buf) {
				r.lastStart, r.lastFirstLine, r.lastLen = start, firstLine, len(r.buf)
				r.pos = start + int64(len(r.buf))
				if parseErr != nil {
					return nil, fmt.Errorf("record at byte %d: %w", start, parseErr)
				}
				return fields, nil
			}
			recordErr = parseErr
		}

		r.lastStart, r.lastFirstLine, r.lastLen = start, firstLine, firstLine
		r.seek(start + int64(firstLine))
		return nil, fmt.Errorf("record at byte %d: %w", start, recordErr)
	}
}

// readLogical fills buf with the lines of the next record. It returns the
// length of the first physical line and, separately, a record-level error
// that still lets reading continue after the first line.
func (r *recordReader) readLogical() (firstLine int, recordErr, err error) {
	r.buf = r.buf[:0]
	quotes := 0
	for {
		line, readErr := r.br.ReadSlice('\n')
		r.buf = append(r.buf, line...)
		quotes += bytes.Count(line, []byte{'"'})

		if readErr != nil && readErr != io.EOF && readErr != bufio.ErrBufferFull {
			return 0, nil, fmt.Errorf("failed to read blob: %w", readErr)
		}

		if readErr == bufio.ErrBufferFull {
			if len(r.buf) <= r.maxBytes {
				continue
			}
			if firstLine == 0 {
				n, err := r.discardLine()
				if err != nil {
					return 0, nil, err
				}
				firstLine = len(r.buf) + n
			}
			return firstLine, errRecordTooLong, nil
		}

		if firstLine == 0 {
			firstLine = len(r.buf)
		}
		if quotes%2 == 0 {
			return firstLine, nil, nil
		}
		if readErr == io.EOF {
			return firstLine, errUnterminatedQuote, nil
		}
		if len(r.buf) > r.maxBytes {
			return firstLine, errUnterminatedQuote, nil
		}
	}
}

// rescanLast makes the lines after the first line of the last record
// readable again. It does nothing when that record was a single line.
func (r *recordReader) rescanLast() {
	if r.lastFirstLine >= r.lastLen {
		return
	}
	r.lastLen = r.lastFirstLine
	r.seek(r.lastStart + int64(r.lastFirstLine))
}

func parseRecord(raw []byte) ([]string, error) {
	cr := csv.NewReader(bytes.NewReader(raw))
	// Field counts are checked against the header when decoding
	cr.FieldsPerRecord = -1
	return cr.Read()
}
