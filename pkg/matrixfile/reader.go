// Package matrixfile reads the tab-delimited gene x subject files produced
// by pipeline runs.
//
// The first line is a header: two fixed columns (gene symbol and a
// secondary identifier) followed by one subject id per column. Every later
// line carries a gene symbol, an ignored secondary field and one value per
// subject column.
package matrixfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// FixedColumns is the number of leading columns before subject columns.
const FixedColumns = 2

const maxLineBytes = 16 * 1024 * 1024

// ErrMalformedHeader indicates the header has fewer than FixedColumns fields.
var ErrMalformedHeader = errors.New("malformed header")

// Row is one gene line. Values[i] belongs to Header.Subjects[i]; a short
// line has fewer values than subjects.
type Row struct {
	Line   int
	Gene   string
	Values []string
}

// Header is the parsed first line.
type Header struct {
	Gene      string
	Secondary string
	Subjects  []string
}

// Reader streams rows from a pipeline output file.
type Reader struct {
	path    string
	sc      *bufio.Scanner
	header  Header
	line    int
	closeFn func() error
}

// Open opens path and reads its header. All failures are IOFailures.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &faults.IOFailure{Op: "open", Path: path, Err: err}
	}
	r, err := NewReader(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closeFn = f.Close
	return r, nil
}

// NewReader reads the header from src. path is used in errors only.
func NewReader(src io.Reader, path string) (*Reader, error) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	r := &Reader{path: path, sc: sc}
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, &faults.IOFailure{Op: "read header", Path: path, Err: err}
		}
		return nil, &faults.IOFailure{Op: "read header", Path: path, Err: io.ErrUnexpectedEOF}
	}
	r.line = 1

	fields := splitLine(sc.Text())
	if len(fields) < FixedColumns {
		return nil, &faults.IOFailure{
			Op:   "read header",
			Path: path,
			Err:  fmt.Errorf("%w: %d fields", ErrMalformedHeader, len(fields)),
		}
	}
	r.header = Header{
		Gene:      fields[0],
		Secondary: fields[1],
		Subjects:  fields[FixedColumns:],
	}
	return r, nil
}

// Header returns the parsed header.
func (r *Reader) Header() Header {
	return r.header
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// Next returns the next gene row, or io.EOF once the file is exhausted.
// Blank lines are skipped.
func (r *Reader) Next() (Row, error) {
	for r.sc.Scan() {
		r.line++
		text := r.sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := splitLine(text)
		row := Row{Line: r.line, Gene: strings.TrimSpace(fields[0])}
		if len(fields) > FixedColumns {
			row.Values = fields[FixedColumns:]
		}
		return row, nil
	}
	if err := r.sc.Err(); err != nil {
		return Row{}, &faults.IOFailure{Op: "read", Path: r.path, Err: err}
	}
	return Row{}, io.EOF
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closeFn == nil {
		return nil
	}
	fn := r.closeFn
	r.closeFn = nil
	return fn()
}

func splitLine(line string) []string {
	return strings.Split(strings.TrimRight(line, "\r"), "\t")
}
