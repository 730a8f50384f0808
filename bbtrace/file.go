package bbtrace

import (
	"bufio"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("bbtrace")

// File is a trace file open for writing. Writes are gzip compressed, and the
// CRC32 checksum is computed over the uncompressed stream.
type File struct {
	path string
	f    *os.File
	gz   *gzip.Writer
	crc  hash.Hash32
	bw   *bufio.Writer
}

// Create creates or truncates the trace file at path.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var (
		gz  = gzip.NewWriter(f)
		crc = crc32.NewIEEE()
	)
	return &File{
		path: path,
		f:    f,
		gz:   gz,
		crc:  crc,
		bw:   bufio.NewWriterSize(io.MultiWriter(crc, gz), 64*1024),
	}, nil
}

// Path returns the path of the file.
func (f *File) Path() string { return f.path }

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.bw.Write(p)
}

// Close flushes and closes the file, and returns the CRC32 of everything
// written to it.
func (f *File) Close() (uint32, error) {
	var group errs.Group
	group.Add(f.bw.Flush())
	group.Add(f.gz.Close())
	group.Add(f.f.Close())
	if err := group.Err(); err != nil {
		return 0, Error.Wrap(fmt.Errorf("close %s: %w", f.path, err))
	}
	return f.crc.Sum32(), nil
}

// Trace is a fully decoded trace file.
type Trace struct {
	Header  TraceHeader `json:"header"`
	Records []Record    `json:"records"`
	CRC32   uint32      `json:"crc32"`
}

// Aborted returns the abort reason of the trace, if it was aborted.
func (t *Trace) Aborted() (string, bool) {
	if n := len(t.Records); n > 0 && t.Records[n-1].Abort != "" {
		return t.Records[n-1].Abort, true
	}
	return "", false
}

// ReadFile reads and decodes the trace file at path.
func ReadFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer f.Close()

	return Read(f)
}

// Read decodes a gzip compressed trace from r.
func Read(r io.Reader) (*Trace, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer gz.Close()

	var (
		crc = crc32.NewIEEE()
		dec = NewDecoder(io.TeeReader(gz, crc))
	)

	hdr, err := dec.Header()
	if err != nil {
		return nil, err
	}

	t := &Trace{Header: hdr}
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		t.Records = append(t.Records, rec)
	}

	t.CRC32 = crc.Sum32()
	return t, nil
}
