// Package input cuts input streams into output files and feeds them, chunk by
// chunk, to a file output such as a command sink.
package input

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattjoyce/cmdsink/internal/buffer"
	"github.com/mattjoyce/cmdsink/internal/log"
	"github.com/mattjoyce/cmdsink/internal/sink"
)

// StdinPath names standard input in a path list.
const StdinPath = "-"

// FileOutput receives output files. It is satisfied by *sink.Sink.
type FileOutput interface {
	NextFile(ctx context.Context) error
	Add(buf sink.Buffer) error
}

// Stats summarises what a Reader delivered.
type Stats struct {
	Files int
	Bytes int64
}

// Reader reads input paths and writes each as one or more output files.
type Reader struct {
	pool       *buffer.Pool
	splitBytes int64
	stdin      io.Reader
	open       func(path string) (io.ReadCloser, error)
	logger     *slog.Logger
}

// ReaderOption customises a Reader.
type ReaderOption func(*Reader)

// WithStdin replaces the reader used for "-".
func WithStdin(r io.Reader) ReaderOption {
	return func(rd *Reader) { rd.stdin = r }
}

// WithOpener replaces how paths are opened.
func WithOpener(open func(path string) (io.ReadCloser, error)) ReaderOption {
	return func(rd *Reader) { rd.open = open }
}

// NewReader creates a Reader drawing chunks from pool. A positive splitBytes
// starts a new output file every splitBytes bytes of an input.
func NewReader(pool *buffer.Pool, splitBytes int64, opts ...ReaderOption) *Reader {
	r := &Reader{
		pool:       pool,
		splitBytes: splitBytes,
		stdin:      os.Stdin,
		open: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
		logger: log.WithComponent("input"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Files writes every path to out, in order. Each path produces at least one
// output file, even when it is empty.
func (r *Reader) Files(ctx context.Context, paths []string, out FileOutput) (Stats, error) {
	var total Stats
	for _, path := range paths {
		st, err := r.file(ctx, path, out)
		total.Files += st.Files
		total.Bytes += st.Bytes
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *Reader) file(ctx context.Context, path string, out FileOutput) (Stats, error) {
	if path == StdinPath {
		return r.Copy(ctx, r.stdin, out)
	}

	f, err := r.open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open input %s: %w", path, err)
	}
	defer f.Close()

	r.logger.Debug("reading input", "path", path)
	st, err := r.Copy(ctx, f, out)
	if err != nil {
		return st, fmt.Errorf("input %s: %w", path, err)
	}
	return st, nil
}

// Copy writes src to out as one output file, rolled every splitBytes bytes.
// A new file is only started once there are bytes for it.
func (r *Reader) Copy(ctx context.Context, src io.Reader, out FileOutput) (Stats, error) {
	var st Stats
	if err := out.NextFile(ctx); err != nil {
		return st, err
	}
	st.Files++

	var inFile int64
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		buf := r.pool.Get()
		want := len(buf.Array())
		if r.splitBytes > 0 {
			if room := r.splitBytes - inFile%r.splitBytes; room < int64(want) {
				want = int(room)
			}
		}

		n, readErr := src.Read(buf.Array()[:want])
		if n == 0 {
			buf.Release()
		} else {
			if r.splitBytes > 0 && inFile > 0 && inFile%r.splitBytes == 0 {
				if err := out.NextFile(ctx); err != nil {
					buf.Release()
					return st, err
				}
				st.Files++
			}
			buf.SetRange(0, n)
			if err := out.Add(buf); err != nil {
				return st, err
			}
			inFile += int64(n)
			st.Bytes += int64(n)
		}

		if readErr == io.EOF {
			return st, nil
		}
		if readErr != nil {
			return st, fmt.Errorf("read failed: %w", readErr)
		}
	}
}
