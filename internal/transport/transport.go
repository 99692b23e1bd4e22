// Package transport implements the framed, newline-delimited JSON stream
// shared by every endpoint the broker talks to: the primary client's stdio,
// the agent's stdio, and each secondary client's Unix socket connection.
//
// A single bad line never tears down the stream — it is logged and
// dropped, matching spec.md §4.1. The underlying descriptor erroring (EOF,
// reset, write failure) is the only thing that ends a Reader or Writer.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ElleNajt/acp-multiplex/internal/rpc"
)

// DefaultMaxLineSize is the suggested 16 MiB ceiling from spec.md §4.1.
const DefaultMaxLineSize = 16 * 1024 * 1024

// BadLine is reported through Reader's OnBadLine callback for a line that
// failed to parse as JSON, or exceeded the reader's maxLine limit.
type BadLine struct {
	Line []byte
	Err  error
}

// Reader scans newline-delimited JSON objects off r, handing each
// successfully parsed line to the broker as an *rpc.Message. Malformed or
// oversized lines are reported via OnBadLine (if set) and skipped — the
// stream itself keeps going. This is hand-rolled over bufio.Reader rather
// than bufio.Scanner: Scanner latches its one internal error permanently
// (an oversized line leaves every future Scan() returning false), which
// would mean a single oversized line ends the stream for every attached
// client instead of just being dropped.
type Reader struct {
	br         *bufio.Reader
	OnBadLine  func(BadLine)
	maxLine    int
	pendingErr error // a real I/O error noticed mid-line, surfaced on the next call
}

// NewReader wraps r with a buffered reader sized for typical traffic;
// maxLine (DefaultMaxLineSize if 0) bounds how much of any single line is
// retained, not how much may be read while scanning past an oversized one.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	bufSize := maxLine
	if bufSize > 64*1024 {
		bufSize = 64 * 1024
	}
	return &Reader{br: bufio.NewReaderSize(r, bufSize), maxLine: maxLine}
}

// Next blocks until the next complete line is available, returning the
// parsed message. Blank lines are skipped without returning. It returns
// (nil, nil) for lines that were dropped (malformed, oversized) so the
// caller's loop can simply continue reading —
// the reader has already resynchronized to the following line. It returns
// (nil, err) only when the underlying reader is exhausted or errored —
// callers should stop reading at that point.
func (r *Reader) Next() (*rpc.Message, error) {
	for {
		line, overflow, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if overflow {
			if r.OnBadLine != nil {
				r.OnBadLine(BadLine{Err: fmt.Errorf("line exceeds %d byte limit", r.maxLine)})
			}
			return nil, nil
		}
		if len(line) == 0 {
			continue
		}
		msg, decErr := rpc.Decode(line)
		if decErr != nil {
			if r.OnBadLine != nil {
				r.OnBadLine(BadLine{Line: append([]byte(nil), line...), Err: decErr})
			}
			return nil, nil
		}
		return msg, nil
	}
}

// readLine reads up to and including the next '\n', enforcing maxLine. A
// line that would exceed maxLine is discarded in full — read to its
// terminating newline and thrown away — rather than returned as an error,
// so the caller resumes cleanly at the next line instead of the stream
// being torn down.
func (r *Reader) readLine() (line []byte, overflow bool, err error) {
	if r.pendingErr != nil {
		err, r.pendingErr = r.pendingErr, nil
		return nil, false, err
	}

	var buf []byte
	for {
		chunk, e := r.br.ReadSlice('\n')
		if len(chunk) > 0 && !overflow {
			if len(buf)+len(chunk) > r.maxLine {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case e == nil:
			return trimNewline(buf), overflow, nil
		case e == bufio.ErrBufferFull:
			continue // token doesn't fit bufio's internal buffer yet; keep accumulating
		case len(chunk) > 0 || overflow:
			// The stream ended or errored mid-line, after we'd already
			// accumulated something (or already decided to discard it as
			// oversized). Surface what we have now; report the real error
			// on the next call instead of losing this line.
			r.pendingErr = e
			if overflow {
				return nil, true, nil
			}
			return trimNewline(buf), false, nil
		default:
			return nil, false, e
		}
	}
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// Writer serializes messages as compact JSON followed by '\n'. Writes are
// mutex-serialized so concurrent senders never interleave partial lines —
// spec.md §4.1's "no interleaving" guarantee.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for framed writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes msg and writes it followed by a newline, holding the
// writer's lock for the whole operation.
func (w *Writer) Write(msg *rpc.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("transport: encode message: %w", err)
	}
	return w.WriteRaw(data)
}

// WriteRaw writes an already-encoded JSON object (without trailing
// newline) as a single framed line. Used by each client's delivery
// goroutine for frames the broker has already encoded.
func (w *Writer) WriteRaw(data json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	_, err := w.w.Write([]byte{'\n'})
	return err
}
