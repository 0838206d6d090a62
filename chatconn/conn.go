// Package chatconn wraps an encrypted stream with the relay's line framing:
// buffered line reads, serialized multi-line writes that flush as one unit,
// a non-blocking closed query, and a close hook that runs exactly once before
// the stream is torn down.
package chatconn

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxLineLength bounds a single inbound line.
const DefaultMaxLineLength = 1 << 20

// Options tunes a Conn. Zero values disable the corresponding timeout.
type Options struct {
	// IdleTimeout is the read deadline applied before every ReadLine.
	IdleTimeout time.Duration
	// WriteTimeout bounds each WriteLines call.
	WriteTimeout time.Duration
	// MaxLineLength bounds inbound lines; 0 means DefaultMaxLineLength.
	MaxLineLength int
}

// Conn is one client's framed connection. ReadLine must only be called by
// the owning goroutine; WriteLines, IsClosed and Close are safe for
// concurrent use.
type Conn struct {
	raw    net.Conn
	addr   string
	opts   Options
	reader *bufio.Reader
	writer *bufio.Writer

	writeMu sync.Mutex

	hookMu sync.Mutex
	hook   func()

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	// ended is set once the read side observed end of stream or a read
	// failure, or a write failed and the stream was abandoned.
	ended atomic.Bool
}

// New wraps raw. The Conn takes ownership of raw.
//
// Parameters:
//   - raw: The established (already handshaken) stream
//   - opts: Timeouts and line limit
//
// Returns:
//   - A Conn ready for line I/O
func New(raw net.Conn, opts Options) *Conn {
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}

	addr := ""
	if ra := raw.RemoteAddr(); ra != nil {
		addr = ra.String()
	}

	return &Conn{
		raw:    raw,
		addr:   addr,
		opts:   opts,
		reader: bufio.NewReader(raw),
		writer: bufio.NewWriter(raw),
	}
}

// RemoteAddr returns the peer address captured at construction.
func (c *Conn) RemoteAddr() string {
	return c.addr
}

// ReadLine returns the next line without its terminator. A final line that
// lacks a terminator is still returned.
//
// Returns:
//   - The line, io.EOF at end of stream, ErrClosed after Close,
//     ErrLineTooLong, or a *TransportError (including idle timeouts)
func (c *Conn) ReadLine() (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}

	if c.opts.IdleTimeout > 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			return "", c.readFailed(err)
		}
	}

	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(line)+len(chunk) > c.opts.MaxLineLength+2 {
			c.ended.Store(true)
			return "", ErrLineTooLong
		}

		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				c.ended.Store(true)
				if len(line) > 0 {
					return trimLine(line), nil
				}

				return "", io.EOF
			}

			return "", c.readFailed(err)
		}

		return trimLine(line), nil
	}
}

// WriteLines writes each line followed by "\n" and flushes once. Concurrent
// calls never interleave. After a failed write the stream is abandoned: the
// socket is shut so the owning reader unblocks and tears the session down.
//
// Parameters:
//   - lines: Lines without terminators
//
// Returns:
//   - nil once flushed, ErrInvalidLine, ErrClosed, or a *TransportError
func (c *Conn) WriteLines(lines ...string) error {
	for _, line := range lines {
		if strings.ContainsAny(line, "\r\n") {
			return ErrInvalidLine
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	if c.opts.WriteTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return c.writeFailed(err)
		}
	}

	for _, line := range lines {
		if _, err := c.writer.WriteString(line); err != nil {
			return c.writeFailed(err)
		}
		if err := c.writer.WriteByte('\n'); err != nil {
			return c.writeFailed(err)
		}
	}

	if err := c.writer.Flush(); err != nil {
		return c.writeFailed(err)
	}

	return nil
}

// IsClosed reports whether the connection was closed or its stream has
// ended. It never blocks and never consumes input.
func (c *Conn) IsClosed() bool {
	return c.closed.Load() || c.ended.Load()
}

// SetCloseHook installs fn to run at the start of Close. It may be set once.
//
// Returns:
//   - ErrHookAlreadySet on a second call, or ErrClosed if Close already ran
//     (fn is not invoked in that case)
func (c *Conn) SetCloseHook(fn func()) error {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.hook != nil {
		return ErrHookAlreadySet
	}

	c.hook = fn
	return nil
}

// Close runs the close hook, then closes the stream. The hook runs exactly
// once, and the stream is closed even if the hook panics. Later calls
// return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.hookMu.Lock()
		c.closed.Store(true)
		hook := c.hook
		c.hookMu.Unlock()

		defer func() {
			if err := c.raw.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				c.closeErr = &TransportError{Op: "close", Addr: c.addr, Err: err}
			}
		}()

		if hook != nil {
			hook()
		}
	})

	return c.closeErr
}

func (c *Conn) readFailed(err error) error {
	c.ended.Store(true)
	if c.closed.Load() {
		return ErrClosed
	}

	return &TransportError{Op: "read", Addr: c.addr, Err: err}
}

// writeFailed abandons the stream; caller holds writeMu.
func (c *Conn) writeFailed(err error) error {
	c.ended.Store(true)
	if c.closed.Load() {
		return ErrClosed
	}

	_ = c.raw.Close()
	return &TransportError{Op: "write", Addr: c.addr, Err: err}
}

func trimLine(b []byte) string {
	return strings.TrimRight(string(b), "\r\n")
}
