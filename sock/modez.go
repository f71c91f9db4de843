package sock

import (
	"io"
	"net"

	"github.com/klauspost/compress/zlib"
)

// ModeZFilter streams MODE Z deflate/inflate over a connection, spec.md
// §4.2 "MODE-Z is another stackable filter (deflate on write, inflate on
// read)". Uses github.com/klauspost/compress/zlib, pinned in the
// teacher's go.mod, for its better streaming-flush behaviour over the
// stdlib compress/zlib (SPEC_FULL DOMAIN STACK table).
type ModeZFilter struct {
	Level int // 0 uses zlib.DefaultCompression
}

// WrapConn implements Filter.
func (m ModeZFilter) WrapConn(conn net.Conn) (net.Conn, error) {
	level := m.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	return newModeZConn(conn, level)
}

// modeZConn wraps a net.Conn, inflating reads and deflating writes.
type modeZConn struct {
	net.Conn
	zr          io.ReadCloser
	zrErr       error
	zw          *zlib.Writer
	terminatorMissing bool // set if the peer closed without a clean inflate EOF
}

func newModeZConn(conn net.Conn, level int) (*modeZConn, error) {
	zw, err := zlib.NewWriterLevel(conn, level)
	if err != nil {
		return nil, err
	}
	return &modeZConn{Conn: conn, zw: zw}, nil
}

// Read inflates the underlying stream lazily (the zlib reader requires
// its header on first read, so construction is deferred until data is
// available).
func (c *modeZConn) Read(p []byte) (int, error) {
	if c.zr == nil {
		zr, err := zlib.NewReader(c.Conn)
		if err != nil {
			return 0, err
		}
		c.zr = zr
	}
	n, err := c.zr.Read(p)
	if err == io.ErrUnexpectedEOF {
		// Missing deflate stream terminator: spec.md §9 treats this as
		// a warning, not an error, when size accounting is satisfied.
		// The caller (dataconn.Download) copies TerminatorMissing()
		// into Result.ModeZTerminatorMissing after the transfer.
		c.terminatorMissing = true
		err = io.EOF
	}
	return n, err
}

// TerminatorMissing reports whether the last Read hit a truncated
// deflate stream (no terminator), SPEC_FULL §1 / spec.md §9 open
// question (Serv-U 7/8 known to omit it).
func (c *modeZConn) TerminatorMissing() bool { return c.terminatorMissing }

func (c *modeZConn) Write(p []byte) (int, error) {
	n, err := c.zw.Write(p)
	if err != nil {
		return n, err
	}
	// Flush (not Close) so partial writes reach the peer promptly; a
	// full Close would terminate the deflate stream after one write.
	if err := c.zw.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (c *modeZConn) Close() error {
	_ = c.zw.Close()
	if c.zr != nil {
		_ = c.zr.Close()
	}
	return c.Conn.Close()
}
