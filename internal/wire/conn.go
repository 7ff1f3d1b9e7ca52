package wire

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// MaxMessage bounds a single protocol line.
const MaxMessage = 4 << 20

// ErrMessageTooLong is returned when a peer sends a line longer than MaxMessage.
var ErrMessageTooLong = errors.New("wire: message too long")

// ErrMultiline is returned when a message to send contains a newline.
var ErrMultiline = errors.New("wire: message contains newline")

// Conn delivers whole newline-terminated messages over a stream connection.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	pending strings.Builder

	wmu sync.Mutex
}

// NewConn wraps nc.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// Send writes msg followed by a newline.
func (c *Conn) Send(msg string) error {
	if strings.ContainsAny(msg, "\r\n") {
		return ErrMultiline
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write([]byte(msg + "\n"))
	return err
}

// Recv reads the next message. With timeout > 0 a read deadline is set; on timeout the
// partial line is kept and the next Recv continues it.
func (c *Conn) Recv(timeout time.Duration) (string, error) {
	if timeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", err
		}
	} else {
		_ = c.nc.SetReadDeadline(time.Time{})
	}
	for {
		chunk, err := c.r.ReadSlice('\n')
		c.pending.Write(chunk)
		if c.pending.Len() > MaxMessage {
			c.pending.Reset()
			return "", ErrMessageTooLong
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		msg := strings.TrimRight(c.pending.String(), "\r\n")
		c.pending.Reset()
		return msg, nil
	}
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
