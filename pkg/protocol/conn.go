//go:build unix

package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxFdsPerRead = 28

// ErrNoFd is returned when a message expects a descriptor that was not sent.
var ErrNoFd = errors.New("protocol: missing file descriptor")

// Conn frames messages and passes descriptors over a unix stream socket.
// Reads must come from one goroutine; writes may come from any.
type Conn struct {
	uc  *net.UnixConn
	in  []byte
	buf []byte
	oob []byte
	fds []int

	wmu          sync.Mutex
	writeTimeout time.Duration
}

// NewConn wraps uc. A positive writeTimeout bounds every write.
func NewConn(uc *net.UnixConn, writeTimeout time.Duration) *Conn {
	return &Conn{
		uc:           uc,
		buf:          make([]byte, maxMessageSize),
		oob:          make([]byte, unix.CmsgSpace(maxFdsPerRead*4)),
		writeTimeout: writeTimeout,
	}
}

// ReadMessage blocks until a full message has arrived.
func (c *Conn) ReadMessage() (Message, error) {
	for {
		if len(c.in) >= headerSize {
			object, opcode, size, err := parseHeader(c.in)
			if err != nil {
				return Message{}, err
			}
			if len(c.in) >= size {
				msg := Message{
					Object: object,
					Opcode: opcode,
					Args:   append([]byte(nil), c.in[headerSize:size]...),
				}
				c.in = append(c.in[:0], c.in[size:]...)
				return msg, nil
			}
		}
		n, oobn, _, _, err := c.uc.ReadMsgUnix(c.buf, c.oob)
		if oobn > 0 {
			if perr := c.parseRights(c.oob[:oobn]); perr != nil {
				return Message{}, perr
			}
		}
		if err != nil {
			return Message{}, err
		}
		if n == 0 && oobn == 0 {
			return Message{}, io.EOF
		}
		c.in = append(c.in, c.buf[:n]...)
	}
}

func (c *Conn) parseRights(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("parse control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

// TakeFd returns the oldest received descriptor. The caller owns it.
func (c *Conn) TakeFd() (int, error) {
	if len(c.fds) == 0 {
		return -1, ErrNoFd
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd, nil
}

// WriteMessage sends b with fds attached.
func (c *Conn) WriteMessage(b []byte, fds ...int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.uc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	n, oobn, err := c.uc.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return err
	}
	if n != len(b) || oobn != len(oob) {
		return io.ErrShortWrite
	}
	return nil
}

// Send encodes and writes msg, then releases it.
func (c *Conn) Send(msg *Builder, fds ...int) error {
	defer msg.Release()
	b, err := msg.Bytes()
	if err != nil {
		return err
	}
	return c.WriteMessage(b, fds...)
}

// Close closes the socket. It is safe to call from any goroutine and
// unblocks a pending ReadMessage.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// DiscardFds closes every received descriptor nobody took. It belongs to
// the reading goroutine.
func (c *Conn) DiscardFds() {
	for _, fd := range c.fds {
		_ = unix.Close(fd)
	}
	c.fds = nil
}
