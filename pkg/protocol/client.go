//go:build unix

package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/compositor-shm/pkg/shmpool"
)

// Event is one decoded event received by a Client.
type Event struct {
	Object uint32
	Opcode uint16
	// Set for DisplayError.
	Error *Error
	// Arg is the first argument of single-argument events: the format of
	// ShmFormat, the serial of CallbackDone and the id of DisplayDeleteID.
	Arg uint32
}

// Client speaks the protocol from the client side. Requests may be sent
// from any goroutine; events must be read from one.
type Client struct {
	conn *Conn

	mu     sync.Mutex
	nextID uint32
}

// NewClient wraps an established connection.
func NewClient(uc *net.UnixConn) *Client {
	return &Client{conn: NewConn(uc, 0), nextID: FirstClientID}
}

// Dial connects to the server socket at path, retrying with exponential
// backoff until ctx is done.
func Dial(ctx context.Context, path string) (*Client, error) {
	var uc *net.UnixConn
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	err := backoff.Retry(func() error {
		var err error
		uc, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewClient(uc), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.DiscardFds()
	return c.conn.Close()
}

func (c *Client) allocID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Sync asks the server for a CallbackDone event on a new callback object,
// sent after the events of every earlier request. It returns the callback id.
func (c *Client) Sync() (uint32, error) {
	id := c.allocID()
	return id, c.conn.Send(NewBuilder(DisplayID, DisplaySync).Uint32(id))
}

// CreatePool shares fd with the server, claiming it holds size bytes.
func (c *Client) CreatePool(fd int, size int32) (uint32, error) {
	id := c.allocID()
	return id, c.conn.Send(NewBuilder(ShmID, ShmCreatePool).Uint32(id).Int32(size), fd)
}

// CreateBuffer carves a buffer out of pool.
func (c *Client) CreateBuffer(pool uint32, offset, width, height, stride int32, format shmpool.Format) (uint32, error) {
	id := c.allocID()
	msg := NewBuilder(pool, PoolCreateBuffer).
		Uint32(id).Int32(offset).Int32(width).Int32(height).Int32(stride).Uint32(uint32(format))
	return id, c.conn.Send(msg)
}

// ResizePool claims a new size for pool.
func (c *Client) ResizePool(pool uint32, size int32) error {
	return c.conn.Send(NewBuilder(pool, PoolResize).Int32(size))
}

// DestroyPool destroys pool. Its buffers stay valid.
func (c *Client) DestroyPool(pool uint32) error {
	return c.conn.Send(NewBuilder(pool, PoolDestroy))
}

// Commit hands buffer to the compositor. A BufferRelease event follows once
// the compositor is done with it.
func (c *Client) Commit(buffer uint32) error {
	return c.conn.Send(NewBuilder(buffer, BufferCommit))
}

// DestroyBuffer destroys buffer.
func (c *Client) DestroyBuffer(buffer uint32) error {
	return c.conn.Send(NewBuilder(buffer, BufferDestroy))
}

// ReadEvent blocks for the next event.
func (c *Client) ReadEvent() (Event, error) {
	msg, err := c.conn.ReadMessage()
	if err != nil {
		return Event{}, err
	}
	ev := Event{Object: msg.Object, Opcode: msg.Opcode}
	args := msg.Reader()
	switch {
	case msg.Object == DisplayID && msg.Opcode == DisplayError:
		ev.Error = &Error{Object: args.Uint32(), Code: args.Uint32(), Message: args.Text()}
	case len(msg.Args) >= 4:
		ev.Arg = args.Uint32()
	}
	return ev, args.Err()
}

// WaitFor reads events until match accepts one, which it returns. A
// DisplayError event that match does not accept is returned as an error.
func (c *Client) WaitFor(match func(Event) bool) (Event, error) {
	for {
		ev, err := c.ReadEvent()
		if err != nil {
			return Event{}, err
		}
		if match(ev) {
			return ev, nil
		}
		if ev.Error != nil {
			return ev, ev.Error
		}
	}
}

// Roundtrip waits until the server has handled every request sent so far.
func (c *Client) Roundtrip() error {
	id, err := c.Sync()
	if err != nil {
		return err
	}
	_, err = c.WaitFor(func(ev Event) bool {
		return ev.Object == id && ev.Opcode == CallbackDone
	})
	return err
}
