//go:build unix

package protocol

import (
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"
	"weak"

	"github.com/Workiva/go-datastructures/queue"
	"golang.org/x/sys/unix"

	"github.com/srediag/compositor-shm/internal/logging"
	"github.com/srediag/compositor-shm/pkg/shmpool"
)

// ErrAccessFault is reported for committed buffers whose pixels were not
// really backed by the client's file.
var ErrAccessFault = errors.New("protocol: buffer access fault")

type objectKind int

const (
	kindDisplay objectKind = iota
	kindShm
	kindPool
	kindBuffer
)

// outbound is one queued write. A close item ends the session after the
// preceding writes are flushed.
type outbound struct {
	msg   *Builder
	close bool
}

// client is the server side of one connection. Objects are only touched by
// the session goroutine; everything written to the socket goes through out
// and the writer goroutine so that events keep their order.
type client struct {
	id      string
	server  *Server
	conn    *Conn
	out     *queue.RingBuffer
	written chan struct{}
	closed  atomic.Bool
	logger  *logging.Logger

	kinds   map[uint32]objectKind
	buffers map[uint32]*shmpool.Buffer
}

func newClient(s *Server, uc *net.UnixConn, id string) *client {
	return &client{
		id:      id,
		server:  s,
		conn:    NewConn(uc, s.cfg.WriteTimeout),
		out:     queue.NewRingBuffer(s.cfg.ReleaseQueueCap),
		written: make(chan struct{}),
		logger:  logging.New("protocol").WithField("client", id),
		kinds: map[uint32]objectKind{
			DisplayID: kindDisplay,
			ShmID:     kindShm,
		},
		buffers: make(map[uint32]*shmpool.Buffer),
	}
}

func (c *client) serve() {
	c.server.clients.Set(c.id, c)
	clientsLive.Inc()
	c.logger.Debugf("connected")
	go c.writeLoop()
	defer c.teardown()

	for _, f := range c.server.cfg.Pool.Formats {
		c.send(NewBuilder(ShmID, ShmFormat).Uint32(uint32(f)))
	}
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debugf("read: %v", err)
			}
			return
		}
		if err := c.dispatch(msg); err != nil {
			var perr *Error
			if errors.As(err, &perr) {
				c.postError(perr)
			}
			c.logger.Infof("disconnecting: %v", err)
			return
		}
	}
}

// send queues msg, blocking while the queue is full.
func (c *client) send(msg *Builder) {
	if err := c.out.Put(outbound{msg: msg}); err != nil {
		msg.Release()
	}
}

// postError queues a fatal error and the end of the session.
func (c *client) postError(perr *Error) {
	protocolErrors.WithLabelValues(strconv.FormatUint(uint64(perr.Code), 10)).Inc()
	msg := NewBuilder(DisplayID, DisplayError).Uint32(perr.Object).Uint32(perr.Code).Text(perr.Message)
	if ok, _ := c.out.Offer(outbound{msg: msg}); !ok {
		msg.Release()
	}
	_, _ = c.out.Offer(outbound{close: true})
}

func (c *client) writeLoop() {
	defer func() {
		c.out.Dispose()
		close(c.written)
	}()
	for {
		item, err := c.out.Get()
		if err != nil {
			return
		}
		ob := item.(outbound)
		if ob.close {
			_ = c.conn.Close()
			return
		}
		if err := c.conn.Send(ob.msg); err != nil {
			c.logger.Debugf("write: %v", err)
			_ = c.conn.Close()
			return
		}
	}
}

// teardown runs on the session goroutine once reading stops.
func (c *client) teardown() {
	if ok, _ := c.out.Offer(outbound{close: true}); ok {
		select {
		case <-c.written:
		case <-time.After(c.server.cfg.WriteTimeout + time.Second):
		}
	}
	c.closed.Store(true)
	c.out.Dispose()
	_ = c.conn.Close()
	c.conn.DiscardFds()

	for id, b := range c.buffers {
		if err := b.Destroy(); err != nil {
			c.logger.Warnf("destroy buffer %d: %v", id, err)
		}
	}
	if err := c.server.pools.DestroyClient(c.id); err != nil {
		c.logger.Warnf("destroy pools: %v", err)
	}
	c.server.clients.Remove(c.id)
	clientsLive.Dec()
	c.logger.Debugf("disconnected")
}

func (c *client) dispatch(msg Message) error {
	kind, ok := c.kinds[msg.Object]
	if !ok {
		return protoErrorf(DisplayID, ErrorInvalidObject, "invalid object %d", msg.Object)
	}
	args := msg.Reader()
	var err error
	switch {
	case kind == kindDisplay && msg.Opcode == DisplaySync:
		err = c.sync(args)
	case kind == kindShm && msg.Opcode == ShmCreatePool:
		err = c.createPool(args)
	case kind == kindPool && msg.Opcode == PoolCreateBuffer:
		err = c.createBuffer(msg.Object, args)
	case kind == kindPool && msg.Opcode == PoolDestroy:
		err = c.destroyPool(msg.Object)
	case kind == kindPool && msg.Opcode == PoolResize:
		err = c.resizePool(msg.Object, args)
	case kind == kindBuffer && msg.Opcode == BufferDestroy:
		err = c.destroyBuffer(msg.Object)
	case kind == kindBuffer && msg.Opcode == BufferCommit:
		err = c.commit(msg.Object)
	default:
		return protoErrorf(msg.Object, ErrorInvalidMethod, "invalid method %d on object %d", msg.Opcode, msg.Object)
	}
	if err == nil && args.Err() != nil {
		err = protoErrorf(msg.Object, ErrorInvalidMethod, "%v", args.Err())
	}
	return err
}

func (c *client) newID(id uint32) error {
	if id < FirstClientID {
		return protoErrorf(DisplayID, ErrorInvalidObject, "invalid new id %d", id)
	}
	if _, ok := c.kinds[id]; ok {
		return protoErrorf(DisplayID, ErrorInvalidObject, "id %d already in use", id)
	}
	return nil
}

func (c *client) deleteID(id uint32) {
	delete(c.kinds, id)
	c.send(NewBuilder(DisplayID, DisplayDeleteID).Uint32(id))
}

func (c *client) sync(args *Args) error {
	callback := args.Uint32()
	if args.Err() != nil {
		return nil
	}
	if err := c.newID(callback); err != nil {
		return err
	}
	c.send(NewBuilder(callback, CallbackDone).Uint32(c.server.serial.Add(1)))
	c.send(NewBuilder(DisplayID, DisplayDeleteID).Uint32(callback))
	return nil
}

func (c *client) createPool(args *Args) error {
	id := args.Uint32()
	size := args.Int32()
	if args.Err() != nil {
		return nil
	}
	fd, err := c.conn.TakeFd()
	if err != nil {
		return protoErrorf(ShmID, ShmErrorInvalidFd, "create_pool without a file descriptor")
	}
	defer unix.Close(fd)
	if err := c.newID(id); err != nil {
		return err
	}
	pool, err := shmpool.NewPool(fd, int64(size), c.server.cfg.Pool)
	switch {
	case errors.Is(err, shmpool.ErrInvalidSize):
		return protoErrorf(ShmID, ShmErrorInvalidStride, "invalid pool size %d", size)
	case err != nil:
		return protoErrorf(ShmID, ShmErrorInvalidFd, "cannot use pool file: %v", err)
	}
	if err := c.server.pools.Add(c.id, id, pool); err != nil {
		_ = pool.Destroy()
		return err
	}
	c.kinds[id] = kindPool
	return nil
}

func (c *client) pool(id uint32) (*shmpool.Pool, error) {
	p, ok := c.server.pools.Get(c.id, id)
	if !ok {
		return nil, protoErrorf(DisplayID, ErrorImplementation, "pool %d is not registered", id)
	}
	return p, nil
}

func (c *client) createBuffer(poolID uint32, args *Args) error {
	id := args.Uint32()
	offset, width, height, stride := args.Int32(), args.Int32(), args.Int32(), args.Int32()
	format := shmpool.Format(args.Uint32())
	if args.Err() != nil {
		return nil
	}
	if err := c.newID(id); err != nil {
		return err
	}
	p, err := c.pool(poolID)
	if err != nil {
		return err
	}
	buf, err := p.CreateBuffer(offset, width, height, stride, format)
	switch {
	case errors.Is(err, shmpool.ErrInvalidFormat):
		return protoErrorf(poolID, ShmErrorInvalidFormat, "invalid format %s", format)
	case errors.Is(err, shmpool.ErrInvalidStride):
		return protoErrorf(poolID, ShmErrorInvalidStride, "%v", err)
	case err != nil:
		return err
	}
	c.kinds[id] = kindBuffer
	c.buffers[id] = buf
	return nil
}

func (c *client) destroyPool(id uint32) error {
	if p, ok := c.server.pools.Remove(c.id, id); ok {
		if err := p.Destroy(); err != nil {
			c.logger.Warnf("destroy pool %d: %v", id, err)
		}
	}
	c.deleteID(id)
	return nil
}

func (c *client) resizePool(id uint32, args *Args) error {
	size := args.Int32()
	if args.Err() != nil {
		return nil
	}
	p, err := c.pool(id)
	if err != nil {
		return err
	}
	if err := p.Resize(int64(size)); err != nil {
		return protoErrorf(id, ShmErrorInvalidStride, "%v", err)
	}
	return nil
}

func (c *client) destroyBuffer(id uint32) error {
	if b, ok := c.buffers[id]; ok {
		if err := b.Destroy(); err != nil {
			c.logger.Warnf("destroy buffer %d: %v", id, err)
		}
		delete(c.buffers, id)
	}
	c.deleteID(id)
	return nil
}

func (c *client) commit(id uint32) error {
	c.server.target.Commit(&committedBuffer{
		owner:  weak.Make(c),
		id:     id,
		buffer: c.buffers[id],
	})
	return nil
}

// committedBuffer is a client buffer handed to the compositor. It refers to
// its client weakly: a client that disconnected or was collected is simply
// skipped.
type committedBuffer struct {
	owner  weak.Pointer[client]
	id     uint32
	buffer *shmpool.Buffer
}

func (b *committedBuffer) liveClient() *client {
	c := b.owner.Value()
	if c == nil || c.closed.Load() {
		return nil
	}
	return c
}

// CopyTo draws the buffer. A buffer that reads past the real end of the
// client's file gets the client disconnected with invalid_fd.
func (b *committedBuffer) CopyTo(dst *image.RGBA) error {
	if err := b.buffer.CopyTo(dst); err != nil {
		return err
	}
	if !b.buffer.AccessFault() {
		return nil
	}
	if c := b.liveClient(); c != nil {
		c.postError(protoErrorf(b.id, ShmErrorInvalidFd, "buffer %d is not backed by its pool file", b.id))
	}
	return fmt.Errorf("buffer %d: %w", b.id, ErrAccessFault)
}

// Release tells the client the compositor is done with the buffer.
func (b *committedBuffer) Release() {
	c := b.liveClient()
	if c == nil {
		return
	}
	msg := NewBuilder(b.id, BufferRelease)
	ok, err := c.out.Offer(outbound{msg: msg})
	if ok {
		return
	}
	msg.Release()
	if err == nil {
		c.logger.Warnf("event queue full, disconnecting")
		_ = c.conn.Close()
	}
}
