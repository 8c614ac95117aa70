//go:build linux

package protocol

import (
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/compositor-shm/internal/shm"
	"github.com/srediag/compositor-shm/pkg/compositor"
	"github.com/srediag/compositor-shm/pkg/shmpool"
)

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		_ = f.Close()
		require.NoError(t, err)
		conns[i] = c.(*net.UnixConn)
	}
	return conns[0], conns[1]
}

func memfd(t *testing.T, size int64) int {
	t.Helper()
	fd, err := internalshm.MemfdCreate("protocol-test", size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

type ServerTestSuite struct {
	suite.Suite
	scene  *compositor.Scene
	server *Server
	client *Client
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.scene = compositor.NewScene(4, 4)
	var err error
	s.server, err = NewServer(nil, s.scene)
	s.Require().NoError(err)
	s.client = s.connect()
}

func (s *ServerTestSuite) TearDownTest() {
	_ = s.client.Close()
	s.NoError(s.server.Close(time.Second))
}

func (s *ServerTestSuite) connect() *Client {
	srv, cli := socketPair(s.T())
	s.server.ServeConn(srv)
	c := NewClient(cli)
	var formats []shmpool.Format
	for len(formats) < 2 {
		ev, err := c.ReadEvent()
		s.Require().NoError(err)
		s.Require().Equal(ShmID, ev.Object)
		s.Require().Equal(ShmFormat, ev.Opcode)
		formats = append(formats, shmpool.Format(ev.Arg))
	}
	s.Equal([]shmpool.Format{shmpool.FormatARGB8888, shmpool.FormatXRGB8888}, formats)
	return c
}

func (s *ServerTestSuite) render() *image.RGBA {
	dst := image.NewRGBA(s.scene.Bounds())
	s.Require().NoError(s.scene.Render(context.Background(), 1, dst))
	return dst
}

func (s *ServerTestSuite) waitError() *Error {
	ev, err := s.client.WaitFor(func(ev Event) bool { return ev.Error != nil })
	s.Require().NoError(err)
	return ev.Error
}

func (s *ServerTestSuite) TestCommitRenderRelease() {
	fd := memfd(s.T(), 64)
	var px [4]byte
	binary.LittleEndian.PutUint32(px[:], 0xff102030)
	_, err := unix.Pwrite(fd, px[:], 20)
	s.Require().NoError(err)

	pool, err := s.client.CreatePool(fd, 64)
	s.Require().NoError(err)
	buf, err := s.client.CreateBuffer(pool, 0, 4, 4, 16, shmpool.FormatARGB8888)
	s.Require().NoError(err)
	s.Require().NoError(s.client.Commit(buf))
	s.Require().NoError(s.client.Roundtrip())
	s.Equal(1, s.server.Pools().Len())
	s.Equal(1, s.server.Clients())

	frame := s.render()
	s.Equal(color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff}, frame.RGBAAt(1, 1))

	ev, err := s.client.WaitFor(func(ev Event) bool {
		return ev.Object == buf && ev.Opcode == BufferRelease
	})
	s.Require().NoError(err)
	s.Nil(ev.Error)
}

func (s *ServerTestSuite) TestDestroyPoolKeepsBuffers() {
	fd := memfd(s.T(), 64)
	pool, err := s.client.CreatePool(fd, 64)
	s.Require().NoError(err)
	buf, err := s.client.CreateBuffer(pool, 0, 2, 2, 8, shmpool.FormatXRGB8888)
	s.Require().NoError(err)
	s.Require().NoError(s.client.DestroyPool(pool))
	_, err = s.client.WaitFor(func(ev Event) bool {
		return ev.Object == DisplayID && ev.Opcode == DisplayDeleteID && ev.Arg == pool
	})
	s.Require().NoError(err)
	s.Equal(0, s.server.Pools().Len())

	s.Require().NoError(s.client.Commit(buf))
	s.Require().NoError(s.client.Roundtrip())
	frame := s.render()
	s.Equal(color.RGBA{A: 0xff}, frame.RGBAAt(0, 0))
	s.Require().NoError(s.client.DestroyBuffer(buf))
	s.Require().NoError(s.client.Roundtrip())
}

func (s *ServerTestSuite) TestBufferBeyondPool() {
	fd := memfd(s.T(), 128)
	pool, err := s.client.CreatePool(fd, 64)
	s.Require().NoError(err)
	_, err = s.client.CreateBuffer(pool, 64, 4, 4, 16, shmpool.FormatARGB8888)
	s.Require().NoError(err)
	perr := s.waitError()
	s.Equal(pool, perr.Object)
	s.Equal(ShmErrorInvalidStride, perr.Code)
}

func (s *ServerTestSuite) TestResizeThenCreate() {
	fd := memfd(s.T(), 128)
	pool, err := s.client.CreatePool(fd, 64)
	s.Require().NoError(err)
	s.Require().NoError(s.client.ResizePool(pool, 128))
	_, err = s.client.CreateBuffer(pool, 64, 4, 4, 16, shmpool.FormatARGB8888)
	s.Require().NoError(err)
	s.Require().NoError(s.client.Roundtrip())

	s.Require().NoError(s.client.ResizePool(pool, 32))
	perr := s.waitError()
	s.Equal(ShmErrorInvalidStride, perr.Code)
}

func (s *ServerTestSuite) TestInvalidFormat() {
	fd := memfd(s.T(), 64)
	pool, err := s.client.CreatePool(fd, 64)
	s.Require().NoError(err)
	_, err = s.client.CreateBuffer(pool, 0, 4, 4, 16, shmpool.Format(0x34325258))
	s.Require().NoError(err)
	s.Equal(ShmErrorInvalidFormat, s.waitError().Code)
}

func (s *ServerTestSuite) TestInvalidPoolSize() {
	fd := memfd(s.T(), 64)
	_, err := s.client.CreatePool(fd, -1)
	s.Require().NoError(err)
	perr := s.waitError()
	s.Equal(ShmID, perr.Object)
	s.Equal(ShmErrorInvalidStride, perr.Code)
}

func (s *ServerTestSuite) TestInvalidObjectAndMethod() {
	s.Require().NoError(s.client.Commit(99))
	perr := s.waitError()
	s.Equal(DisplayID, perr.Object)
	s.Equal(ErrorInvalidObject, perr.Code)

	_, err := s.client.ReadEvent()
	s.ErrorIs(err, io.EOF)
	s.Require().NoError(s.client.Close())

	s.client = s.connect()
	s.Require().NoError(s.client.conn.Send(NewBuilder(ShmID, 7)))
	s.Equal(ErrorInvalidMethod, s.waitError().Code)
}

func (s *ServerTestSuite) TestReusedID() {
	fd := memfd(s.T(), 64)
	pool, err := s.client.CreatePool(fd, 64)
	s.Require().NoError(err)
	s.Require().NoError(s.client.conn.Send(NewBuilder(DisplayID, DisplaySync).Uint32(pool)))
	s.Equal(ErrorInvalidObject, s.waitError().Code)
}

func (s *ServerTestSuite) TestAccessFaultDisconnects() {
	fd := memfd(s.T(), 64)
	pool, err := s.client.CreatePool(fd, 128)
	s.Require().NoError(err)
	buf, err := s.client.CreateBuffer(pool, 64, 4, 4, 16, shmpool.FormatARGB8888)
	s.Require().NoError(err)
	s.Require().NoError(s.client.Commit(buf))
	s.Require().NoError(s.client.Roundtrip())

	frame := s.render()
	s.Equal(color.RGBA{}, frame.RGBAAt(0, 0))
	perr := s.waitError()
	s.Equal(buf, perr.Object)
	s.Equal(ShmErrorInvalidFd, perr.Code)
}

func (s *ServerTestSuite) TestDisconnectCleansUp() {
	fd := memfd(s.T(), 64)
	pool, err := s.client.CreatePool(fd, 64)
	s.Require().NoError(err)
	buf, err := s.client.CreateBuffer(pool, 0, 4, 4, 16, shmpool.FormatARGB8888)
	s.Require().NoError(err)
	s.Require().NoError(s.client.Commit(buf))
	s.Require().NoError(s.client.Roundtrip())
	s.Require().NoError(s.client.Close())

	s.Eventually(func() bool {
		return s.server.Clients() == 0 && s.server.Pools().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The committed buffer outlived its client; drawing it must not reach
	// the dead connection.
	s.render()
}

func (s *ServerTestSuite) TestServerFull() {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	server, err := NewServer(cfg, s.scene)
	s.Require().NoError(err)
	defer server.Close(time.Second)

	first, firstCli := socketPair(s.T())
	server.ServeConn(first)
	defer firstCli.Close()
	s.Require().NoError(NewClient(firstCli).Roundtrip())

	second, secondCli := socketPair(s.T())
	server.ServeConn(second)
	c := NewClient(secondCli)
	defer c.Close()
	ev, err := c.ReadEvent()
	s.Require().NoError(err)
	s.Require().NotNil(ev.Error)
	s.Equal(ErrorNoMemory, ev.Error.Code)
}

func TestServeAndDial(t *testing.T) {
	server, err := NewServer(nil, compositor.NewScene(1, 1))
	require.NoError(t, err)
	defer server.Close(time.Second)

	path := filepath.Join(t.TempDir(), "compositor.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	c, err := Dial(dialCtx, path)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Roundtrip())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestDialGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, filepath.Join(t.TempDir(), "missing.sock"))
	assert.Error(t, err)
}

func TestConnPassesFds(t *testing.T) {
	a, b := socketPair(t)
	ca, cb := NewConn(a, time.Second), NewConn(b, time.Second)
	defer ca.Close()
	defer cb.Close()

	fd := memfd(t, 10)
	require.NoError(t, ca.Send(NewBuilder(5, 1).Uint32(42), fd))
	msg, err := cb.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), msg.Object)
	assert.Equal(t, uint16(1), msg.Opcode)
	assert.Equal(t, uint32(42), msg.Reader().Uint32())

	got, err := cb.TakeFd()
	require.NoError(t, err)
	defer unix.Close(got)
	size, err := internalshm.FileSize(got)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	_, err = cb.TakeFd()
	assert.ErrorIs(t, err, ErrNoFd)
}

func TestConnRejectsMalformedHeader(t *testing.T) {
	a, b := socketPair(t)
	ca, cb := NewConn(a, time.Second), NewConn(b, time.Second)
	defer ca.Close()
	defer cb.Close()

	var raw [8]byte
	binary.NativeEndian.PutUint32(raw[:], 1)
	binary.NativeEndian.PutUint32(raw[4:], 6<<16)
	require.NoError(t, ca.WriteMessage(raw[:]))
	_, err := cb.ReadMessage()
	assert.ErrorIs(t, err, errMalformed)
}

func TestServerCheck(t *testing.T) {
	server, err := NewServer(nil, compositor.NewScene(1, 1))
	require.NoError(t, err)
	assert.NoError(t, server.Check())
	require.NoError(t, server.Close(time.Second))
	assert.ErrorIs(t, server.Check(), ErrServerClosed)
	assert.NoError(t, server.Close(time.Second))
}
