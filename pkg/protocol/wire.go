// Package protocol is a small Wayland-like protocol for handing shared
// memory buffers to the compositor over a unix socket.
//
// Every message starts with an 8-byte header: the object id, then the total
// message size in the upper 16 bits and the opcode in the lower 16 bits.
// Arguments are 32-bit words in host byte order; strings are a length
// including the terminating NUL followed by the bytes padded to 4. File
// descriptors travel out of band as SCM_RIGHTS.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

const (
	headerSize     = 8
	maxMessageSize = 4096
)

// Well-known objects.
const (
	DisplayID uint32 = 1
	ShmID     uint32 = 2
	// FirstClientID is the first id a client may allocate.
	FirstClientID uint32 = 3
)

// Requests.
const (
	DisplaySync      uint16 = 0
	ShmCreatePool    uint16 = 0
	PoolCreateBuffer uint16 = 0
	PoolDestroy      uint16 = 1
	PoolResize       uint16 = 2
	BufferDestroy    uint16 = 0
	BufferCommit     uint16 = 1
)

// Events.
const (
	DisplayError    uint16 = 0
	DisplayDeleteID uint16 = 1
	ShmFormat       uint16 = 0
	BufferRelease   uint16 = 0
	CallbackDone    uint16 = 0
)

// Error codes carried by DisplayError.
const (
	ErrorInvalidObject  uint32 = 0
	ErrorInvalidMethod  uint32 = 1
	ErrorNoMemory       uint32 = 2
	ErrorImplementation uint32 = 3

	ShmErrorInvalidFormat uint32 = 0
	ShmErrorInvalidStride uint32 = 1
	ShmErrorInvalidFd     uint32 = 2
)

var (
	errMalformed = errors.New("protocol: malformed message")
	errShortArgs = errors.New("protocol: message too short for its arguments")
)

// Error is a fatal protocol error reported to a client before it is
// disconnected.
type Error struct {
	Object  uint32
	Code    uint32
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error on object %d, code %d: %s", e.Object, e.Code, e.Message)
}

func protoErrorf(object, code uint32, format string, a ...interface{}) *Error {
	return &Error{Object: object, Code: code, Message: fmt.Sprintf(format, a...)}
}

// Message is one decoded message.
type Message struct {
	Object uint32
	Opcode uint16
	Args   []byte
}

// Reader returns a reader over the message arguments.
func (m Message) Reader() *Args {
	return &Args{data: m.Args}
}

// parseHeader returns the object, opcode and total size of the message at
// the front of b.
func parseHeader(b []byte) (object uint32, opcode uint16, size int, err error) {
	object = binary.NativeEndian.Uint32(b)
	word := binary.NativeEndian.Uint32(b[4:])
	size = int(word >> 16)
	opcode = uint16(word)
	if size < headerSize || size%4 != 0 || size > maxMessageSize {
		return 0, 0, 0, fmt.Errorf("%w: size %d", errMalformed, size)
	}
	return object, opcode, size, nil
}

// Args decodes message arguments in order. The first failure sticks and is
// reported by Err.
type Args struct {
	data []byte
	err  error
}

func (a *Args) word() []byte {
	if a.err != nil {
		return nil
	}
	if len(a.data) < 4 {
		a.err = errShortArgs
		return nil
	}
	w := a.data[:4]
	a.data = a.data[4:]
	return w
}

// Uint32 decodes an unsigned argument.
func (a *Args) Uint32() uint32 {
	w := a.word()
	if w == nil {
		return 0
	}
	return binary.NativeEndian.Uint32(w)
}

// Int32 decodes a signed argument.
func (a *Args) Int32() int32 {
	return int32(a.Uint32())
}

// Text decodes a string argument.
func (a *Args) Text() string {
	n := int(a.Uint32())
	if a.err != nil || n == 0 {
		return ""
	}
	padded := (n + 3) &^ 3
	if padded > len(a.data) || a.data[n-1] != 0 {
		a.err = errShortArgs
		return ""
	}
	s := string(a.data[:n-1])
	a.data = a.data[padded:]
	return s
}

// Err returns the first decoding failure.
func (a *Args) Err() error {
	return a.err
}

// Builder encodes one message into a pooled buffer.
type Builder struct {
	buf *bytebufferpool.ByteBuffer
}

// NewBuilder starts a message to object with opcode.
func NewBuilder(object uint32, opcode uint16) *Builder {
	buf := bytebufferpool.Get()
	buf.B = binary.NativeEndian.AppendUint32(buf.B[:0], object)
	buf.B = binary.NativeEndian.AppendUint32(buf.B, uint32(opcode))
	return &Builder{buf: buf}
}

// Uint32 appends an unsigned argument.
func (b *Builder) Uint32(v uint32) *Builder {
	b.buf.B = binary.NativeEndian.AppendUint32(b.buf.B, v)
	return b
}

// Int32 appends a signed argument.
func (b *Builder) Int32(v int32) *Builder {
	return b.Uint32(uint32(v))
}

// Text appends a string argument.
func (b *Builder) Text(s string) *Builder {
	b.Uint32(uint32(len(s) + 1))
	b.buf.B = append(b.buf.B, s...)
	b.buf.B = append(b.buf.B, 0)
	for len(b.buf.B)%4 != 0 {
		b.buf.B = append(b.buf.B, 0)
	}
	return b
}

// Bytes finalizes the header and returns the encoded message. The slice is
// only valid until Release.
func (b *Builder) Bytes() ([]byte, error) {
	size := len(b.buf.B)
	if size > maxMessageSize {
		return nil, fmt.Errorf("%w: size %d", errMalformed, size)
	}
	word := binary.NativeEndian.Uint32(b.buf.B[4:])
	binary.NativeEndian.PutUint32(b.buf.B[4:], uint32(size)<<16|word&0xffff)
	return b.buf.B, nil
}

// Release returns the buffer to the pool.
func (b *Builder) Release() {
	if b.buf != nil {
		bytebufferpool.Put(b.buf)
		b.buf = nil
	}
}
