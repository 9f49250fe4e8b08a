package blsdio

import (
	"sync"

	"github.com/soypat/blsdio/lmac"
)

// Bus is the register and block transfer gateway of the SDIO function.
// Transfers are synchronous. Implementations need not be safe for concurrent
// use; the Device serializes every call.
type Bus interface {
	// ReadReg reads the byte register at addr.
	ReadReg(addr uint32) (uint8, error)
	// WriteReg writes val to the byte register at addr.
	WriteReg(addr uint32, val uint8) error
	// ReadBlock fills dst with a block read from the port address addr.
	ReadBlock(dst []byte, addr uint32) error
	// WriteBlock writes src to the port address addr.
	WriteBlock(src []byte, addr uint32) error
}

// Frame is an inbound buffer. Frames are obtained from an Allocator and
// returned to it exactly once, when the Device is done with them.
type Frame struct {
	buf  []byte
	off  int
	n    int
	port uint8
}

// NewFrame returns a Frame backed by buf. Used by Allocator implementations.
func NewFrame(buf []byte) *Frame { return &Frame{buf: buf} }

// Bytes returns the valid contents of the frame. The header is stripped
// once the frame has been decoded.
func (f *Frame) Bytes() []byte { return f.buf[f.off : f.off+f.n] }

// Port returns the bus port the frame was read from.
func (f *Frame) Port() uint8 { return f.port }

// Cap returns the size of the backing buffer.
func (f *Frame) Cap() int { return len(f.buf) }

func (f *Frame) reset(n int) bool {
	if n > len(f.buf) {
		return false
	}
	f.off = 0
	f.n = n
	return true
}

// pull drops k bytes from the front of the frame.
func (f *Frame) pull(k int) {
	f.off += k
	f.n -= k
}

func (f *Frame) truncate(n int) {
	if n < f.n {
		f.n = n
	}
}

// Allocator provides inbound frames.
type Allocator interface {
	// Alloc returns a frame able to hold size bytes or nil if none is available.
	Alloc(size int) *Frame
	// Free returns a frame obtained from Alloc.
	Free(*Frame)
}

type poolAllocator struct {
	pool sync.Pool
}

func newPoolAllocator() *poolAllocator {
	a := &poolAllocator{}
	a.pool.New = func() any { return NewFrame(make([]byte, lmac.MaxRxLen+lmac.MsgHeaderLen)) }
	return a
}

func (a *poolAllocator) Alloc(size int) *Frame {
	f := a.pool.Get().(*Frame)
	if !f.reset(size) {
		a.pool.Put(f)
		return nil
	}
	f.port = 0
	return f
}

func (a *poolAllocator) Free(f *Frame) { a.pool.Put(f) }
