// Package serialbus implements blsdio.Bus over a UART attached SDIO bridge.
//
// Every transfer is one request answered by one response:
//
//	request:  op(1) addr(4) len(2) data(len if op writes)
//	response: status(1) len(2) data(len if op reads)
//
// All integers are little endian. A non-zero status reports a bus error.
package serialbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Bridge operations.
const (
	OpReadReg    byte = 'r'
	OpWriteReg   byte = 'w'
	OpReadBlock  byte = 'R'
	OpWriteBlock byte = 'W'
)

const (
	reqHeaderLen  = 7
	respHeaderLen = 3
	// MaxTransfer is the largest block carried in one request.
	MaxTransfer = 0xffff
)

var (
	errTransferTooLarge = errors.New("serialbus: transfer too large")
	errShortResponse    = errors.New("serialbus: response length mismatch")
)

// BusError is returned when the bridge reports a failed bus transaction.
type BusError struct {
	Op     byte
	Addr   uint32
	Status byte
}

func (e *BusError) Error() string {
	return fmt.Sprintf("serialbus: op %q addr %#x failed with status %d", e.Op, e.Addr, e.Status)
}

// Bridge is a blsdio.Bus talking to a bus bridge over a byte stream.
type Bridge struct {
	mu  sync.Mutex
	rw  io.ReadWriter
	hdr [reqHeaderLen]byte
}

// New returns a Bridge using rw as the link to the bridge.
func New(rw io.ReadWriter) *Bridge {
	return &Bridge{rw: rw}
}

// Open opens the serial device dev at baud and returns a Bridge on it.
func Open(dev string, baud int, readTimeout time.Duration) (*Bridge, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        dev,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", dev, err)
	}
	err = port.Flush()
	if err != nil {
		port.Close()
		return nil, err
	}
	return New(port), nil
}

// Close closes the underlying link if it is an io.Closer.
func (b *Bridge) Close() error {
	if c, ok := b.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *Bridge) ReadReg(addr uint32) (uint8, error) {
	var v [1]byte
	err := b.transfer(OpReadReg, addr, nil, v[:])
	return v[0], err
}

func (b *Bridge) WriteReg(addr uint32, val uint8) error {
	return b.transfer(OpWriteReg, addr, []byte{val}, nil)
}

func (b *Bridge) ReadBlock(dst []byte, addr uint32) error {
	return b.transfer(OpReadBlock, addr, nil, dst)
}

func (b *Bridge) WriteBlock(src []byte, addr uint32) error {
	return b.transfer(OpWriteBlock, addr, src, nil)
}

func (b *Bridge) transfer(op byte, addr uint32, src, dst []byte) error {
	n := len(src) + len(dst)
	if n > MaxTransfer {
		return errTransferTooLarge
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hdr[0] = op
	binary.LittleEndian.PutUint32(b.hdr[1:], addr)
	binary.LittleEndian.PutUint16(b.hdr[5:], uint16(n))
	_, err := b.rw.Write(b.hdr[:])
	if err == nil && len(src) > 0 {
		_, err = b.rw.Write(src)
	}
	if err != nil {
		return err
	}
	var resp [respHeaderLen]byte
	_, err = io.ReadFull(b.rw, resp[:])
	if err != nil {
		return err
	}
	rlen := int(binary.LittleEndian.Uint16(resp[1:]))
	if resp[0] != 0 {
		return &BusError{Op: op, Addr: addr, Status: resp[0]}
	}
	if rlen != len(dst) {
		return errShortResponse
	}
	if len(dst) > 0 {
		_, err = io.ReadFull(b.rw, dst)
	}
	return err
}
