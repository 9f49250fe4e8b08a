package blsdio

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/soypat/blsdio/lmac"
)

type busWrite struct {
	addr uint32
	data []byte
}

// fakeBus scripts the register block and the frames returned per address.
type fakeBus struct {
	mu        sync.Mutex
	regs      [256]byte
	responses map[uint32][][]byte
	reads     []uint32 // Block reads other than the register block.
	writes    []busWrite
	regWrites []busWrite
	regReads  int
	failReads int // Block reads that fail before succeeding.
	ctrlSeq   uint16
	// readReg overrides register reads when set.
	readReg func(addr uint32) uint8
	// onRead runs outside the bus lock before every data block read.
	onRead func(addr uint32)
}

func newFakeBus() *fakeBus {
	return &fakeBus{responses: make(map[uint32][][]byte)}
}

func (b *fakeBus) ReadReg(addr uint32) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regReads++
	if b.readReg != nil {
		return b.readReg(addr), nil
	}
	return b.regs[addr&0xff], nil
}

func (b *fakeBus) WriteReg(addr uint32, val uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regWrites = append(b.regWrites, busWrite{addr: addr, data: []byte{val}})
	if addr < uint32(len(b.regs)) && addr != uint32(lmac.DefaultRegMap().HostIntStatus) {
		b.regs[addr] = val
	}
	return nil
}

func (b *fakeBus) ReadBlock(dst []byte, addr uint32) error {
	if addr != lmac.RegPort && b.onRead != nil {
		b.onRead(addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failReads > 0 {
		b.failReads--
		return errors.New("fake bus read failure")
	}
	if addr == lmac.RegPort {
		copy(dst, b.regs[:])
		return nil
	}
	b.reads = append(b.reads, addr)
	clear(dst)
	queue := b.responses[addr]
	if len(queue) > 0 {
		copy(dst, queue[0])
		b.responses[addr] = queue[1:]
	}
	return nil
}

func (b *fakeBus) WriteBlock(src []byte, addr uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, busWrite{addr: addr, data: append([]byte(nil), src...)})
	return nil
}

func (b *fakeBus) respond(addr uint32, data []byte) {
	b.mu.Lock()
	b.responses[addr] = append(b.responses[addr], data)
	b.mu.Unlock()
}

// setReady sets the interrupt status and the read bitmap and lengths of ports.
func (b *fakeBus) setReady(ireg uint8, lens map[uint8]uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := lmac.DefaultRegMap()
	var bitmap uint16
	for port, l := range lens {
		bitmap |= 1 << port
		b.regs[int(r.RdLenP0L)+2*int(port)] = uint8(l)
		b.regs[int(r.RdLenP0U)+2*int(port)] = uint8(l >> 8)
	}
	b.regs[r.HostIntStatus] = ireg
	b.regs[r.RdBitmapL] = uint8(bitmap)
	b.regs[r.RdBitmapU] = uint8(bitmap >> 8)
}

func (b *fakeBus) setWriteBitmap(bitmap uint16) {
	b.mu.Lock()
	r := lmac.DefaultRegMap()
	b.regs[r.WrBitmapL] = uint8(bitmap)
	b.regs[r.WrBitmapU] = uint8(bitmap >> 8)
	b.mu.Unlock()
}

func (b *fakeBus) dataReads() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.reads...)
}

// countAlloc tracks every frame it hands out and fails the test on a double free.
type countAlloc struct {
	t      *testing.T
	mu     sync.Mutex
	live   map[*Frame]bool
	allocs int
	frees  int
	fail   bool
}

func newCountAlloc(t *testing.T) *countAlloc {
	return &countAlloc{t: t, live: make(map[*Frame]bool)}
}

func (a *countAlloc) Alloc(size int) *Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return nil
	}
	f := NewFrame(make([]byte, size))
	f.reset(size)
	a.live[f] = true
	a.allocs++
	return f
}

func (a *countAlloc) Free(f *Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live[f] {
		a.t.Errorf("free of frame not live: %p", f)
		return
	}
	delete(a.live, f)
	a.frees++
}

func (a *countAlloc) setFail(fail bool) {
	a.mu.Lock()
	a.fail = fail
	a.mu.Unlock()
}

func (a *countAlloc) checkAllReleased(t *testing.T) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.live) != 0 {
		t.Errorf("%d frames never released (allocs=%d frees=%d)", len(a.live), a.allocs, a.frees)
	}
}

const testIOPort = 0x10000

func newTestDevice(t *testing.T, bus *fakeBus, modify func(*Config)) (*Device, *countAlloc) {
	t.Helper()
	alloc := newCountAlloc(t)
	cfg := DefaultConfig()
	cfg.IOPort = testIOPort
	cfg.Allocator = alloc
	if testing.Verbose() {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: levelTrace}))
	}
	if modify != nil {
		modify(&cfg)
	}
	d, err := New(bus, cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.sleep = func(time.Duration) {}
	return d, alloc
}

// frameBytes encodes a frame of the given type padded with zeros to size.
func frameBytes(typ lmac.FrameType, reserved uint16, pad int, payload []byte, size int) []byte {
	b := make([]byte, size)
	hdr := lmac.Header{Length: uint16(len(payload)), Type: typ, Reserved: reserved}
	hdr.Put(b)
	copy(b[lmac.HeaderLen+pad:], payload)
	return b
}

// dataPayload returns a DATA payload with an RX descriptor followed by body.
func dataPayload(status, sta, tid uint8, sn uint16, body []byte) []byte {
	desc := lmac.RxDesc{Status: status, StaIdx: sta, TID: tid, SN: sn}
	b := make([]byte, lmac.RxDescLen+len(body))
	desc.Put(b)
	copy(b[lmac.RxDescLen:], body)
	return b
}

// dataSeq returns a data port reserved field with counter seq and pad.
func dataSeq(seq uint16, pad uint8) uint16 { return seq<<4 | uint16(pad) }

func TestNewValidatesConfig(t *testing.T) {
	bus := newFakeBus()
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{"blocksize not power of two", func(c *Config) { c.BlockSize = 500 }},
		{"blocksize too small", func(c *Config) { c.BlockSize = 8 }},
		{"blocksize too large", func(c *Config) { c.BlockSize = 8192 }},
		{"unaligned io port", func(c *Config) { c.IOPort = 0x10100 }},
		{"no retries", func(c *Config) { c.BusRetries = 0 }},
		{"registers out of range", func(c *Config) { c.Registers.MaxMPRegs = 0x10 }},
	} {
		cfg := DefaultConfig()
		tc.modify(&cfg)
		_, err := New(bus, cfg)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	_, err := New(nil, DefaultConfig())
	if err == nil {
		t.Error("expected error for nil bus")
	}
	_, err = New(bus, DefaultConfig())
	if err != nil {
		t.Error(err)
	}
}

func TestRemovedDeviceIsNoop(t *testing.T) {
	bus := newFakeBus()
	d, alloc := newTestDevice(t, bus, nil)
	bus.setReady(lmac.UpLdHostIntStatus, map[uint8]uint16{1: 64})
	d.Remove()
	if err := d.Interrupt(); err != ErrDeviceRemoved {
		t.Errorf("Interrupt: want ErrDeviceRemoved, got %v", err)
	}
	if err := d.Process(); err != ErrDeviceRemoved {
		t.Errorf("Process: want ErrDeviceRemoved, got %v", err)
	}
	if err := d.Kick(); err != ErrDeviceRemoved {
		t.Errorf("Kick: want ErrDeviceRemoved, got %v", err)
	}
	_, err := d.SendCommand(context.Background(), lmac.MsgHeader{}, nil, 0)
	if err != ErrDeviceRemoved {
		t.Errorf("SendCommand: want ErrDeviceRemoved, got %v", err)
	}
	if len(bus.dataReads()) != 0 || len(bus.writes) != 0 {
		t.Error("bus accessed after removal")
	}
	alloc.checkAllReleased(t)
}

// deliverCtrl makes the control port hold one frame and services an interrupt.
func deliverCtrl(t *testing.T, d *Device, bus *fakeBus, typ lmac.FrameType, payload []byte) {
	t.Helper()
	bus.ctrlSeq++
	n := lmac.HeaderLen + len(payload)
	bus.setReady(lmac.UpLdHostIntStatus, map[uint8]uint16{lmac.CtrlPort: uint16(n)})
	bus.respond(testIOPort, frameBytes(typ, bus.ctrlSeq, 0, payload, n))
	err := d.Interrupt()
	if err != nil {
		t.Fatal(err)
	}
}
