package blsdio

import (
	"encoding/binary"
	"log/slog"
	"math/bits"

	"github.com/soypat/blsdio/lmac"
)

const (
	// firstPassPorts is the batch size of the first sub-pass when more ports
	// are pending than fit in one.
	firstPassPorts = lmac.MaxAggPorts - 1
	// maxDataPad is the largest pad a data frame may carry after its header.
	maxDataPad = 4
)

type aggSlot struct {
	frame *Frame
	len   uint16
	port  uint8
}

// aggBatch accumulates data ports read together in one bulk read.
type aggBatch struct {
	slots  [lmac.MaxAggPorts]aggSlot
	n      int
	start  uint8
	mask   uint8
	length int
}

func (b *aggBatch) reset() { *b = aggBatch{} }

func (b *aggBatch) full() bool { return b.n == len(b.slots) }

// fits reports whether port can join the batch. The presence mask spans at
// most MaxAggPorts ports from the start port.
func (b *aggBatch) fits(port uint8) bool {
	return b.n == 0 || (!b.full() && port-b.start < lmac.MaxAggPorts)
}

func (b *aggBatch) add(f *Frame, rxlen uint16, port uint8) {
	if b.n == 0 {
		b.start = port
	}
	b.mask |= 1 << (port - b.start)
	b.slots[b.n] = aggSlot{frame: f, len: rxlen, port: port}
	b.n++
	b.length += int(rxlen)
}

// nextPort takes the lowest ready port off bitmap.
func nextPort(bitmap *uint16) (uint8, bool) {
	if *bitmap == 0 {
		return 0, false
	}
	port := uint8(bits.TrailingZeros16(*bitmap))
	*bitmap &^= 1 << port
	return port, true
}

// upload drains the read ports reported ready in the register snapshot.
func (d *Device) upload() (err error) {
	if d.cfg.MPMode {
		return d.uploadMP()
	}
	r := &d.cfg.Registers
	bitmap := lmac.Bitmap(d.mpRegs[r.RdBitmapL], d.mpRegs[r.RdBitmapU])
	d.mpRdBitmap.Store(uint32(bitmap))
	defer d.mpRdBitmap.Store(0)
	twice := bits.OnesCount16(bitmap&lmac.DataPortsMask) > firstPassPorts
	d.trace("upload", slog.Uint64("bitmap", uint64(bitmap)), slog.Bool("twice", twice))

	d.agg.reset()
	err = d.scan(&bitmap, twice)
	if err == nil && twice {
		err = d.scan(&bitmap, false)
	}
	if err != nil {
		d.releaseBatch()
	}
	return err
}

// scan reads ready ports lowest first. Control port frames are read and
// decoded individually, data ports are batched. If limit is set the scan
// stops once firstPassPorts data ports have been batched.
func (d *Device) scan(bitmap *uint16, limit bool) error {
	batched := 0
	for {
		port, ok := nextPort(bitmap)
		if !ok {
			break
		}
		d.mpRdBitmap.Store(uint32(*bitmap))
		rxlen, err := d.rxLen(port)
		if err != nil {
			d.logerr("scan:rxlen", slog.Int("port", int(port)), errAttr(err))
			return err
		}
		if port == lmac.CtrlPort {
			err = d.readCtrl(rxlen)
			if err != nil {
				return err
			}
			continue
		}
		if !d.agg.fits(port) {
			err = d.flushBatch()
			if err != nil {
				return err
			}
		}
		f := d.alloc.Alloc(int(rxlen))
		d.agg.add(f, rxlen, port)
		batched++
		if d.agg.full() || d.cfg.NoAggregation {
			err = d.flushBatch()
			if err != nil {
				return err
			}
		}
		if limit && batched == firstPassPorts {
			break
		}
	}
	return d.flushBatch()
}

// rxLen returns the read length of port rounded up to the block size.
func (d *Device) rxLen(port uint8) (uint16, error) {
	rxlen := d.cfg.Registers.RxLen(d.mpRegs[:], port)
	if rxlen < lmac.HeaderLen || rxlen > lmac.MaxRxLen {
		return 0, errInvalidRxLen
	}
	return alignup(rxlen, uint16(d.cfg.BlockSize)), nil
}

// readCtrl reads and decodes one control port frame. Frames repeating the
// previous message counter are dropped.
func (d *Device) readCtrl(rxlen uint16) error {
	f := d.alloc.Alloc(int(rxlen))
	if f == nil {
		d.warn("readCtrl:alloc failed, using reserved frame")
		f = d.msgFrame
	}
	f.reset(int(rxlen))
	err := d.readBlock(f.buf[:rxlen], d.cfg.IOPort+lmac.CtrlPort)
	if err != nil {
		d.release(f)
		d.escalate(err)
		return err
	}
	hdr := lmac.DecodeHeader(f.Bytes())
	if hdr.Reserved == d.lastMsgCnt {
		d.count(func(s *Stats) { s.RxDuplicates++ })
		d.debug("readCtrl:duplicate", slog.Uint64("cnt", uint64(hdr.Reserved)))
		d.release(f)
		return nil
	}
	d.lastMsgCnt = hdr.Reserved
	err = d.decode(f, hdr, lmac.CtrlPort)
	if err != nil {
		d.escalate(err)
	}
	return err
}

// flushBatch reads every batched port in one bulk transfer and decodes the
// frames in port order.
func (d *Device) flushBatch() error {
	b := &d.agg
	if b.n == 0 {
		return nil
	}
	defer b.reset()
	buf := d.aggBuf[:b.length]
	clear(buf)
	addr := lmac.AggregatedAddr(d.cfg.IOPort, b.mask, b.start)
	if b.n == 1 {
		addr = d.cfg.IOPort + uint32(b.start)
	} else {
		d.count(func(s *Stats) { s.AggReads++ })
	}
	err := d.readBlock(buf, addr)
	if err != nil {
		d.releaseBatch()
		d.escalate(err)
		return err
	}
	d.trace("flushBatch", slog.Uint64("addr", uint64(addr)), slog.Int("n", b.n), slog.Int("len", b.length))
	off := 0
	for i := 0; i < b.n; i++ {
		slot := &b.slots[i]
		chunk := buf[off : off+int(slot.len)]
		off += int(slot.len)
		f := slot.frame
		slot.frame = nil
		if f == nil {
			d.count(func(s *Stats) { s.RxDropped++ })
			d.debug("flushBatch:no buffer", slog.Int("port", int(slot.port)))
			continue
		}
		hdr := lmac.DecodeHeader(chunk)
		seq, pad := hdr.DataSeq(), hdr.PadLen()
		if seq == d.lastDataCnt || pad > maxDataPad {
			d.count(func(s *Stats) { s.RxDuplicates++ })
			d.debug("flushBatch:drop", slog.Int("port", int(slot.port)), slog.Uint64("seq", uint64(seq)), slog.Uint64("pad", uint64(pad)))
			d.release(f)
			continue
		}
		d.lastDataCnt = seq
		n := min(int(hdr.Length)+lmac.HeaderLen+int(pad), len(chunk))
		f.reset(n)
		copy(f.buf, chunk[:n])
		err = d.decode(f, hdr, slot.port)
		if err != nil {
			d.releaseBatch()
			d.escalate(err)
			return err
		}
	}
	return nil
}

// releaseBatch frees the frames of a batch that will not be decoded.
func (d *Device) releaseBatch() {
	for i := 0; i < d.agg.n; i++ {
		d.release(d.agg.slots[i].frame)
		d.agg.slots[i].frame = nil
	}
	d.agg.reset()
}

// uploadMP reads the manufacturing test block and indicates it as a test
// confirmation message.
func (d *Device) uploadMP() error {
	f := d.alloc.Alloc(lmac.MsgHeaderLen + lmac.MPBlockLen)
	if f == nil {
		return errNoBuffer
	}
	defer d.release(f)
	block := f.buf[lmac.MsgHeaderLen : lmac.MsgHeaderLen+lmac.MPBlockLen]
	err := d.readBlock(block, lmac.MPPortAddr)
	if err != nil {
		d.escalate(err)
		return err
	}
	plen := int(binary.LittleEndian.Uint16(block)) + 2
	if plen > len(block) {
		plen = len(block)
	}
	msg := lmac.MsgHeader{ID: lmac.MPTestCfm, DestID: lmac.TaskDrv, SrcID: lmac.TaskMP, ParamLen: uint16(plen)}
	msg.Put(f.buf)
	d.trace("uploadMP", slog.Int("plen", plen))
	if d.cfg.OnMsgInd != nil {
		d.cfg.OnMsgInd(f.buf[:lmac.MsgHeaderLen+plen])
	}
	return nil
}

// escalate reports a failed upload to the firmware by setting the host fault
// bit in the configuration register.
func (d *Device) escalate(cause error) {
	addr := uint32(d.cfg.Registers.Config)
	cr, err := d.readReg(addr)
	if err == nil {
		err = d.writeReg(addr, cr|lmac.ConfigHostFault)
	}
	if err == nil {
		cr, err = d.readReg(addr)
	}
	if err != nil {
		d.logerr("escalate", slog.String("cause", cause.Error()), errAttr(err))
		return
	}
	d.warn("escalate", slog.String("cause", cause.Error()), slog.Uint64("cr", uint64(cr)))
}
