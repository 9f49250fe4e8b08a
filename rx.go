package blsdio

import (
	"log/slog"
	"time"

	"github.com/soypat/blsdio/lmac"
)

// decode strips the frame header and dispatches f by type. f is owned by
// decode and released on every branch except when handed to the data path.
func (d *Device) decode(f *Frame, hdr lmac.Header, port uint8) error {
	hlen := lmac.HeaderLen
	if port != lmac.CtrlPort {
		hlen += int(hdr.PadLen())
	}
	if f.n < hlen {
		d.release(f)
		return errShortFrame
	}
	f.pull(hlen)
	f.truncate(int(hdr.Length))
	f.port = port
	d.count(func(s *Stats) { s.RxFrames++ })
	if d._traceenabled {
		d.trace("decode", slog.String("hdr", hdr.String()), slog.Int("port", int(port)), slog.Int("plen", f.n))
	}

	payload := f.Bytes()
	switch hdr.Type {
	case lmac.TypeDATA:
		d.count(func(s *Stats) { s.LastRx = time.Now() })
		d.rxData(f)
		return nil
	case lmac.TypeACK:
		d.rxAck(payload)
	case lmac.TypeMSG:
		if d.cfg.OnMsgInd != nil {
			d.cfg.OnMsgInd(payload)
		}
	case lmac.TypeTXCFM:
		d.rxTxConfirm(payload, hdr.Index)
		d.dataSent.Store(false)
	case lmac.TypeAggReordMsg:
		d.rxReorder(payload)
	case lmac.TypeTxStop:
		d.warn("decode:tx-stop")
		d.recovery.Store(true)
	case lmac.TypeTxResume:
		d.info("decode:tx-resume")
		d.recovery.Store(false)
	default:
		if hdr.Type.IsDiagnostic() {
			d.rxDiag(hdr.Type, payload)
		} else {
			d.warn("decode:unknown type", slog.String("hdr", hdr.String()))
		}
	}
	d.release(f)
	return nil
}

// rxAck matches a firmware acknowledgement against the command awaiting one.
// A mismatching token resynchronizes the expected counter and is not rejected.
// Without a command outstanding the counter only advances.
func (d *Device) rxAck(payload []byte) {
	if len(payload) < 1 {
		d.warn("rxAck:empty")
		return
	}
	got := payload[0]
	d.cmdMu.Lock()
	expect := d.ackSeq
	// A command scheduled but not yet written cannot have been acknowledged.
	awaiting, token := d.cmds.awaiting && !d.cmdSent, d.cmds.token
	if !awaiting {
		d.ackSeq++
		d.cmdMu.Unlock()
		d.debug("rxAck:no command outstanding", slog.Uint64("got", uint64(got)), slog.Uint64("expect", uint64(expect)))
		return
	}
	resync := got != expect
	if resync {
		d.ackSeq = got
	}
	d.ackSeq++
	d.cmds.awaiting = false
	d.scheduleLocked()
	d.cmdMu.Unlock()

	if resync {
		d.count(func(s *Stats) { s.AckMismatches++ })
		d.warn("rxAck:resync", slog.Uint64("expect", uint64(expect)), slog.Uint64("got", uint64(got)))
	}
	d.trace("rxAck", slog.Uint64("token", uint64(token)))
	if d.cfg.OnMsgAck != nil {
		d.cfg.OnMsgAck(token, nil)
	}
	d.QueueWork()
}

// rxData handles a DATA payload, which starts with an RX descriptor.
// Takes ownership of f.
func (d *Device) rxData(f *Frame) {
	if f == d.msgFrame {
		// The reserved frame is reused by the next control read.
		cp := d.alloc.Alloc(f.n)
		if cp == nil {
			d.count(func(s *Stats) { s.RxDropped++ })
			return
		}
		copy(cp.buf, f.Bytes())
		cp.port = f.port
		f = cp
	}
	desc, err := lmac.DecodeRxDesc(f.Bytes())
	if err != nil {
		d.warn("rxData:desc", errAttr(err))
		d.release(f)
		return
	}
	switch {
	case desc.Status&lmac.RxStatHold != 0:
		err = d.reorder.hold(desc, f)
		if err != nil {
			d.warn("rxData:hold", slog.Int("sta", int(desc.StaIdx)), slog.Int("tid", int(desc.TID)), slog.Int("sn", int(desc.SN)), errAttr(err))
			d.release(f)
		}
		return
	case desc.Status&lmac.RxStatForward != 0:
		if handler := d.ethHandler(); handler != nil {
			err = handler(f.Bytes()[lmac.RxDescLen:])
			if err != nil {
				d.debug("rxData:handler", errAttr(err))
			}
		}
	}
	d.release(f)
}
