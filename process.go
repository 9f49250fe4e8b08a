package blsdio

import (
	"log/slog"

	"github.com/soypat/blsdio/lmac"
)

// Process runs the main loop in the caller's context. If a pass is already
// running Process returns immediately and the running pass is repeated once
// more before it goes idle.
func (d *Device) Process() error {
	d.procMu.Lock()
	if d.busy {
		d.rerun = true
		d.procMu.Unlock()
		return nil
	}
	d.busy = true
	d.procMu.Unlock()
	d.lostInt = false
	for {
		if d.removed.Load() {
			d.idle(false)
			return ErrDeviceRemoved
		}
		ireg := d.takeStatus()
		d.count(func(s *Stats) { s.Passes++ })
		d.trace("Process:pass", slog.Uint64("ireg", uint64(ireg)), slog.Bool("lost", d.lostInt))

		err := d.flushCommand()
		if err != nil {
			d.restoreStatus(ireg)
			d.idle(true)
			return err
		}
		if d.removed.Load() {
			d.idle(false)
			return ErrDeviceRemoved
		}

		if ireg&lmac.UpLdHostIntStatus != 0 {
			err = d.upload()
			if err != nil || d.resend.Load() {
				d.restoreStatus(ireg &^ lmac.UpLdHostIntStatus)
				d.idle(true)
				return err
			}
		}
		if ireg&lmac.DnLdHostIntStatus != 0 && d.mpWrBitmap.Load()&lmac.DataPortsMask == 0 {
			d.download()
		}
		if drain := d.drainFunc(); drain != nil && !d.recovery.Load() {
			drain()
		}

		d.procMu.Lock()
		if !d.rerun {
			d.busy = false
			d.procMu.Unlock()
			return nil
		}
		d.rerun = false
		d.procMu.Unlock()
		d.lostInt = true
		d.count(func(s *Stats) { s.LostInterrupts++ })
	}
}

// idle releases the pass guard. On an aborted pass a coalesced trigger is
// handed to the Run goroutine.
func (d *Device) idle(aborted bool) {
	d.procMu.Lock()
	rerun := d.rerun
	d.busy = false
	d.rerun = false
	d.procMu.Unlock()
	if !aborted {
		return
	}
	d.count(func(s *Stats) { s.Aborts++ })
	if rerun {
		d.QueueWork()
	}
}

// download records the write ports the firmware has made available.
func (d *Device) download() {
	r := &d.cfg.Registers
	wr := lmac.Bitmap(d.mpRegs[r.WrBitmapL], d.mpRegs[r.WrBitmapU])
	d.mpWrBitmap.Store(uint32(wr))
	d.trace("download", slog.Uint64("wrbitmap", uint64(wr)))
}
