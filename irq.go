package blsdio

import (
	"context"
	"log/slog"
	"time"

	"github.com/soypat/blsdio/lmac"
)

// collectStatus reads the multi-port register block and merges the host
// interrupt status into the pending status. When claim is set the call comes
// from outside the interrupt path and missed events are synthesized from the
// port bitmaps.
func (d *Device) collectStatus(claim bool) error {
	r := &d.cfg.Registers
	var regs [256]byte
	buf := regs[:r.MaxMPRegs]
	err := d.readBlock(buf, lmac.RegPort)
	if err != nil {
		d.logerr("collectStatus:read", errAttr(err))
		return err
	}
	ireg := buf[r.HostIntStatus]
	if d.cfg.WriteClearInt && ireg != 0 {
		err = d.writeReg(uint32(r.HostIntStatus), ^ireg&lmac.HostIntStatusMask)
		if err != nil {
			d.logerr("collectStatus:clear", errAttr(err))
			return err
		}
	}
	if claim {
		rd := lmac.Bitmap(buf[r.RdBitmapL], buf[r.RdBitmapU])
		if ireg&lmac.UpLdHostIntStatus == 0 && rd != 0 && d.mpRdBitmap.Load() == 0 {
			ireg |= lmac.UpLdHostIntStatus
		}
		wr := lmac.Bitmap(buf[r.WrBitmapL], buf[r.WrBitmapU])
		if ireg&lmac.DnLdHostIntStatus == 0 && wr&lmac.DataPortsMask != 0 &&
			d.mpWrBitmap.Load()&lmac.DataPortsMask == 0 && !d.dataSent.Load() {
			ireg |= lmac.DnLdHostIntStatus
		}
	}
	d.trace("collectStatus", slog.Uint64("ireg", uint64(ireg)), slog.Bool("claim", claim))
	if ireg == 0 {
		return nil
	}
	d.intMu.Lock()
	d.intStatus |= ireg
	d.irqRegs = regs
	d.intMu.Unlock()
	return nil
}

// takeStatus moves the pending status and its registers into the pass.
func (d *Device) takeStatus() uint8 {
	d.intMu.Lock()
	ireg := d.intStatus
	d.intStatus = 0
	d.mpRegs = d.irqRegs
	d.intMu.Unlock()
	return ireg
}

// restoreStatus merges status bits a pass could not serve back into the
// pending status.
func (d *Device) restoreStatus(ireg uint8) {
	if ireg == 0 {
		return
	}
	d.intMu.Lock()
	d.intStatus |= ireg
	d.intMu.Unlock()
}

// Interrupt services a host interrupt: the interrupt status is collected and
// a pass is run in the caller's context, also when the status read failed.
func (d *Device) Interrupt() error {
	if d.removed.Load() {
		return ErrDeviceRemoved
	}
	d.count(func(s *Stats) { s.Interrupts++ })
	err := d.collectStatus(false)
	if perr := d.Process(); perr != nil {
		return perr
	}
	return err
}

// Kick collects the interrupt status as a poller would and schedules a pass.
// Used when interrupts may have been missed.
func (d *Device) Kick() error {
	if d.removed.Load() {
		return ErrDeviceRemoved
	}
	err := d.collectStatus(true)
	if err != nil {
		return err
	}
	d.QueueWork()
	return nil
}

// QueueWork schedules a pass on the goroutine running Run. A pass already in
// progress is told to run once more instead.
func (d *Device) QueueWork() {
	if d.removed.Load() {
		return
	}
	d.procMu.Lock()
	if d.busy {
		d.rerun = true
		d.procMu.Unlock()
		return
	}
	d.procMu.Unlock()
	select {
	case d.work <- struct{}{}:
	default:
	}
}

// Run runs passes as they are queued until ctx is done or the device is
// removed. If pollInterval is positive the status is also polled on that
// interval, for buses without an interrupt line.
func (d *Device) Run(ctx context.Context, pollInterval time.Duration) error {
	var tick <-chan time.Time
	if pollInterval > 0 {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.work:
		case <-tick:
			if err := d.collectStatus(true); err != nil {
				continue
			}
		}
		err := d.Process()
		if err == ErrDeviceRemoved {
			return err
		} else if err != nil {
			d.logerr("Run:process", errAttr(err))
		}
	}
}
