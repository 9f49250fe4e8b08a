package blsdio

import (
	"context"
	"log/slog"

	"github.com/soypat/blsdio/lmac"
)

const cmdQueueLen = 16

// CmdFlags modify how SendCommand submits a command.
type CmdFlags uint8

const (
	// CmdWaitPush makes SendCommand block until the command has been written
	// to the command port or abandoned.
	CmdWaitPush CmdFlags = 1 << iota
)

type cmdEntry struct {
	token uint8
	flags CmdFlags
	frame []byte
	done  chan error
}

// cmdQueue is a FIFO of commands waiting for the command port. The head entry
// is the one written next.
type cmdQueue struct {
	entries [cmdQueueLen]cmdEntry
	head    uint32
	tail    uint32
	// awaiting is set from the moment the head command is scheduled for write
	// until the firmware acknowledges it.
	awaiting bool
	token    uint8
}

func (q *cmdQueue) len() int { return int(q.tail - q.head) }

func (q *cmdQueue) at(i int) *cmdEntry { return &q.entries[(q.head+uint32(i))%cmdQueueLen] }

func (q *cmdQueue) push(e cmdEntry) bool {
	if q.len() == cmdQueueLen {
		return false
	}
	q.entries[q.tail%cmdQueueLen] = e
	q.tail++
	return true
}

// find returns the position of the entry with the given token.
func (q *cmdQueue) find(token uint8) (int, bool) {
	for i := 0; i < q.len(); i++ {
		if q.at(i).token == token {
			return i, true
		}
	}
	return -1, false
}

// remove deletes the entry at position i keeping the order of the rest.
func (q *cmdQueue) remove(i int) cmdEntry {
	e := *q.at(i)
	for j := i; j < q.len()-1; j++ {
		*q.at(j) = *q.at(j + 1)
	}
	q.tail--
	*q.at(q.len()) = cmdEntry{}
	return e
}

// SendCommand queues a firmware command and returns the token that identifies
// it in acknowledgements. Commands are written to the command port one at a
// time, the next one after the firmware acknowledged the previous.
func (d *Device) SendCommand(ctx context.Context, msg lmac.MsgHeader, param []byte, flags CmdFlags) (token uint8, err error) {
	if d.removed.Load() {
		return 0, ErrDeviceRemoved
	}
	var done chan error
	if flags&CmdWaitPush != 0 {
		done = make(chan error, 1)
	}
	d.cmdMu.Lock()
	if d.removed.Load() {
		d.cmdMu.Unlock()
		return 0, ErrDeviceRemoved
	}
	token = d.tokenSeq
	frame, err := d.encodeCommand(token, msg, param)
	if err != nil {
		d.cmdMu.Unlock()
		return 0, err
	}
	if !d.cmds.push(cmdEntry{token: token, flags: flags, frame: frame, done: done}) {
		d.cmdMu.Unlock()
		return 0, errCmdQueueFull
	}
	d.tokenSeq++
	d.scheduleLocked()
	d.cmdMu.Unlock()
	d.debug("SendCommand", slog.String("id", msg.ID.String()), slog.Uint64("token", uint64(token)), slog.Int("plen", len(param)))
	d.QueueWork()
	if done == nil {
		return token, nil
	}
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return token, err
}

func (d *Device) encodeCommand(token uint8, msg lmac.MsgHeader, param []byte) ([]byte, error) {
	if d.cfg.MPMode {
		if len(param) > lmac.MPBlockLen {
			return nil, errCmdTooLarge
		}
		frame := make([]byte, lmac.MPBlockLen)
		copy(frame, param)
		return frame, nil
	}
	n := lmac.CommandLen(len(param))
	if n > lmac.MaxRxLen {
		return nil, errCmdTooLarge
	}
	frame := make([]byte, alignup(uint32(n), 4))
	_, err := lmac.PutCommand(frame, token, msg, param)
	return frame, err
}

// scheduleLocked marks the head command for write if no command is
// waiting for an acknowledgement. Must hold cmdMu.
func (d *Device) scheduleLocked() {
	if d.cmds.awaiting || d.cmds.len() == 0 {
		return
	}
	d.cmds.awaiting = true
	d.cmds.token = d.cmds.at(0).token
	d.cmdSent = true
}

// flushCommand writes the scheduled command once the firmware reports the
// command port ready. An abandoned command is reported through OnMsgAck and
// stops the pass.
func (d *Device) flushCommand() error {
	d.cmdMu.Lock()
	if !d.cmdSent {
		d.cmdMu.Unlock()
		return nil
	}
	token := d.cmds.token
	idx, ok := d.cmds.find(token)
	if !ok {
		d.cmdSent = false
		d.cmds.awaiting = false
		d.cmdMu.Unlock()
		d.warn("flushCommand:token not queued", slog.Uint64("token", uint64(token)))
		return nil
	}
	e := *d.cmds.at(idx)
	d.cmdMu.Unlock()

	r := &d.cfg.Registers
	err := d.waitCommandPort(d.mpRegs[r.WrBitmapL])
	if err == nil {
		addr := d.cfg.IOPort + lmac.CtrlPort
		if d.cfg.MPMode {
			addr = lmac.MPPortAddr
		}
		err = d.writeBlock(e.frame, addr)
	}

	d.cmdMu.Lock()
	d.cmdSent = false
	idx, owned := d.cmds.find(e.token)
	if owned {
		d.cmds.remove(idx)
	}
	if err != nil {
		d.cmds.awaiting = false
		d.scheduleLocked()
	}
	d.cmdMu.Unlock()

	if !owned {
		// Abandoned by Remove while the write was in progress.
		return err
	}
	if e.done != nil {
		e.done <- err
	}
	if err != nil {
		d.count(func(s *Stats) { s.CmdTimeouts++ })
		d.logerr("flushCommand", slog.Uint64("token", uint64(e.token)), errAttr(err))
		if d.cfg.OnMsgAck != nil {
			d.cfg.OnMsgAck(e.token, err)
		}
		return err
	}
	d.count(func(s *Stats) { s.CmdWritten++ })
	d.trace("flushCommand:written", slog.Uint64("token", uint64(e.token)), slog.Int("len", len(e.frame)))
	if d.cfg.MPMode {
		// Manufacturing test commands are not acknowledged.
		d.cmdMu.Lock()
		d.cmds.awaiting = false
		d.scheduleLocked()
		d.cmdMu.Unlock()
	}
	return nil
}

// abandonCommands empties the command queue, completing every entry with err.
func (d *Device) abandonCommands(err error) {
	d.cmdMu.Lock()
	abandoned := make([]cmdEntry, 0, d.cmds.len())
	for d.cmds.len() > 0 {
		abandoned = append(abandoned, d.cmds.remove(0))
	}
	d.cmds.awaiting = false
	d.cmdSent = false
	d.cmdMu.Unlock()

	for _, e := range abandoned {
		d.debug("abandonCommands", slog.Uint64("token", uint64(e.token)), errAttr(err))
		if e.done != nil {
			e.done <- err
		}
		if d.cfg.OnMsgAck != nil {
			d.cfg.OnMsgAck(e.token, err)
		}
	}
}

// waitCommandPort polls the write bitmap until the command port is free.
// wrl is the low write bitmap byte from the current register snapshot.
func (d *Device) waitCommandPort(wrl uint8) error {
	if wrl&lmac.CtrlPortMask != 0 {
		return nil
	}
	addr := uint32(d.cfg.Registers.WrBitmapL)
	err := d.pollUntil(d.cfg.CmdPollAttempts, d.cfg.CmdPollInterval, func() (bool, error) {
		var v uint8
		err := retry(d.cfg.BusRetries, func() (err error) {
			v, err = d.readReg(addr)
			return err
		})
		return v&lmac.CtrlPortMask != 0, err
	})
	if err != nil {
		return errCmdPortTimeout
	}
	return nil
}
