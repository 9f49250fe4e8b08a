package blsdio

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/blsdio/lmac"
)

const (
	// MaxStations is the number of station indices the firmware assigns.
	MaxStations = 12
	// NumTID is the number of traffic identifiers per station.
	NumTID = 8
	// NumHWQueues is the number of hardware transmit queues.
	NumHWQueues = 5
)

var errTxQueueIndex = errors.New("station, tid or hardware queue out of range")

// TxQueue is the transmit credit account of one station and TID. Fields are
// guarded by the Device that owns the queue; use the Device methods.
type TxQueue struct {
	sta, tid uint8
	hwq      uint8
	enabled  bool
	active   bool // On its hardware queue activation list.
	credits  int
	// pushLimit is the number of frames the firmware allows during the
	// current service period. Zero if the queue is not push limited.
	pushLimit int
	queued    int
	capacity  int
	amsduLen  uint16
}

// Sta returns the station index of the queue.
func (q *TxQueue) Sta() uint8 { return q.sta }

// TID returns the traffic identifier of the queue.
func (q *TxQueue) TID() uint8 { return q.tid }

func (q *TxQueue) full() bool { return q.capacity > 0 && q.queued >= q.capacity }

// TxQueueConfig configures a transmit queue on enable.
type TxQueueConfig struct {
	HWQueue  uint8
	Credits  int
	Capacity int
}

func (d *Device) txq(sta, tid uint8) *TxQueue {
	if sta >= MaxStations || tid >= NumTID {
		return nil
	}
	return &d.txqs[int(sta)*NumTID+int(tid)]
}

// EnableTxQueue enables the queue of sta and tid and returns it.
func (d *Device) EnableTxQueue(sta, tid uint8, cfg TxQueueConfig) (*TxQueue, error) {
	q := d.txq(sta, tid)
	if q == nil || cfg.HWQueue >= NumHWQueues {
		return nil, errTxQueueIndex
	}
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if q.active {
		d.deactivateLocked(q)
	}
	*q = TxQueue{
		sta:      sta,
		tid:      tid,
		hwq:      cfg.HWQueue,
		enabled:  true,
		credits:  max(cfg.Credits, 0),
		capacity: cfg.Capacity,
	}
	return q, nil
}

// DisableTxQueue disables q. Confirmations for a disabled queue no longer
// grant credits.
func (d *Device) DisableTxQueue(q *TxQueue) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if q.active {
		d.deactivateLocked(q)
	}
	q.enabled = false
}

// LookupTxQueue returns the enabled queue of sta and tid or nil.
func (d *Device) LookupTxQueue(sta, tid uint8) *TxQueue {
	q := d.txq(sta, tid)
	if q == nil {
		return nil
	}
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if !q.enabled {
		return nil
	}
	return q
}

// SetPushLimit sets the number of frames q may push in the current service period.
func (d *Device) SetPushLimit(q *TxQueue, limit int) {
	d.txMu.Lock()
	q.pushLimit = limit
	d.txMu.Unlock()
}

// AddQueued adjusts the count of frames waiting on q and activates it on its
// hardware queue when frames are waiting and credits are available.
func (d *Device) AddQueued(q *TxQueue, delta int) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	q.queued = max(q.queued+delta, 0)
	if q.enabled && q.queued > 0 && q.credits > 0 {
		d.activateLocked(q)
	}
}

// Credits returns the current credit count of q.
func (d *Device) Credits(q *TxQueue) int {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	return q.credits
}

// AMSDULen returns the A-MSDU length last confirmed for q.
func (d *Device) AMSDULen(q *TxQueue) uint16 {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	return q.amsduLen
}

// ConsumeCredit takes one credit from q. It reports false if q has none.
func (d *Device) ConsumeCredit(q *TxQueue) bool {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if q.credits <= 0 {
		return false
	}
	q.credits--
	if q.pushLimit > 0 {
		q.pushLimit--
	}
	return true
}

// PopActive removes and returns the first queue on the activation list of
// hardware queue hwq or nil if the list is empty.
func (d *Device) PopActive(hwq uint8) *TxQueue {
	if hwq >= NumHWQueues {
		return nil
	}
	d.txMu.Lock()
	defer d.txMu.Unlock()
	list := d.hwq[hwq]
	if len(list) == 0 {
		return nil
	}
	q := list[0]
	copy(list, list[1:])
	list[len(list)-1] = nil
	d.hwq[hwq] = list[:len(list)-1]
	q.active = false
	return q
}

// SetDrain sets the function run at the end of every pass to push queued
// frames. It replaces Config.DrainTx.
func (d *Device) SetDrain(drain func()) {
	d.txMu.Lock()
	d.drain = drain
	d.txMu.Unlock()
}

func (d *Device) drainFunc() func() {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	return d.drain
}

func (d *Device) activateLocked(q *TxQueue) {
	if q.active {
		return
	}
	q.active = true
	d.hwq[q.hwq] = append(d.hwq[q.hwq], q)
}

func (d *Device) deactivateLocked(q *TxQueue) {
	list := d.hwq[q.hwq]
	for i := range list {
		if list[i] == q {
			d.hwq[q.hwq] = append(list[:i], list[i+1:]...)
			break
		}
	}
	q.active = false
}

// rxTxConfirm applies a transmit confirmation. Every record is reported to
// OnTxConfirm; a retry request for a single frame leaves credits untouched.
func (d *Device) rxTxConfirm(payload []byte, hwIdx uint16) {
	cfm, err := lmac.DecodeTxConfirmation(payload)
	if err != nil {
		d.warn("rxTxConfirm", errAttr(err))
		return
	}
	d.trace("rxTxConfirm",
		slog.Uint64("sn", uint64(cfm.SN)),
		slog.Uint64("count", uint64(cfm.Count)),
		slog.Int("credits", int(cfm.Credits)),
		slog.Uint64("status", uint64(cfm.Status)),
	)
	var q *TxQueue
	for i := 0; i < int(cfm.Count); i++ {
		if d.cfg.OnTxConfirm != nil {
			d.cfg.OnTxConfirm(hwIdx, &cfm)
		}
		q = d.LookupTxQueue(cfm.StaIdx, cfm.TID)
		if q == nil {
			d.debug("rxTxConfirm:no queue", slog.Int("sta", int(cfm.StaIdx)), slog.Int("tid", int(cfm.TID)))
			return
		}
		if cfm.Status.NeedsRetry() && cfm.Count == 1 {
			d.debug("rxTxConfirm:retry", slog.Uint64("sn", uint64(cfm.SN)))
			return
		}
	}
	if q == nil {
		return
	}

	d.txMu.Lock()
	if q.enabled {
		if cfm.Credits > 0 {
			q.credits += int(cfm.Credits)
		}
		if q.pushLimit > 0 && !q.full() {
			d.activateLocked(q)
		}
	}
	q.amsduLen = cfm.AMSDUSize
	d.txMu.Unlock()

	if cfm.Credits < 0 {
		d.warn("rxTxConfirm:negative credits ignored", slog.Int("credits", int(cfm.Credits)))
	}
	d.count(func(s *Stats) {
		s.TxConfirms++
		if cfm.AMPDUSize > 0 && cfm.AMPDUSize < maxAMPDUSize {
			s.AMPDUSizes[cfm.AMPDUSize-1]++
		}
		s.LastTx = time.Now()
	})
}
