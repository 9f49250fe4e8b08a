package blsdio

import (
	"log/slog"
	"sync"

	"github.com/soypat/blsdio/lmac"
)

// reorderDepth is the number of frames held per station and TID.
const reorderDepth = 64

type reorderEntry struct {
	sn    uint16
	frame *Frame
}

// reorderRing holds the frames of one station and TID in arrival order.
type reorderRing struct {
	entries [reorderDepth]reorderEntry
	head    int
	n       int
}

func (r *reorderRing) at(i int) *reorderEntry { return &r.entries[(r.head+i)%reorderDepth] }

func (r *reorderRing) push(sn uint16, f *Frame) error {
	if r.n == reorderDepth {
		return errReorderFull
	}
	for i := 0; i < r.n; i++ {
		if r.at(i).sn == sn {
			return errReorderDuplicate
		}
	}
	*r.at(r.n) = reorderEntry{sn: sn, frame: f}
	r.n++
	return nil
}

// removeAt removes entry i keeping the order of the others.
func (r *reorderRing) removeAt(i int) *Frame {
	f := r.at(i).frame
	if i == 0 {
		*r.at(0) = reorderEntry{}
		r.head = (r.head + 1) % reorderDepth
		r.n--
		return f
	}
	for j := i; j < r.n-1; j++ {
		*r.at(j) = *r.at(j + 1)
	}
	r.n--
	*r.at(r.n) = reorderEntry{}
	return f
}

// reorderTable holds frames parked by their RX descriptor until the firmware
// names them in a reorder message.
type reorderTable struct {
	mu    sync.Mutex
	rings [MaxStations * NumTID]*reorderRing
}

func (t *reorderTable) ring(sta, tid uint8, create bool) *reorderRing {
	if sta >= MaxStations || tid >= NumTID {
		return nil
	}
	r := &t.rings[int(sta)*NumTID+int(tid)]
	if *r == nil && create {
		*r = new(reorderRing)
	}
	return *r
}

func (t *reorderTable) hold(desc lmac.RxDesc, f *Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ring(desc.StaIdx, desc.TID, true)
	if r == nil {
		return errTxQueueIndex
	}
	return r.push(desc.SN%lmac.SeqWindow, f)
}

// held returns the number of frames held for sta and tid.
func (t *reorderTable) held(sta, tid uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ring(sta, tid, false)
	if r == nil {
		return 0
	}
	return r.n
}

// release removes the frames named by m from the table in sequence order,
// patches their status byte and appends them to dst. The walk restarts from
// the oldest frame after every match so that frames held out of order and
// sequence wrap to zero are both handled.
func (t *reorderTable) release(dst []*Frame, m lmac.ReorderMsg) []*Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ring(m.StaIdx, m.TID, false)
	if r == nil {
		return dst
	}
	sn := m.SN
	var count uint8
	for count < m.Num {
		i := 0
		for i < r.n && r.at(i).sn != sn {
			i++
		}
		if i == r.n {
			break
		}
		f := r.removeAt(i)
		if f.n > 0 {
			f.Bytes()[0] = m.Status
		}
		dst = append(dst, f)
		sn = (sn + 1) % lmac.SeqWindow
		count++
	}
	return dst
}

// flush removes every frame held for sta and appends them to dst.
func (t *reorderTable) flush(dst []*Frame, sta uint8) []*Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tid := uint8(0); tid < NumTID; tid++ {
		r := t.ring(sta, tid, false)
		for r != nil && r.n > 0 {
			dst = append(dst, r.removeAt(0))
		}
	}
	return dst
}

func (d *Device) rxReorder(payload []byte) {
	m, err := lmac.DecodeReorderMsg(payload)
	if err != nil {
		d.warn("rxReorder", errAttr(err))
		return
	}
	frames := d.reorder.release(d.released[:0], m)
	if len(frames) == 0 {
		d.debug("rxReorder:not found", slog.Int("sta", int(m.StaIdx)), slog.Int("tid", int(m.TID)), slog.Uint64("sn", uint64(m.SN)))
		return
	}
	d.trace("rxReorder", slog.Uint64("sn", uint64(m.SN)), slog.Int("num", int(m.Num)), slog.Int("released", len(frames)))
	for i, f := range frames {
		frames[i] = nil
		d.rxData(f)
	}
}

// FlushStation frees every frame held for reordering on behalf of station sta.
func (d *Device) FlushStation(sta uint8) {
	frames := d.reorder.flush(nil, sta)
	for _, f := range frames {
		d.release(f)
	}
	if len(frames) > 0 {
		d.debug("FlushStation", slog.Int("sta", int(sta)), slog.Int("freed", len(frames)))
	}
}
