package blsdio

import (
	"testing"

	"github.com/soypat/blsdio/lmac"
)

func txcfmPayload(cfm lmac.TxConfirmation) []byte {
	b := make([]byte, lmac.TxCfmLen)
	cfm.Put(b)
	return b
}

func TestTxConfirmCredits(t *testing.T) {
	bus := newFakeBus()
	var confirms int
	d, alloc := newTestDevice(t, bus, func(c *Config) {
		c.OnTxConfirm = func(uint16, *lmac.TxConfirmation) { confirms++ }
	})
	q, err := d.EnableTxQueue(1, 2, TxQueueConfig{HWQueue: 1, Capacity: 10})
	if err != nil {
		t.Fatal(err)
	}
	d.SetPushLimit(q, 2)
	d.SetDataSent(true)
	deliverCtrl(t, d, bus, lmac.TypeTXCFM, txcfmPayload(lmac.TxConfirmation{
		Count:     2,
		Credits:   3,
		AMPDUSize: 4,
		AMSDUSize: 1500,
		StaIdx:    1,
		TID:       2,
		Status:    lmac.TxStatusDone | lmac.TxStatusAcknowledged,
	}))
	if confirms != 2 {
		t.Errorf("want 2 confirmations reported, got %d", confirms)
	}
	if got := d.Credits(q); got != 3 {
		t.Errorf("want 3 credits, got %d", got)
	}
	if d.PopActive(1) != q {
		t.Error("push limited queue not activated")
	}
	if d.PopActive(1) != nil {
		t.Error("queue activated twice")
	}
	if d.AMSDULen(q) != 1500 {
		t.Error("A-MSDU length not recorded")
	}
	st := d.Stats()
	if st.AMPDUSizes[3] != 1 || st.TxConfirms != 1 || st.LastTx.IsZero() {
		t.Errorf("bad stats: %+v", st)
	}
	if d.dataSent.Load() {
		t.Error("confirmation did not clear data sent")
	}
	alloc.checkAllReleased(t)
}

func TestTxConfirmSingleRetryKeepsCredits(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDevice(t, bus, nil)
	q, err := d.EnableTxQueue(0, 0, TxQueueConfig{Credits: 1})
	if err != nil {
		t.Fatal(err)
	}
	d.SetPushLimit(q, 1)
	deliverCtrl(t, d, bus, lmac.TypeTXCFM, txcfmPayload(lmac.TxConfirmation{
		Count:   1,
		Credits: 5,
		Status:  lmac.TxStatusRetryRequired,
	}))
	if got := d.Credits(q); got != 1 {
		t.Errorf("credits changed on retry: %d", got)
	}
	if d.PopActive(0) != nil {
		t.Error("queue activated on retry")
	}

	// Retry flags on a batch of confirmations do not stop credit accounting.
	deliverCtrl(t, d, bus, lmac.TypeTXCFM, txcfmPayload(lmac.TxConfirmation{
		Count:   2,
		Credits: 5,
		Status:  lmac.TxStatusSWRetryRequired,
	}))
	if got := d.Credits(q); got != 6 {
		t.Errorf("want 6 credits, got %d", got)
	}
}

func TestTxConfirmUnknownQueue(t *testing.T) {
	bus := newFakeBus()
	d, alloc := newTestDevice(t, bus, nil)
	q, err := d.EnableTxQueue(3, 0, TxQueueConfig{})
	if err != nil {
		t.Fatal(err)
	}
	d.DisableTxQueue(q)
	deliverCtrl(t, d, bus, lmac.TypeTXCFM, txcfmPayload(lmac.TxConfirmation{Count: 1, Credits: 2, StaIdx: 3}))
	deliverCtrl(t, d, bus, lmac.TypeTXCFM, txcfmPayload(lmac.TxConfirmation{Count: 1, Credits: 2, StaIdx: MaxStations}))
	if got := d.Credits(q); got != 0 {
		t.Errorf("disabled queue got %d credits", got)
	}
	if d.Stats().TxConfirms != 0 {
		t.Error("confirmation without queue counted")
	}
	alloc.checkAllReleased(t)
}

func TestTxConfirmNegativeCredits(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDevice(t, bus, nil)
	q, err := d.EnableTxQueue(0, 1, TxQueueConfig{Credits: 2})
	if err != nil {
		t.Fatal(err)
	}
	deliverCtrl(t, d, bus, lmac.TypeTXCFM, txcfmPayload(lmac.TxConfirmation{Count: 1, Credits: -4, TID: 1}))
	if got := d.Credits(q); got != 2 {
		t.Errorf("want credits unchanged, got %d", got)
	}
}

func TestConsumeCredit(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDevice(t, bus, nil)
	q, err := d.EnableTxQueue(0, 0, TxQueueConfig{Credits: 1, HWQueue: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !d.ConsumeCredit(q) {
		t.Fatal("want credit available")
	}
	if d.ConsumeCredit(q) {
		t.Fatal("consumed credit that does not exist")
	}
	if d.Credits(q) != 0 {
		t.Error("credits negative")
	}
	d.AddQueued(q, 3)
	if d.PopActive(2) != nil {
		t.Error("queue without credits activated")
	}
	_, err = d.EnableTxQueue(MaxStations, 0, TxQueueConfig{})
	if err == nil {
		t.Error("want error for station out of range")
	}
	_, err = d.EnableTxQueue(0, 0, TxQueueConfig{HWQueue: NumHWQueues})
	if err == nil {
		t.Error("want error for hardware queue out of range")
	}
}

func TestPopActiveOrder(t *testing.T) {
	bus := newFakeBus()
	d, _ := newTestDevice(t, bus, nil)
	var qs []*TxQueue
	for tid := uint8(0); tid < 3; tid++ {
		q, err := d.EnableTxQueue(0, tid, TxQueueConfig{Credits: 1})
		if err != nil {
			t.Fatal(err)
		}
		d.AddQueued(q, 1)
		qs = append(qs, q)
	}
	d.DisableTxQueue(qs[1])
	if q := d.PopActive(0); q != qs[0] {
		t.Error("want first queue")
	}
	if q := d.PopActive(0); q != qs[2] {
		t.Error("want third queue, second was disabled")
	}
	if q := d.PopActive(0); q != nil {
		t.Error("want empty list")
	}
}
