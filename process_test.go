package blsdio

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soypat/blsdio/lmac"
)

func TestProcessCoalescesRerun(t *testing.T) {
	bus := newFakeBus()
	var drains atomic.Int32
	d, alloc := newTestDevice(t, bus, func(c *Config) {
		c.DrainTx = func() { drains.Add(1) }
	})
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	bus.onRead = func(uint32) {
		once.Do(func() {
			close(started)
			<-unblock
		})
	}
	bus.setReady(lmac.UpLdHostIntStatus, map[uint8]uint16{1: 64})

	done := make(chan error)
	go func() { done <- d.Interrupt() }()
	<-started

	// Pass in progress: triggers must not run a second body.
	if err := d.Process(); err != nil {
		t.Fatal(err)
	}
	d.QueueWork()
	if got := drains.Load(); got != 0 {
		t.Fatalf("pass body ran concurrently: %d drains", got)
	}
	select {
	case <-d.work:
		t.Fatal("work queued while busy")
	default:
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := drains.Load(); got != 2 {
		t.Errorf("want exactly 2 passes, got %d", got)
	}
	st := d.Stats()
	if st.Passes != 2 || st.LostInterrupts != 1 {
		t.Errorf("want 2 passes and 1 lost interrupt, got %d and %d", st.Passes, st.LostInterrupts)
	}
	if !d.lostInt {
		t.Error("rerun pass not marked as possible lost interrupt")
	}
	alloc.checkAllReleased(t)
}

func TestRecoveryGatesDrain(t *testing.T) {
	bus := newFakeBus()
	var drains int
	d, alloc := newTestDevice(t, bus, func(c *Config) {
		c.DrainTx = func() { drains++ }
	})
	deliverCtrl(t, d, bus, lmac.TypeTxStop, nil)
	if !d.InRecovery() {
		t.Fatal("TX_STOP did not enter recovery")
	}
	if drains != 0 {
		t.Error("drained during recovery")
	}
	deliverCtrl(t, d, bus, lmac.TypeTxResume, nil)
	if d.InRecovery() {
		t.Fatal("TX_RESUME did not leave recovery")
	}
	if drains != 1 {
		t.Errorf("want 1 drain after resume, got %d", drains)
	}
	alloc.checkAllReleased(t)
}

func TestAbortKeepsUnservedStatus(t *testing.T) {
	bus := newFakeBus()
	d, alloc := newTestDevice(t, bus, nil)
	bus.setReady(lmac.UpLdHostIntStatus|lmac.DnLdHostIntStatus, map[uint8]uint16{1: 2})
	bus.setWriteBitmap(0b1110)
	err := d.Interrupt()
	if err != errInvalidRxLen {
		t.Fatalf("want errInvalidRxLen, got %v", err)
	}
	if d.WritePortsReady() != 0 {
		t.Fatal("download ran on aborted pass")
	}
	err = d.Process()
	if err != nil {
		t.Fatal(err)
	}
	if d.WritePortsReady() != 0b1110 {
		t.Errorf("download bit lost on abort: write bitmap %#b", d.WritePortsReady())
	}
	if d.Stats().Aborts != 1 {
		t.Error("abort not counted")
	}
	alloc.checkAllReleased(t)
}

func TestResendStopsPass(t *testing.T) {
	bus := newFakeBus()
	var drains int
	d, _ := newTestDevice(t, bus, func(c *Config) {
		c.DrainTx = func() { drains++ }
	})
	d.SetResend(true)
	bus.setReady(lmac.UpLdHostIntStatus|lmac.DnLdHostIntStatus, nil)
	bus.setWriteBitmap(0b10)
	err := d.Interrupt()
	if err != nil {
		t.Fatal(err)
	}
	if drains != 0 || d.WritePortsReady() != 0 {
		t.Error("pass continued after resend request")
	}
	d.SetResend(false)
	err = d.Process()
	if err != nil {
		t.Fatal(err)
	}
	if drains != 1 || d.WritePortsReady() != 0b10 {
		t.Error("pass did not complete after resend cleared")
	}
}

func TestRunProcessesQueuedWork(t *testing.T) {
	bus := newFakeBus()
	drained := make(chan struct{}, 1)
	d, _ := newTestDevice(t, bus, func(c *Config) {
		c.DrainTx = func() {
			select {
			case drained <- struct{}{}:
			default:
			}
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx, 0) }()
	d.QueueWork()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("queued work not processed")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestRunPollsStatus(t *testing.T) {
	bus := newFakeBus()
	var sink ethSink
	got := make(chan struct{})
	var once sync.Once
	d, alloc := newTestDevice(t, bus, nil)
	d.RecvEthHandle(func(pkt []byte) error {
		sink.recv(pkt)
		once.Do(func() { close(got) })
		return nil
	})
	// No interrupt status set: the poller must synthesize the upload event.
	bus.setReady(0, map[uint8]uint16{1: 64})
	bus.respond(testIOPort+1, frameBytes(lmac.TypeDATA, dataSeq(1, 0), 0, dataPayload(lmac.RxStatForward, 0, 0, 0, []byte("hi")), 64))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx, time.Millisecond) }()
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not deliver frame")
	}
	cancel()
	<-done
	if string(sink.pkts[0]) != "hi" {
		t.Errorf("bad packet %q", sink.pkts[0])
	}
	alloc.checkAllReleased(t)
}
