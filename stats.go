package blsdio

import "time"

// Stats counts engine activity since the Device was created.
type Stats struct {
	Interrupts     uint64 // Interrupt calls.
	Passes         uint64 // Main loop pass bodies run.
	LostInterrupts uint64 // Triggers coalesced into a rerun.
	Aborts         uint64 // Passes stopped early by an error or resend request.

	RxFrames     uint64 // Frames handed to the decoder.
	RxDuplicates uint64 // Frames dropped for a repeated counter.
	RxDropped    uint64 // Frames read without a buffer or with bad padding.
	AggReads     uint64 // Aggregated data port reads.

	CmdWritten    uint64
	CmdTimeouts   uint64
	AckMismatches uint64

	TxConfirms uint64
	// AMPDUSizes is a histogram of confirmed A-MPDU sizes. Index i counts size i+1.
	AMPDUSizes [maxAMPDUSize - 1]uint32

	LastRx time.Time
	LastTx time.Time
}

const maxAMPDUSize = 64

// Stats returns a snapshot of the engine counters.
func (d *Device) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Device) count(fn func(s *Stats)) {
	d.statsMu.Lock()
	fn(&d.stats)
	d.statsMu.Unlock()
}
