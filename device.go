package blsdio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/blsdio/lmac"
	"golang.org/x/exp/constraints"
)

var (
	// ErrDeviceRemoved is returned by every entry point once Remove has been called.
	ErrDeviceRemoved = errors.New("device removed")

	errInvalidRxLen     = errors.New("invalid port read length")
	errShortFrame       = errors.New("frame shorter than its header")
	errNoBuffer         = errors.New("no frame available")
	errBusRetries       = errors.New("bus transfer retries exhausted")
	errCmdPortTimeout   = errors.New("timeout waiting for command port")
	errCmdQueueFull     = errors.New("command queue full")
	errCmdTooLarge      = errors.New("command too large")
	errReorderFull      = errors.New("reorder buffer full")
	errReorderDuplicate = errors.New("sequence number already held for reorder")
)

// Config configures a Device. Start from DefaultConfig.
type Config struct {
	// IOPort is the base bus address of the data ports. Must be aligned to 0x2000.
	IOPort uint32
	// BlockSize is the bus block size. Every port read is rounded up to it.
	// Must be a power of two between 16 and 4096.
	BlockSize uint32
	// Registers locates the multi-port registers within the register block.
	Registers lmac.RegMap
	// WriteClearInt enables acknowledging the host interrupt status by writing
	// back the complement of the bits that were read.
	WriteClearInt bool
	// NoAggregation reads every data port individually instead of
	// aggregating ready ports into one bulk read.
	NoAggregation bool
	// MPMode selects manufacturing-test mode: uploads and commands use the
	// fixed 2048 byte block at lmac.MPPortAddr.
	MPMode bool
	// BusRetries is how many times a failing block transfer is attempted.
	BusRetries int
	// CmdPollAttempts and CmdPollInterval bound the wait for the command port.
	CmdPollAttempts int
	CmdPollInterval time.Duration

	Logger *slog.Logger
	// Allocator provides inbound frames. If nil a pooled heap allocator is used.
	Allocator Allocator

	// OnMsgAck is called when a command has been acknowledged by the firmware
	// or abandoned, in which case err is non-nil.
	OnMsgAck func(token uint8, err error)
	// OnMsgInd receives firmware message indications starting at the message header.
	OnMsgInd func(msg []byte)
	// OnDiag receives diagnostic frames: console output, dumps and traces.
	OnDiag func(typ lmac.FrameType, payload []byte)
	// OnTxConfirm is called once per confirmed transmission.
	OnTxConfirm func(hwIdx uint16, cfm *lmac.TxConfirmation)
	// DrainTx is run at the end of every pass unless the firmware requested
	// transmit recovery. It is the hook for pushing queued frames.
	DrainTx func()
}

// DefaultConfig returns the configuration for a BL602-class part on SDIO.
func DefaultConfig() Config {
	return Config{
		IOPort:          0x10000,
		BlockSize:       512,
		Registers:       lmac.DefaultRegMap(),
		WriteClearInt:   true,
		BusRetries:      10,
		CmdPollAttempts: 200,
		CmdPollInterval: 5 * time.Millisecond,
	}
}

// Device is the host side of the SDIO transport engine. All methods are safe
// for concurrent use.
type Device struct {
	bus    Bus
	busMu  sync.Mutex
	cfg    Config
	alloc  Allocator
	logger *slog.Logger

	// msgFrame is used for control port reads when the allocator fails. Never freed.
	msgFrame      *Frame
	_traceenabled bool
	sleep         func(time.Duration)
	work          chan struct{}

	// procMu guards the pass guard state.
	procMu  sync.Mutex
	busy    bool
	rerun   bool
	lostInt bool

	// intMu guards the accumulated interrupt status and its register snapshot.
	intMu     sync.Mutex
	intStatus uint8
	irqRegs   [256]byte

	removed  atomic.Bool
	recovery atomic.Bool
	resend   atomic.Bool
	dataSent atomic.Bool

	// Owned by the active pass.
	mpRegs      [256]byte
	mpRdBitmap  atomic.Uint32
	mpWrBitmap  atomic.Uint32
	lastMsgCnt  uint16
	lastDataCnt uint16
	agg         aggBatch
	aggBuf      [lmac.MaxAggPorts * lmac.MaxRxLen]byte
	released    [reorderDepth]*Frame
	console     console
	dump        dumpState

	// cmdMu guards command submission and flush state.
	cmdMu    sync.Mutex
	cmds     cmdQueue
	cmdSent  bool
	ackSeq   uint8
	tokenSeq uint8

	// txMu guards the transmit queue registry.
	txMu  sync.Mutex
	txqs  [MaxStations * NumTID]TxQueue
	hwq   [NumHWQueues][]*TxQueue
	drain func()

	rxMu   sync.Mutex
	rcvEth func([]byte) error

	reorder reorderTable

	statsMu sync.Mutex
	stats   Stats
}

// New returns a Device that talks to the firmware over bus.
func New(bus Bus, cfg Config) (*Device, error) {
	switch {
	case bus == nil:
		return nil, errors.New("nil bus")
	case cfg.BlockSize < 16 || cfg.BlockSize > lmac.MaxRxLen || !isaligned(cfg.BlockSize, cfg.BlockSize):
		return nil, errors.New("block size must be a power of two in 16..4096")
	case !isaligned(cfg.IOPort, 0x2000):
		return nil, errors.New("io port must be aligned to 0x2000")
	case !cfg.Registers.Valid():
		return nil, errors.New("invalid register map")
	case cfg.BusRetries <= 0 || cfg.CmdPollAttempts <= 0:
		return nil, errors.New("retry counts must be positive")
	}
	d := &Device{
		bus:         bus,
		cfg:         cfg,
		alloc:       cfg.Allocator,
		logger:      cfg.Logger,
		sleep:       time.Sleep,
		work:        make(chan struct{}, 1),
		lastMsgCnt:  0xffff,
		lastDataCnt: 0xffff,
		msgFrame:    NewFrame(make([]byte, lmac.MaxRxLen)),
		drain:       cfg.DrainTx,
	}
	if d.alloc == nil {
		d.alloc = newPoolAllocator()
	}
	d._traceenabled = d.logger != nil && d.logger.Handler().Enabled(context.Background(), levelTrace)
	d.info("New",
		slog.Uint64("ioport", uint64(cfg.IOPort)),
		slog.Uint64("blocksize", uint64(cfg.BlockSize)),
		slog.Bool("mp", cfg.MPMode),
	)
	return d, nil
}

// RecvEthHandle sets handler for received Ethernet frames. The slice is only
// valid for the duration of the call.
func (d *Device) RecvEthHandle(handler func(pkt []byte) error) {
	d.rxMu.Lock()
	d.rcvEth = handler
	d.rxMu.Unlock()
}

func (d *Device) ethHandler() func([]byte) error {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	return d.rcvEth
}

// Remove marks the device as gone. Pending passes stop at their next check,
// held frames are freed and every later entry point is a no-op. Queued
// commands are abandoned with ErrDeviceRemoved.
func (d *Device) Remove() {
	if d.removed.Swap(true) {
		return
	}
	d.info("Remove")
	d.abandonCommands(ErrDeviceRemoved)
	for sta := 0; sta < MaxStations; sta++ {
		d.FlushStation(uint8(sta))
	}
}

// InRecovery reports whether the firmware has requested transmissions to stop.
func (d *Device) InRecovery() bool { return d.recovery.Load() }

// WritePortsReady returns the write port bitmap seen at the last download event.
func (d *Device) WritePortsReady() uint16 { return uint16(d.mpWrBitmap.Load()) }

// SetDataSent records whether a data frame is in flight. Cleared by the
// firmware's transmit confirmations.
func (d *Device) SetDataSent(sent bool) { d.dataSent.Store(sent) }

// SetResend requests that the current pass stops after its upload step so the
// transmit path can resend.
func (d *Device) SetResend(resend bool) { d.resend.Store(resend) }

// release returns f to the allocator. The reserved message frame is kept.
func (d *Device) release(f *Frame) {
	if f == nil || f == d.msgFrame {
		return
	}
	d.alloc.Free(f)
}

func (d *Device) readReg(addr uint32) (uint8, error) {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	return d.bus.ReadReg(addr)
}

func (d *Device) writeReg(addr uint32, val uint8) error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	return d.bus.WriteReg(addr, val)
}

// readBlock reads dst from addr, retrying up to the configured count.
func (d *Device) readBlock(dst []byte, addr uint32) error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	return retry(d.cfg.BusRetries, func() error { return d.bus.ReadBlock(dst, addr) })
}

func (d *Device) writeBlock(src []byte, addr uint32) error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	return retry(d.cfg.BusRetries, func() error { return d.bus.WriteBlock(src, addr) })
}

// alignup rounds `val` up to nearest multiple of `alignup`. `alignup` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}
