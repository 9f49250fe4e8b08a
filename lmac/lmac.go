// Package lmac implements the wire format shared between the host and the
// BL602-class wireless firmware over the SDIO function bus.
package lmac

const (
	// HeaderLen is the size of the frame header that prefixes every frame on the bus.
	HeaderLen = 8
	// MsgHeaderLen is the size of the LMAC message header that follows the frame header
	// on command and indication frames.
	MsgHeaderLen = 8
	// RxDescLen is the size of the receive descriptor that leads every DATA payload.
	RxDescLen = 8
	// TxCfmLen is the size of a transmit confirmation header.
	TxCfmLen = 16
	// ReorderMsgLen is the size of an aggregation reorder message.
	ReorderMsgLen = 8
)

// Bus limits.
const (
	// NumPorts is the number of function ports addressable through the port bitmaps.
	NumPorts = 16
	// CtrlPort carries commands, acknowledgments and firmware messages.
	CtrlPort = 0
	// CtrlPortMask is the bitmap bit belonging to CtrlPort.
	CtrlPortMask = 1 << CtrlPort
	// DataPortsMask selects every port but the control port.
	DataPortsMask = 0xfffe
	// MaxRxLen is the largest transfer length a port may report. Anything
	// above is treated as register corruption.
	MaxRxLen = 4096
	// MaxAggPorts bounds the number of ports read in one aggregated transfer.
	MaxAggPorts = 8
	// MPAAddrBase is OR'd into the I/O port address to request a multi-port aggregated read.
	MPAAddrBase = 0x1000
	// MPPortAddr is the port address used for raw transfers in manufacturing mode.
	MPPortAddr = 0x10000
	// MPBlockLen is the fixed transfer length of manufacturing mode.
	MPBlockLen = 2048
	// RegPort is the port address of the multi-port register block.
	RegPort = 0
)

// Host interrupt status bits.
const (
	UpLdHostIntStatus = 0x01 // Firmware has data for the host.
	DnLdHostIntStatus = 0x02 // Firmware can accept data from the host.
	HostIntStatusMask = 0x3f
)

// RegMap holds the offsets of the registers the engine consumes within the
// multi-port register block.
type RegMap struct {
	HostIntStatus uint8
	RdBitmapL     uint8
	RdBitmapU     uint8
	WrBitmapL     uint8
	WrBitmapU     uint8
	// RdLenP0L and RdLenP0U are the length registers of port 0. Port n registers
	// live 2*n bytes further.
	RdLenP0L uint8
	RdLenP0U uint8
	// MaxMPRegs is the size of the register block read on every status snapshot.
	MaxMPRegs uint8
	// Config is the card configuration register written to signal a host fault.
	Config uint8
}

// DefaultRegMap returns the register layout of the BL602 SDIO function.
func DefaultRegMap() RegMap {
	return RegMap{
		HostIntStatus: 0x03,
		RdBitmapL:     0x04,
		RdBitmapU:     0x05,
		WrBitmapL:     0x06,
		WrBitmapU:     0x07,
		RdLenP0L:      0x08,
		RdLenP0U:      0x09,
		MaxMPRegs:     0x40,
		Config:        0x00,
	}
}

// ConfigHostFault is set in the configuration register to terminate the current
// firmware transfer after a host side failure.
const ConfigHostFault = 0x04

// Valid reports whether every register lies within the snapshot block.
func (r RegMap) Valid() bool {
	last := uint16(r.RdLenP0U) + 2*(NumPorts-1)
	return r.MaxMPRegs > 0 && last < uint16(r.MaxMPRegs) &&
		r.HostIntStatus < r.MaxMPRegs && r.RdBitmapU < r.MaxMPRegs && r.WrBitmapU < r.MaxMPRegs
}

// Bitmap assembles a 16-bit port bitmap from its low and high register bytes.
func Bitmap(lo, hi uint8) uint16 {
	return uint16(lo) | uint16(hi)<<8
}

// RxLen returns the transfer length port reports in the register snapshot regs.
func (r RegMap) RxLen(regs []byte, port uint8) uint16 {
	lo := regs[int(r.RdLenP0L)+2*int(port)]
	hi := regs[int(r.RdLenP0U)+2*int(port)]
	return uint16(hi)<<8 | uint16(lo)
}

// AggregatedAddr returns the bus address of a multi-port read starting at start
// covering the ports set in mask. Bit i of mask represents port start+i, which bounds
// a single aggregated read to MaxAggPorts consecutive ports. ioport must be aligned
// to 0x2000.
func AggregatedAddr(ioport uint32, mask uint8, start uint8) uint32 {
	return (ioport | MPAAddrBase | uint32(mask)<<4) + uint32(start)
}

// SplitAggregatedAddr is the inverse of AggregatedAddr.
// ok is false if addr is not an aggregated address.
func SplitAggregatedAddr(addr uint32) (ioport uint32, mask uint8, start uint8, ok bool) {
	low := addr & 0x1fff
	if low&MPAAddrBase == 0 {
		return addr &^ 0x1fff, 0, 0, false
	}
	return addr &^ 0x1fff, uint8(low >> 4), uint8(low & 0xf), true
}
