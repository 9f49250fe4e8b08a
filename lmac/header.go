package lmac

import (
	"encoding/binary"
	"errors"
	"strconv"
)

// FrameType is the type field of the frame header.
type FrameType uint16

// Frame types in the order the firmware enumerates them.
const (
	TypeMSG FrameType = iota
	TypeACK
	TypeDBG
	TypeDATA
	TypeTXCFM
	TypeAggReordMsg
	TypeDbgDumpStart
	TypeDbgDumpEnd
	TypeDbgLATrace
	TypeDbgRHDDesc
	TypeDbgRBDDesc
	TypeDbgTxDesc
	TypeDumpInfo
	TypeTxStop
	TypeTxResume
	typeMax
)

func (t FrameType) String() (s string) {
	switch t {
	case TypeMSG:
		s = "MSG"
	case TypeACK:
		s = "ACK"
	case TypeDBG:
		s = "DBG"
	case TypeDATA:
		s = "DATA"
	case TypeTXCFM:
		s = "TXCFM"
	case TypeAggReordMsg:
		s = "AGG_REORD_MSG"
	case TypeDbgDumpStart:
		s = "DBG_DUMP_START"
	case TypeDbgDumpEnd:
		s = "DBG_DUMP_END"
	case TypeDbgLATrace:
		s = "DBG_LA_TRACE"
	case TypeDbgRHDDesc:
		s = "DBG_RHD_DESC"
	case TypeDbgRBDDesc:
		s = "DBG_RBD_DESC"
	case TypeDbgTxDesc:
		s = "DBG_TX_DESC"
	case TypeDumpInfo:
		s = "DUMP_INFO"
	case TypeTxStop:
		s = "TX_STOP"
	case TypeTxResume:
		s = "TX_RESUME"
	default:
		s = "FrameType(" + strconv.Itoa(int(t)) + ")"
	}
	return s
}

// IsValid reports whether t is a known frame type.
func (t FrameType) IsValid() bool { return t < typeMax }

// IsDiagnostic reports whether t is forwarded to the diagnostics collector.
func (t FrameType) IsDiagnostic() bool {
	switch t {
	case TypeDBG, TypeDbgDumpStart, TypeDbgDumpEnd, TypeDbgLATrace, TypeDumpInfo,
		TypeDbgRHDDesc, TypeDbgRBDDesc, TypeDbgTxDesc:
		return true
	}
	return false
}

// Header is the 8 byte little endian header leading every frame on the bus.
type Header struct {
	Length uint16 // Payload length, header excluded.
	Type   FrameType
	Index  uint16 // Queue or hardware queue index.
	// Reserved holds the rolling message counter. On data ports the low nibble
	// is the pad length between header and payload and the counter is in the upper 12 bits.
	Reserved uint16
}

var errShortHeader = errors.New("lmac: buffer shorter than frame header")

// DecodeHeader decodes the frame header at the start of b. Panics if b is shorter than HeaderLen.
func DecodeHeader(b []byte) (hdr Header) {
	_ = b[HeaderLen-1]
	hdr.Length = binary.LittleEndian.Uint16(b)
	hdr.Type = FrameType(binary.LittleEndian.Uint16(b[2:]))
	hdr.Index = binary.LittleEndian.Uint16(b[4:])
	hdr.Reserved = binary.LittleEndian.Uint16(b[6:])
	return hdr
}

// ParseHeader is DecodeHeader with a length check.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, errShortHeader
	}
	return DecodeHeader(b), nil
}

// Put puts all 8 bytes of the header in dst. Panics if dst is shorter than HeaderLen.
func (h *Header) Put(dst []byte) {
	_ = dst[HeaderLen-1]
	binary.LittleEndian.PutUint16(dst, h.Length)
	binary.LittleEndian.PutUint16(dst[2:], uint16(h.Type))
	binary.LittleEndian.PutUint16(dst[4:], h.Index)
	binary.LittleEndian.PutUint16(dst[6:], h.Reserved)
}

// PadLen returns the pad length of a data port frame.
func (h Header) PadLen() uint8 { return uint8(h.Reserved & 0xf) }

// DataSeq returns the rolling message counter of a data port frame.
func (h Header) DataSeq() uint16 { return (h.Reserved & 0xfff0) >> 4 }

func (h Header) String() string {
	return "lmac.Header{len=" + strconv.Itoa(int(h.Length)) +
		" type=" + h.Type.String() +
		" idx=" + strconv.Itoa(int(h.Index)) +
		" rsv=" + strconv.Itoa(int(h.Reserved)) + "}"
}
