package lmac

import (
	"encoding/binary"
	"errors"
)

// TxStatus holds the per-record status flags of a transmit confirmation.
type TxStatus uint32

const (
	TxStatusDone            TxStatus = 1 << 0
	TxStatusRetryRequired   TxStatus = 1 << 1
	TxStatusSWRetryRequired TxStatus = 1 << 2
	TxStatusAcknowledged    TxStatus = 1 << 3
)

// NeedsRetry reports whether the firmware asks the host to resend the frame.
func (s TxStatus) NeedsRetry() bool {
	return s&(TxStatusRetryRequired|TxStatusSWRetryRequired) != 0
}

// TxConfirmation is the payload of a TXCFM frame. It confirms Count frames
// queued on the hardware queue named by the frame header index.
type TxConfirmation struct {
	SN        uint16
	Timestamp uint16
	Count     uint16
	// Credits is the number of credits returned to the (StaIdx, TID) queue.
	Credits   int8
	AMPDUSize uint8
	AMSDUSize uint16
	StaIdx    uint8
	TID       uint8
	Status    TxStatus
}

var errShortTxCfm = errors.New("lmac: TXCFM payload shorter than confirmation header")

// DecodeTxConfirmation decodes a transmit confirmation header.
func DecodeTxConfirmation(b []byte) (cfm TxConfirmation, err error) {
	if len(b) < TxCfmLen {
		return cfm, errShortTxCfm
	}
	cfm.SN = binary.LittleEndian.Uint16(b)
	cfm.Timestamp = binary.LittleEndian.Uint16(b[2:])
	cfm.Count = binary.LittleEndian.Uint16(b[4:])
	cfm.Credits = int8(b[6])
	cfm.AMPDUSize = b[7]
	cfm.AMSDUSize = binary.LittleEndian.Uint16(b[8:])
	cfm.StaIdx = b[10]
	cfm.TID = b[11]
	cfm.Status = TxStatus(binary.LittleEndian.Uint32(b[12:]))
	return cfm, nil
}

// Put puts all 16 bytes of the confirmation in dst. Panics if dst is shorter than TxCfmLen.
func (c *TxConfirmation) Put(dst []byte) {
	_ = dst[TxCfmLen-1]
	binary.LittleEndian.PutUint16(dst, c.SN)
	binary.LittleEndian.PutUint16(dst[2:], c.Timestamp)
	binary.LittleEndian.PutUint16(dst[4:], c.Count)
	dst[6] = byte(c.Credits)
	dst[7] = c.AMPDUSize
	binary.LittleEndian.PutUint16(dst[8:], c.AMSDUSize)
	dst[10] = c.StaIdx
	dst[11] = c.TID
	binary.LittleEndian.PutUint32(dst[12:], uint32(c.Status))
}

// SeqWindow is the modulus of 802.11 sequence numbers.
const SeqWindow = 4096

// ReorderMsg releases Num held frames of (StaIdx, TID) starting at sequence SN.
type ReorderMsg struct {
	SN     uint16
	Num    uint8
	StaIdx uint8
	TID    uint8
	// Status is written over the leading status byte of every released frame.
	Status uint8
}

var errShortReorder = errors.New("lmac: reorder message too short")

// DecodeReorderMsg decodes an AGG_REORD_MSG payload.
func DecodeReorderMsg(b []byte) (m ReorderMsg, err error) {
	if len(b) < ReorderMsgLen {
		return m, errShortReorder
	}
	m.SN = binary.LittleEndian.Uint16(b) % SeqWindow
	m.Num = b[2]
	m.StaIdx = b[3]
	m.TID = b[4]
	m.Status = b[5]
	return m, nil
}

// Put puts all 8 bytes of the reorder message in dst. Panics if dst is shorter than ReorderMsgLen.
func (m *ReorderMsg) Put(dst []byte) {
	_ = dst[ReorderMsgLen-1]
	binary.LittleEndian.PutUint16(dst, m.SN)
	dst[2] = m.Num
	dst[3] = m.StaIdx
	dst[4] = m.TID
	dst[5] = m.Status
	dst[6], dst[7] = 0, 0
}
