package lmac

import (
	"encoding/binary"
	"errors"
	"strconv"
)

// TaskID identifies a firmware task or the driver as message source or destination.
type TaskID uint16

const (
	TaskMM TaskID = iota
	TaskDBG
	TaskSCAN
	TaskTDLS
	TaskSCANU
	TaskME
	TaskSM
	TaskAPM
	TaskBAM
	TaskMESH
	TaskRXU
	TaskAPI
	TaskMP
	taskMax

	// TaskDrv is the task identifier of the host driver.
	TaskDrv TaskID = 100
)

func (t TaskID) String() string {
	const names = "MMDBGSCANTDLSSCANUMESMAPMBAMMESHRXUAPIMP"
	var idx = [...]uint8{0, 2, 5, 9, 13, 18, 20, 22, 25, 28, 32, 35, 38, 40}
	if t < taskMax {
		return names[idx[t]:idx[t+1]]
	} else if t == TaskDrv {
		return "DRV"
	}
	return "TaskID(" + strconv.Itoa(int(t)) + ")"
}

// MsgID is an LMAC message identifier. Bits [15:10] hold the task index and
// bits [9:0] the message index within the task.
type MsgID uint16

// FirstMsg returns the first message identifier belonging to task.
func FirstMsg(task TaskID) MsgID { return MsgID(task << 10) }

// Task returns the task the message belongs to.
func (m MsgID) Task() TaskID {
	return TaskID(m >> 10)
}

// Index returns the message index within its task.
func (m MsgID) Index() uint16 {
	return uint16(m) & 0x3ff
}

func (m MsgID) String() string {
	return m.Task().String() + ":" + strconv.Itoa(int(m.Index()))
}

// Manufacturing test messages.
const (
	MPTestReq = MsgID(TaskMP<<10) + iota
	MPTestCfm
)

// MsgHeader follows the frame header on MSG frames and on every command sent to the firmware.
type MsgHeader struct {
	ID       MsgID
	DestID   TaskID
	SrcID    TaskID
	ParamLen uint16
}

var errShortMsg = errors.New("lmac: buffer shorter than message header")

// DecodeMsgHeader decodes the message header at the start of b.
func DecodeMsgHeader(b []byte) (hdr MsgHeader, err error) {
	if len(b) < MsgHeaderLen {
		return hdr, errShortMsg
	}
	hdr.ID = MsgID(binary.LittleEndian.Uint16(b))
	hdr.DestID = TaskID(binary.LittleEndian.Uint16(b[2:]))
	hdr.SrcID = TaskID(binary.LittleEndian.Uint16(b[4:]))
	hdr.ParamLen = binary.LittleEndian.Uint16(b[6:])
	return hdr, nil
}

// Put puts all 8 bytes of the message header in dst. Panics if dst is shorter than MsgHeaderLen.
func (m *MsgHeader) Put(dst []byte) {
	_ = dst[MsgHeaderLen-1]
	binary.LittleEndian.PutUint16(dst, uint16(m.ID))
	binary.LittleEndian.PutUint16(dst[2:], uint16(m.DestID))
	binary.LittleEndian.PutUint16(dst[4:], uint16(m.SrcID))
	binary.LittleEndian.PutUint16(dst[6:], m.ParamLen)
}

// CommandLen returns the unpadded length of a command frame carrying paramLen parameter bytes.
func CommandLen(paramLen int) int { return HeaderLen + MsgHeaderLen + paramLen }

var errShortCommandBuf = errors.New("lmac: buffer too short for command")

// PutCommand encodes a command frame with frame header, message header and
// param into dst and returns the number of bytes written. The frame header
// counter carries token so the firmware can echo it in its acknowledgment.
func PutCommand(dst []byte, token uint8, msg MsgHeader, param []byte) (int, error) {
	n := CommandLen(len(param))
	if len(dst) < n {
		return 0, errShortCommandBuf
	}
	msg.ParamLen = uint16(len(param))
	hdr := Header{
		Length:   uint16(MsgHeaderLen + len(param)),
		Type:     TypeMSG,
		Reserved: uint16(token),
	}
	hdr.Put(dst)
	msg.Put(dst[HeaderLen:])
	copy(dst[HeaderLen+MsgHeaderLen:], param)
	return n, nil
}

// RX descriptor status values.
const (
	// RxStatForward hands the frame up the network stack.
	RxStatForward = 0x01
	// RxStatDelete drops the frame.
	RxStatDelete = 0x04
	// RxStatHold parks the frame until an aggregation reorder message names it.
	RxStatHold = 0x10
)

// RxDesc leads the payload of every DATA frame.
type RxDesc struct {
	Status uint8
	Flags  uint8
	StaIdx uint8
	TID    uint8
	SN     uint16
}

var errShortRxDesc = errors.New("lmac: DATA payload shorter than rx descriptor")

// DecodeRxDesc decodes the RX descriptor at the start of a DATA payload.
func DecodeRxDesc(b []byte) (d RxDesc, err error) {
	if len(b) < RxDescLen {
		return d, errShortRxDesc
	}
	d.Status = b[0]
	d.Flags = b[1]
	d.StaIdx = b[2]
	d.TID = b[3]
	d.SN = binary.LittleEndian.Uint16(b[4:])
	return d, nil
}

// Put puts all 8 bytes of the RX descriptor in dst. Panics if dst is shorter than RxDescLen.
func (d *RxDesc) Put(dst []byte) {
	_ = dst[RxDescLen-1]
	dst[0] = d.Status
	dst[1] = d.Flags
	dst[2] = d.StaIdx
	dst[3] = d.TID
	binary.LittleEndian.PutUint16(dst[4:], d.SN)
	dst[6], dst[7] = 0, 0
}
