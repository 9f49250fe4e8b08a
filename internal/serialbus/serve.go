package serialbus

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/soypat/blsdio"
)

// StatusBusError is the response status sent by Serve when bus fails a transfer.
const StatusBusError = 1

// Serve answers bridge requests read from rw by performing them on bus. It
// is the host side reference of the bridge firmware and runs until rw
// returns an error. io.EOF is reported as a nil error.
func Serve(rw io.ReadWriter, bus blsdio.Bus) error {
	var hdr [reqHeaderLen]byte
	buf := make([]byte, MaxTransfer)
	for {
		_, err := io.ReadFull(rw, hdr[:])
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		op := hdr[0]
		addr := binary.LittleEndian.Uint32(hdr[1:])
		n := int(binary.LittleEndian.Uint16(hdr[5:]))
		data := buf[:n]
		var reply []byte
		switch op {
		case OpReadReg:
			var v uint8
			v, err = bus.ReadReg(addr)
			buf[0] = v
			reply = buf[:1]
		case OpWriteReg:
			if _, err = io.ReadFull(rw, data); err != nil {
				return err
			}
			err = bus.WriteReg(addr, data[0])
		case OpReadBlock:
			err = bus.ReadBlock(data, addr)
			reply = data
		case OpWriteBlock:
			if _, err = io.ReadFull(rw, data); err != nil {
				return err
			}
			err = bus.WriteBlock(data, addr)
		default:
			return errors.New("serialbus: unknown op " + string(op))
		}
		var resp [respHeaderLen]byte
		if err != nil {
			resp[0] = StatusBusError
			reply = nil
		}
		binary.LittleEndian.PutUint16(resp[1:], uint16(len(reply)))
		if _, err = rw.Write(resp[:]); err != nil {
			return err
		}
		if len(reply) > 0 {
			if _, err = rw.Write(reply); err != nil {
				return err
			}
		}
	}
}
