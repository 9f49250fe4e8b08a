package blsdio

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/soypat/blsdio/lmac"
)

const (
	signatureBanner = "***MAC Signed:"
	// maxLATrace bounds the logic analyzer trace collected during a dump.
	maxLATrace = 64 * 1024
)

type console struct {
	mu        sync.Mutex
	signature string
}

// dumpState collects a firmware debug dump between its start and end frames.
type dumpState struct {
	armed bool
	trace []byte
	info  []byte
}

// FirmwareSignature returns the signature banner printed by the firmware
// console or the empty string if none has been seen.
func (d *Device) FirmwareSignature() string {
	d.console.mu.Lock()
	defer d.console.mu.Unlock()
	return d.console.signature
}

func (d *Device) rxDiag(typ lmac.FrameType, payload []byte) {
	switch typ {
	case lmac.TypeDBG:
		if i := bytes.IndexByte(payload, 0); i >= 0 {
			payload = payload[:i]
		}
		line := string(bytes.TrimRight(payload, "\r\n"))
		d.logattrs(levelFirmware, line)
		if i := bytes.Index(payload, []byte(signatureBanner)); i >= 0 {
			d.console.mu.Lock()
			d.console.signature = string(bytes.TrimSpace(payload[i+len(signatureBanner):]))
			d.console.mu.Unlock()
		}
		d.diag(typ, payload)

	case lmac.TypeDbgDumpStart:
		if d.dump.armed {
			d.debug("rxDiag:dump already started")
			return
		}
		d.warn("rxDiag:dump start")
		d.dump.armed = true
		d.dump.trace = d.dump.trace[:0]
		d.dump.info = d.dump.info[:0]

	case lmac.TypeDbgLATrace:
		if !d.dump.armed {
			return
		}
		room := maxLATrace - len(d.dump.trace)
		if len(payload) > room {
			payload = payload[:room]
		}
		d.dump.trace = append(d.dump.trace, payload...)

	case lmac.TypeDumpInfo:
		d.dump.info = append(d.dump.info[:0], payload...)

	case lmac.TypeDbgDumpEnd:
		if !d.dump.armed {
			d.debug("rxDiag:dump end without start")
			return
		}
		d.dump.armed = false
		d.warn("rxDiag:dump end", slog.Int("trace", len(d.dump.trace)), slog.Int("info", len(d.dump.info)))
		if len(d.dump.info) > 0 {
			d.diag(lmac.TypeDumpInfo, d.dump.info)
		}
		d.diag(typ, d.dump.trace)

	default:
		d.debug("rxDiag", slog.String("type", typ.String()), slog.Int("len", len(payload)))
		d.diag(typ, payload)
	}
}

func (d *Device) diag(typ lmac.FrameType, payload []byte) {
	if d.cfg.OnDiag != nil {
		d.cfg.OnDiag(typ, payload)
	}
}
