// Package tap opens Linux TAP interfaces so that Ethernet frames received
// from the firmware can be handed to the host network stack.
package tap

import (
	"errors"
	"fmt"
)

// MaxFrameLen is the largest Ethernet frame read from the interface.
const MaxFrameLen = 1514

var errClosed = errors.New("tap: device closed")

// Device is an open TAP interface.
type Device struct {
	fd   int
	name string
}

// Name returns the interface name assigned by the kernel.
func (d *Device) Name() string { return d.name }

func (d *Device) String() string { return fmt.Sprintf("tap(%s)", d.name) }
