//go:build linux

package tap

import (
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpen(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating TAP interfaces requires root")
	}
	dev, err := Open("bltest%d")
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EPERM) {
		t.Skip("no TUN/TAP support:", err)
	} else if err != nil {
		t.Fatal(err)
	}
	if dev.Name() == "" || dev.Name() == "bltest%d" {
		t.Errorf("kernel did not assign a name: %q", dev.Name())
	}
	err = dev.Close()
	if err != nil {
		t.Fatal(err)
	}
	if dev.Close() != errClosed {
		t.Error("want errClosed on second close")
	}
	if dev.WritePacket(make([]byte, 60)) != errClosed {
		t.Error("want errClosed on write after close")
	}
}
