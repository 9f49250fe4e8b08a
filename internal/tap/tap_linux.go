//go:build linux

package tap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Open creates or attaches to the TAP interface name. Frames carry no
// packet information header.
func Open(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF failed for %s: %w", name, err)
	}
	return &Device{fd: fd, name: ifr.Name()}, nil
}

// WritePacket writes one Ethernet frame to the interface.
func (d *Device) WritePacket(frame []byte) error {
	if d.fd < 0 {
		return errClosed
	}
	_, err := unix.Write(d.fd, frame)
	if err != nil {
		return fmt.Errorf("failed to write to %s: %w", d.name, err)
	}
	return nil
}

// ReadPacket reads one Ethernet frame into buf and returns its length.
func (d *Device) ReadPacket(buf []byte) (int, error) {
	if d.fd < 0 {
		return 0, errClosed
	}
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("failed to read from %s: %w", d.name, err)
	}
	return n, nil
}

func (d *Device) Close() error {
	if d.fd < 0 {
		return errClosed
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
