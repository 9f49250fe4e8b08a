//go:build !linux

package tap

import "errors"

var errUnsupported = errors.New("tap: only supported on linux")

func Open(name string) (*Device, error) { return nil, errUnsupported }

func (d *Device) WritePacket(frame []byte) error { return errUnsupported }

func (d *Device) ReadPacket(buf []byte) (int, error) { return 0, errUnsupported }

func (d *Device) Close() error { return errUnsupported }
