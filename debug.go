package blsdio

import (
	"context"
	"log/slog"
)

const (
	levelTrace slog.Level = slog.LevelDebug - 1
	// levelFirmware is used for console output printed by the firmware.
	levelFirmware slog.Level = slog.LevelError - 1
)

func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Device) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) trace(msg string, attrs ...slog.Attr) {
	if d._traceenabled {
		d.logattrs(levelTrace, msg, attrs...)
	}
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger == nil {
		return
	}
	d.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LevelString returns the short name used for the levels this package logs
// at, including the firmware console and trace levels. Meant for
// slog.HandlerOptions.ReplaceAttr.
func LevelString(level slog.Level) string {
	switch level {
	case levelFirmware:
		return "BL60"
	case levelTrace:
		return "TRACE"
	default:
		return level.String()
	}
}

func errAttr(err error) slog.Attr {
	return slog.String("err", err.Error())
}
