package main

import (
	"context"
	"log/slog"

	"github.com/soypat/seqs/eth"
)

const (
	sizeEthernetHeader = 14
	sizeIPv4Header     = 20
)

func logFrame(logger *slog.Logger, pkt []byte) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs, ok := frameAttrs(pkt)
	if !ok {
		logger.Debug("rx short frame", slog.Int("len", len(pkt)))
		return
	}
	logger.LogAttrs(context.Background(), slog.LevelDebug, "rx", attrs...)
}

// frameAttrs summarizes the Ethernet and IPv4 headers of pkt.
func frameAttrs(pkt []byte) ([]slog.Attr, bool) {
	if len(pkt) < sizeEthernetHeader {
		return nil, false
	}
	ethHdr := eth.DecodeEthernetHeader(pkt)
	attrs := []slog.Attr{
		slog.Int("len", len(pkt)),
		slog.String("eth", ethHdr.String()),
	}
	if ethHdr.AssertType() == eth.EtherTypeIPv4 && len(pkt) >= sizeEthernetHeader+sizeIPv4Header {
		ipHdr, _ := eth.DecodeIPv4Header(pkt[sizeEthernetHeader:])
		attrs = append(attrs, slog.String("ip", ipHdr.String()))
	}
	return attrs, true
}
