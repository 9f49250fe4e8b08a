// blhost drives a BL602-class WLAN chip whose SDIO bus is exposed through a
// serial bridge. Received Ethernet frames are written to a TAP interface and
// firmware diagnostics are optionally published over MQTT.
//
//	blhost -dev /dev/ttyUSB0 -baud 921600 -tap bl0 -mqtt localhost:1883
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soypat/blsdio"
	"github.com/soypat/blsdio/internal/diagmqtt"
	"github.com/soypat/blsdio/internal/serialbus"
	"github.com/soypat/blsdio/internal/tap"
	"github.com/soypat/blsdio/lmac"
)

func main() {
	var (
		flagDev      = flag.String("dev", "/dev/ttyUSB0", "Serial device of the SDIO bridge.")
		flagBaud     = flag.Int("baud", 921600, "Serial baud rate.")
		flagTap      = flag.String("tap", "", "TAP interface to deliver received frames to. Empty disables.")
		flagMQTT     = flag.String("mqtt", "", "MQTT broker address for diagnostics. Empty disables.")
		flagTopic    = flag.String("topic", "blsdio", "MQTT topic prefix.")
		flagPoll     = flag.Duration("poll", 10*time.Millisecond, "Interrupt status poll interval.")
		flagStats    = flag.Duration("stats", 10*time.Second, "Stats report interval.")
		flagMP       = flag.Bool("mp", false, "Manufacturing test mode.")
		flagNoAgg    = flag.Bool("noagg", false, "Disable aggregated data port reads.")
		flagVerbose  = flag.Bool("v", false, "Debug logging.")
		flagVVerbose = flag.Bool("vv", false, "Trace logging.")
	)
	flag.Parse()
	level := slog.LevelInfo
	switch {
	case *flagVVerbose:
		level = slog.LevelDebug - 1
	case *flagVerbose:
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				a.Value = slog.StringValue(blsdio.LevelString(a.Value.Any().(slog.Level)))
			}
			return a
		},
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := run(ctx, logger, options{
		dev:       *flagDev,
		baud:      *flagBaud,
		tap:       *flagTap,
		broker:    *flagMQTT,
		topic:     *flagTopic,
		poll:      *flagPoll,
		statsTick: *flagStats,
		mp:        *flagMP,
		noagg:     *flagNoAgg,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("blhost", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

type options struct {
	dev       string
	baud      int
	tap       string
	broker    string
	topic     string
	poll      time.Duration
	statsTick time.Duration
	mp        bool
	noagg     bool
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	bridge, err := serialbus.Open(opts.dev, opts.baud, time.Second)
	if err != nil {
		return err
	}
	defer bridge.Close()

	var pub *diagmqtt.Publisher
	if opts.broker != "" {
		pub, err = diagmqtt.Dial(ctx, opts.broker, diagmqtt.Config{
			ClientID: "blhost",
			Topic:    opts.topic,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	cfg := blsdio.DefaultConfig()
	cfg.Logger = logger
	cfg.MPMode = opts.mp
	cfg.NoAggregation = opts.noagg
	cfg.OnMsgInd = func(msg []byte) {
		hdr, err := lmac.DecodeMsgHeader(msg)
		if err != nil {
			logger.Warn("bad indication", slog.String("err", err.Error()))
			return
		}
		logger.Debug("indication", slog.Uint64("id", uint64(hdr.ID)), slog.Uint64("src", uint64(hdr.SrcID)), slog.Int("plen", int(hdr.ParamLen)))
	}
	cfg.OnMsgAck = func(token uint8, err error) {
		if err != nil {
			logger.Warn("command abandoned", slog.Uint64("token", uint64(token)), slog.String("err", err.Error()))
		}
	}
	if pub != nil {
		cfg.OnDiag = pub.Diag
	}
	dev, err := blsdio.New(bridge, cfg)
	if err != nil {
		return err
	}
	defer dev.Remove()

	if opts.tap != "" {
		ifc, err := tap.Open(opts.tap)
		if err != nil {
			return err
		}
		defer ifc.Close()
		logger.Info("tap ready", slog.String("ifc", ifc.Name()))
		dev.RecvEthHandle(func(pkt []byte) error {
			logFrame(logger, pkt)
			return ifc.WritePacket(pkt)
		})
	} else {
		dev.RecvEthHandle(func(pkt []byte) error {
			logFrame(logger, pkt)
			return nil
		})
	}

	if pub != nil && opts.statsTick > 0 {
		go reportStats(ctx, dev, pub, opts.statsTick)
	}
	if err := dev.Kick(); err != nil {
		return err
	}
	return dev.Run(ctx, opts.poll)
}

func reportStats(ctx context.Context, dev *blsdio.Device, pub *diagmqtt.Publisher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pub.Stats(dev.Stats())
		}
	}
}
