// Command isobusgwd is the ISOBUS gateway daemon: it binds one endpoint per
// configured CAN interface, logs traffic into a RingLog and a replay index,
// and serves the line-oriented command/record protocol over a peer stream,
// replacing the original isoblued.c (original_source/tools/isoblued.c).
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	flags "github.com/jessevdk/go-flags"

	"github.com/purduesensorsw/goisobus/driver"
	"github.com/purduesensorsw/goisobus/driver/socketcan"
	"github.com/purduesensorsw/goisobus/gateway"
	"github.com/purduesensorsw/goisobus/gateway/replay"
	"github.com/purduesensorsw/goisobus/gateway/ringlog"
	"github.com/purduesensorsw/goisobus/isobus"
	"github.com/purduesensorsw/goisobus/netiface"
	serialtransport "github.com/purduesensorsw/goisobus/transport/serial"
)

type options struct {
	Ifaces        []string `short:"i" long:"iface" description:"CAN interface to bind (repeatable)" required:"true"`
	RingLogPath   string   `long:"ring-log" description:"path to the ring log backing file" default:"isoblue.ring"`
	RingLogOrder  uint     `long:"ring-log-order" description:"ring log size as a power of two" default:"15"`
	ReplayDBPath  string   `long:"replay-db" description:"path to the bbolt replay index" default:"isoblue-replay.db"`
	PeerAddr      string   `long:"peer-tcp" description:"listen address for a TCP peer, e.g. :2000"`
	SerialDevice  string   `long:"peer-serial" description:"serial device path for a radio peer"`
	SerialBaud    int      `long:"peer-serial-baud" description:"serial peer baud rate" default:"115200"`
	NameIdentity  uint32   `long:"name-identity" description:"NAME identity number" default:"1"`
	NameMfg       uint16   `long:"name-manufacturer" description:"NAME manufacturer code"`
	PreferredAddr uint8    `long:"preferred-addr" description:"preferred ISOBUS source address" default:"128"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	logger := log.New(os.Stderr)
	logger.SetLevel(log.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *log.Logger) error {
	ring, err := ringlog.Create(opts.RingLogPath, opts.RingLogOrder, ringlog.ModeThreaded)
	if err != nil {
		return fmt.Errorf("open ring log: %w", err)
	}
	defer ring.Close()

	store, err := replay.Open(opts.ReplayDBPath)
	if err != nil {
		return fmt.Errorf("open replay index: %w", err)
	}
	defer store.Close()

	peer, err := openPeer(ctx, opts)
	if err != nil {
		return fmt.Errorf("open peer: %w", err)
	}
	defer peer.Close()

	registry := netiface.NewRegistry(logger)
	if err := registry.Start(); err != nil {
		logger.Warn("netiface registry unavailable", "err", err)
	} else {
		defer registry.Stop()
	}

	name := isobus.NewName(isobus.NameFields{
		IdentityNumber:   opts.NameIdentity,
		ManufacturerCode: opts.NameMfg,
	})

	endpoints := make([]gateway.Endpoint, 0, len(opts.Ifaces))
	for _, ifaceName := range opts.Ifaces {
		drv, err := socketcan.New(ifaceName)
		if err != nil {
			return fmt.Errorf("open %s: %w", ifaceName, err)
		}

		ep := isobus.Open(name)
		ifindex, err := interfaceIndex(ifaceName)
		if err != nil {
			return err
		}
		if err := bindWithTimeout(ctx, ep, drv, ifindex, isobus.Address(opts.PreferredAddr)); err != nil {
			return fmt.Errorf("bind %s: %w", ifaceName, err)
		}
		registry.Watch(ifindex, ep)

		logger.Info("bound endpoint", "iface", ifaceName, "addr", opts.PreferredAddr)
		endpoints = append(endpoints, ep)
	}

	gw := gateway.New(opts.Ifaces, endpoints, ring, store, peer, logger)
	return gw.Run(ctx)
}

// bindWithTimeout runs Bind with a deadline a little past the worst-case
// T1+T2 claim window, so a wedged claim doesn't hang startup forever.
func bindWithTimeout(ctx context.Context, ep *isobus.Endpoint, drv driver.Driver, ifindex int, preferred isobus.Address) error {
	bindCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return ep.Bind(bindCtx, drv, ifindex, preferred)
}

func interfaceIndex(name string) (int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	return ifi.Index, nil
}

// openPeer picks the byte-stream peer: a TCP listener (first accepted
// connection) or a serial radio link. At least one must be configured; if
// both are, the TCP listener is used.
func openPeer(ctx context.Context, opts options) (io.ReadWriteCloser, error) {
	switch {
	case opts.PeerAddr != "":
		ln, err := net.Listen("tcp", opts.PeerAddr)
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		conn, err := ln.Accept()
		if err != nil {
			return nil, err
		}
		return conn, nil
	case opts.SerialDevice != "":
		return serialtransport.Open(serialtransport.Config{Name: opts.SerialDevice, Baud: opts.SerialBaud})
	default:
		return nil, fmt.Errorf("no peer configured: pass --peer-tcp or --peer-serial")
	}
}
