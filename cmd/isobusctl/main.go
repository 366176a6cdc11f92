// Command isobusctl is a one-shot inspection tool: it binds a single
// endpoint, prints its claimed address, and dumps inbound traffic matching
// an optional PGN filter until interrupted.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/purduesensorsw/goisobus/driver/socketcan"
	"github.com/purduesensorsw/goisobus/isobus"
)

func main() {
	iface := pflag.StringP("iface", "i", "can0", "CAN interface to bind")
	preferred := pflag.Uint8P("preferred-addr", "a", 128, "preferred ISOBUS source address")
	identity := pflag.Uint32("identity", 1, "NAME identity number")
	pgn := pflag.Uint32P("pgn", "p", 0, "only print messages matching this PGN (0 = all)")
	timeout := pflag.Duration("bind-timeout", 2*time.Second, "address-claim timeout")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *iface, uint8(*preferred), *identity, isobus.Pgn(*pgn), *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "isobusctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, ifaceName string, preferred uint8, identity uint32, pgn isobus.Pgn, bindTimeout time.Duration) error {
	drv, err := socketcan.New(ifaceName)
	if err != nil {
		return fmt.Errorf("open %s: %w", ifaceName, err)
	}

	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", ifaceName, err)
	}

	name := isobus.NewName(isobus.NameFields{IdentityNumber: identity})
	ep := isobus.Open(name)

	if pgn != 0 {
		if err := ep.SetOption(isobus.OptFilter, []isobus.IsobusFilter{{Pgn: pgn, PgnMask: 0x3FFFF}}); err != nil {
			return fmt.Errorf("set filter: %w", err)
		}
	}

	bindCtx, cancelBind := context.WithTimeout(ctx, bindTimeout)
	defer cancelBind()
	if err := ep.Bind(bindCtx, drv, ifi.Index, isobus.Address(preferred)); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer ep.Release()

	fmt.Printf("bound %s, claimed address %d\n", ifaceName, preferred)

	for {
		msg, err := ep.Recv(ctx, 500*time.Millisecond)
		if err != nil {
			if err == isobus.ErrWouldBlock {
				continue
			}
			if err == isobus.ErrInterrupted {
				return nil
			}
			return err
		}
		fmt.Printf("pgn=%d sa=%d da=%d len=%d data=% x\n",
			msg.Pgn, msg.Source, msg.Destination, len(msg.Data), msg.Data)
	}
}
