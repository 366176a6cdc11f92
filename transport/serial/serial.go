// Package serial wraps tarm/serial for the gateway daemon's byte-stream
// peer link (a radio or wired serial replacement for the original's RFCOMM
// socket), grounded on driver/socketcan's short-timeout polling loop so
// reads stay responsive to context cancellation.
package serial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// pollReadTimeout bounds each underlying Read so ReadContext can notice ctx
// cancellation promptly.
const pollReadTimeout = 50 * time.Millisecond

// Config mirrors the fields of the daemon's serial peer that matter:
// device path and baud rate. Parity and stop bits take tarm/serial's
// defaults (8N1).
type Config struct {
	Name string
	Baud int
}

// Port is an open serial connection, read with context cancellation support
// layered on top of tarm/serial's blocking Read.
type Port struct {
	port *serial.Port
}

// Open opens the named serial device at the given baud rate.
func Open(cfg Config) (*Port, error) {
	sp, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: pollReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Name, err)
	}
	return &Port{port: sp}, nil
}

// ReadContext reads into buf, returning early with ctx.Err() if ctx is done
// before any byte arrives.
func (p *Port) ReadContext(ctx context.Context, buf []byte) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		n, err := p.port.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
	}
}

// Read satisfies io.Reader by delegating to the underlying port without a
// cancellable context; prefer ReadContext where a ctx is available.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// Write satisfies io.Writer.
func (p *Port) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

// Close closes the underlying port.
func (p *Port) Close() error {
	return p.port.Close()
}
