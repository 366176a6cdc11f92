package isobus

import "errors"

// Sentinel errors surfaced by this package, mirroring the design-level error
// taxonomy of the ISOBUS socket API.
var (
	ErrInvalidArgument = errors.New("isobus: invalid argument")
	ErrNoDevice        = errors.New("isobus: no such device")
	ErrNetworkDown     = errors.New("isobus: network is down")
	ErrAddressInUse    = errors.New("isobus: address already in use")
	ErrWouldBlock      = errors.New("isobus: operation would block")
	ErrCancelled       = errors.New("isobus: operation cancelled")
	ErrInvalidPgn      = errors.New("isobus: invalid PGN")
	ErrInvalidFilter   = errors.New("isobus: invalid filter")
	ErrInterrupted     = errors.New("isobus: interrupted")
	ErrNotBound        = errors.New("isobus: endpoint not bound")
	ErrClosed          = errors.New("isobus: endpoint released")
)
