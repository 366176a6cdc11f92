// Package driver defines the wire-level contract that the isobus package
// builds its socket semantics on top of: raw CAN frames in, raw CAN frames
// out, plus kernel-side filter installation.
package driver

import "context"

// Frame is a raw classical-CAN frame as read from or written to a socket:
// up to 8 data bytes addressed by a 29-bit extended identifier.
type Frame struct {
	ID   uint32
	Data []byte
}

// Filter is a driver-level (id, mask, invert) match triple, as installed
// with SO_CAN_RAW_FILTER on a socketcan socket. A frame matches when
// (frame.ID ^ Filter.ID) & Filter.Mask == 0, negated when Inverted is set.
type Filter struct {
	ID       uint32
	Mask     uint32
	Inverted bool
}

// FilterHandle identifies a filter previously installed with InstallFilter,
// for later selective removal.
type FilterHandle int

// Driver is the minimal interface a CAN transport must implement to back an
// isobus.Endpoint. Implementations must be safe for concurrent Send and
// Recv calls from a single goroutine each; InstallFilter/UninstallFilter
// are serialized by the caller.
type Driver interface {
	// Send transmits a frame, blocking until accepted by the kernel or ctx
	// is done.
	Send(ctx context.Context, f Frame) error

	// Recv blocks until a frame arrives or ctx is done.
	Recv(ctx context.Context) (Frame, error)

	// InstallFilter adds f to the set of filters the driver applies before
	// delivering frames to Recv, and returns a handle for later removal.
	InstallFilter(f Filter) (FilterHandle, error)

	// UninstallFilter removes a previously installed filter. Removing an
	// unknown handle is a no-op.
	UninstallFilter(h FilterHandle) error

	// Close releases the underlying socket or file descriptor.
	Close() error
}
