package isobus

import (
	"context"
	"sync"

	"github.com/purduesensorsw/goisobus/driver"
)

// fakeDriver is an in-memory driver.Driver used across this package's
// tests, in the spirit of internal/testsupport's MockReaderWriter.
type fakeDriver struct {
	mu sync.Mutex

	outbox []driver.Frame
	inbox  chan driver.Frame

	nextHandle driver.FilterHandle
	filters    map[driver.FilterHandle]driver.Filter

	installFilterErr map[int]error // fails the Nth InstallFilter call (0-indexed)
	installCalls     int

	closed bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		inbox:   make(chan driver.Frame, 64),
		filters: make(map[driver.FilterHandle]driver.Filter),
	}
}

func (d *fakeDriver) Send(ctx context.Context, f driver.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outbox = append(d.outbox, f)
	return nil
}

func (d *fakeDriver) Recv(ctx context.Context) (driver.Frame, error) {
	select {
	case f := <-d.inbox:
		return f, nil
	case <-ctx.Done():
		return driver.Frame{}, ctx.Err()
	}
}

func (d *fakeDriver) InstallFilter(f driver.Filter) (driver.FilterHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	call := d.installCalls
	d.installCalls++
	if err, ok := d.installFilterErr[call]; ok {
		return 0, err
	}

	d.nextHandle++
	h := d.nextHandle
	d.filters[h] = f
	return h, nil
}

func (d *fakeDriver) UninstallFilter(h driver.FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.filters, h)
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// deliver pushes a frame into the driver as if it had arrived on the bus.
func (d *fakeDriver) deliver(f driver.Frame) {
	d.inbox <- f
}

func (d *fakeDriver) sentFrames() []driver.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.Frame, len(d.outbox))
	copy(out, d.outbox)
	return out
}

func (d *fakeDriver) installedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.filters)
}
