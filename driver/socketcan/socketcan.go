// Package socketcan implements driver.Driver against a Linux SocketCAN raw
// socket: raw AF_CAN socket setup, a short-read-timeout polling loop to
// stay responsive to context cancellation, and kernel-side filter
// installation.
package socketcan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/purduesensorsw/goisobus/driver"
)

const (
	canRaw = 1

	canIDERRFlag = uint32(1 << 29)
	canIDRTRFlag = uint32(1 << 30)
	canIDEFFFlag = uint32(1 << 31)

	// pollReadTimeout bounds each individual Read so Recv can notice ctx
	// cancellation promptly, matching socketcan.Device.ReadRawMessage.
	pollReadTimeout = 50 * time.Millisecond
)

var (
	errReadTimeout = errors.New("socketcan: read timeout")
	errRTRFrame    = errors.New("socketcan: remote transmission request frame")
	errErrFrame    = errors.New("socketcan: error frame")
)

// Connection is a bound raw CAN socket.
type Connection struct {
	fd      int
	timeNow func() time.Time
}

// Open binds a raw AF_CAN socket to the named interface (e.g. "can0").
func Open(ifName string) (*Connection, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("socketcan: bad interface name: %w", err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return nil, fmt.Errorf("socketcan: could not create socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: could not bind socket: %w", err)
	}

	return &Connection{fd: fd, timeNow: time.Now}, nil
}

func (c *Connection) setReadTimeout(timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func isContinuableErr(err error) bool {
	return err == syscall.EWOULDBLOCK || err == syscall.EINTR
}

func (c *Connection) writeFrame(f driver.Frame) error {
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint32(raw[0:4], f.ID|canIDEFFFlag)
	raw[4] = byte(len(f.Data))
	copy(raw[8:], f.Data)

	_, err := unix.Write(c.fd, raw)
	if isContinuableErr(err) {
		return errReadTimeout
	}
	return err
}

func (c *Connection) readFrame() (driver.Frame, error) {
	raw := make([]byte, 16)
	_, err := unix.Read(c.fd, raw)
	if err != nil {
		if isContinuableErr(err) {
			return driver.Frame{}, errReadTimeout
		}
		return driver.Frame{}, err
	}

	id := binary.LittleEndian.Uint32(raw[0:4])
	if id&canIDRTRFlag != 0 {
		return driver.Frame{}, errRTRFrame
	}
	if id&canIDERRFlag != 0 {
		return driver.Frame{}, errErrFrame
	}

	length := raw[4]
	data := make([]byte, length)
	copy(data, raw[8:8+length])

	return driver.Frame{ID: id &^ canIDEFFFlag, Data: data}, nil
}

func (c *Connection) close() error {
	return unix.Close(c.fd)
}

// Driver adapts a Connection to the driver.Driver interface the isobus
// package depends on, tracking installed filters so each InstallFilter /
// UninstallFilter call can re-push the complete set: SO_CAN_RAW_FILTER
// replaces the kernel's filter list wholesale, it has no incremental API.
type Driver struct {
	mu sync.Mutex

	conn       *Connection
	nextHandle driver.FilterHandle
	filters    map[driver.FilterHandle]unix.CanFilter
}

// New opens ifName and returns a ready-to-use Driver.
func New(ifName string) (*Driver, error) {
	conn, err := Open(ifName)
	if err != nil {
		return nil, err
	}
	return &Driver{conn: conn, filters: make(map[driver.FilterHandle]unix.CanFilter)}, nil
}

func (d *Driver) Send(ctx context.Context, f driver.Frame) error {
	return d.conn.writeFrame(f)
}

func (d *Driver) Recv(ctx context.Context) (driver.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return driver.Frame{}, ctx.Err()
		default:
		}

		if err := d.conn.setReadTimeout(pollReadTimeout); err != nil {
			return driver.Frame{}, err
		}

		frame, err := d.conn.readFrame()
		if err != nil {
			if errors.Is(err, errReadTimeout) || errors.Is(err, errRTRFrame) || errors.Is(err, errErrFrame) {
				continue
			}
			return driver.Frame{}, err
		}
		return frame, nil
	}
}

func (d *Driver) InstallFilter(f driver.Filter) (driver.FilterHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextHandle++
	h := d.nextHandle

	cf := unix.CanFilter{Id: f.ID, Mask: f.Mask}
	if f.Inverted {
		cf.Id |= unix.CAN_INV_FILTER
	}
	d.filters[h] = cf

	if err := d.pushFilters(); err != nil {
		delete(d.filters, h)
		return 0, err
	}
	return h, nil
}

func (d *Driver) UninstallFilter(h driver.FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.filters, h)
	return d.pushFilters()
}

// pushFilters must be called with d.mu held.
func (d *Driver) pushFilters() error {
	list := make([]unix.CanFilter, 0, len(d.filters))
	for _, f := range d.filters {
		list = append(list, f)
	}
	return unix.SetsockoptCanRawFilter(d.conn.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, list)
}

func (d *Driver) Close() error {
	return d.conn.close()
}
