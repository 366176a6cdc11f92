// Package ringlog implements a bounded, file-backed, crash-persistent byte
// ring buffer with four cursors, grounded directly on
// original_source/tools/ring_buf.c's head/start/curs/tail offset algebra.
//
// The original maps the backing file twice, back to back in virtual memory,
// so any [p, p+N) window can be read as one contiguous slice regardless of
// wrap. golang.org/x/sys/unix's Mmap does not expose the MAP_FIXED-at-a
// chosen-address call needed to reproduce that trick without dropping to
// raw syscalls, so this port keeps a single N-byte mapping and copies out
// any read or write that straddles the wrap boundary instead. The offset
// arithmetic that callers actually depend on is unchanged.
package ringlog

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// trailerLen is the size of the persisted [head_offset, tail_offset]
// footer, mirroring the C FOOTER_LEN macro.
const trailerLen = 16

// Mode selects the concurrency floor a RingLog enforces.
type Mode int

const (
	// ModeCooperative assumes a single goroutine drives both the append
	// and read side via its own event loop; no internal locking is used.
	ModeCooperative Mode = iota
	// ModeThreaded guards every offset mutation with a mutex and wakes
	// WaitUnread waiters with a broadcast, for use across goroutines.
	ModeThreaded
)

var ErrTooLarge = errors.New("ringlog: payload larger than buffer")

// RingLog is a power-of-two-sized byte ring over a memory-mapped file.
type RingLog struct {
	file *os.File
	data []byte
	n    uint64 // count_bytes; always a power of two

	mode Mode
	mu   sync.Mutex
	wake chan struct{}

	head, start, curs, tail uint64
}

// Create opens (or creates) the ring log at path with 2^order payload
// bytes. Reopening an existing file restores head/tail from the trailer and
// sets start = curs = tail, so a freshly reopened log has no unread
// backlog until a caller explicitly rewinds.
func Create(path string, order uint, mode Mode) (*RingLog, error) {
	n := uint64(1) << order

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(int64(n + trailerLen)); err != nil {
		f.Close()
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &RingLog{
		file: f,
		data: data,
		n:    n,
		mode: mode,
		wake: make(chan struct{}),
	}

	trailer := make([]byte, trailerLen)
	if _, err := f.ReadAt(trailer, int64(n)); err != nil {
		r.Close()
		return nil, err
	}
	r.head = binary.LittleEndian.Uint64(trailer[0:8])
	r.tail = binary.LittleEndian.Uint64(trailer[8:16])
	r.start = r.tail
	r.curs = r.tail

	return r, nil
}

// Close unmaps and closes the backing file.
func (r *RingLog) Close() error {
	err := unix.Munmap(r.data)
	return errors.Join(err, r.file.Close())
}

func (r *RingLog) mod(off uint64) uint64 {
	return off & (r.n - 1)
}

// dist is OFF_DIST(buf, off1, off2) from the original: the forward distance
// from off1 to off2, mod N.
func (r *RingLog) dist(from, to uint64) uint64 {
	return r.mod(to - from)
}

func (r *RingLog) lock() {
	if r.mode == ModeThreaded {
		r.mu.Lock()
	}
}

func (r *RingLog) unlock() {
	if r.mode == ModeThreaded {
		r.mu.Unlock()
	}
}

func (r *RingLog) broadcast() {
	if r.mode != ModeThreaded {
		return
	}
	close(r.wake)
	r.wake = make(chan struct{})
}

// Append writes p at the tail, overwriting the oldest bytes (advancing head)
// if p does not fit in the currently unoccupied space.
func (r *RingLog) Append(p []byte) error {
	count := uint64(len(p))
	if count > r.n {
		return ErrTooLarge
	}

	r.lock()
	defer r.unlock()

	r.writeAt(r.tail, p)

	d := r.dist(r.tail, r.head)
	if d != 0 && d < count {
		r.headAdvanceLocked(count - d + 1)
	}
	r.tail = r.mod(r.tail + count)

	if err := r.persistTail(); err != nil {
		return err
	}
	r.broadcast()
	return nil
}

// ReadAdvance advances curs by n, capped at tail.
func (r *RingLog) ReadAdvance(n uint64) {
	r.lock()
	defer r.unlock()
	r.cursAdvanceLocked(n)
}

func (r *RingLog) cursAdvanceLocked(count uint64) {
	d := r.dist(r.curs, r.tail)
	if d < count {
		r.curs += d
	} else {
		r.curs += count
	}
	r.curs = r.mod(r.curs)
	r.broadcast()
}

// StartAdvance advances start by n, pulling tail (and transitively head)
// forward first if start would otherwise pass tail.
func (r *RingLog) StartAdvance(n uint64) error {
	r.lock()
	defer r.unlock()
	return r.startAdvanceLocked(n)
}

func (r *RingLog) startAdvanceLocked(count uint64) error {
	d := r.dist(r.start, r.tail)
	if d < count {
		if err := r.tailAdvanceLocked(count - d); err != nil {
			return err
		}
	}
	r.start = r.mod(r.start + count)
	return nil
}

func (r *RingLog) tailAdvanceLocked(count uint64) error {
	d := r.dist(r.tail, r.head)
	if d != 0 && d < count {
		r.headAdvanceLocked(count - d + 1)
	}
	r.tail = r.mod(r.tail + count)
	if err := r.persistTail(); err != nil {
		return err
	}
	r.broadcast()
	return nil
}

// HeadAdvance explicitly discards the oldest count bytes, pulling start and
// curs forward if they fall behind the new head.
func (r *RingLog) HeadAdvance(count uint64) error {
	r.lock()
	defer r.unlock()
	return r.headAdvanceLocked(count)
}

func (r *RingLog) headAdvanceLocked(count uint64) error {
	distStart := r.dist(r.head, r.start)
	distCurs := r.dist(r.head, r.curs)

	if distStart < count {
		if err := r.startAdvanceLocked(count - distStart); err != nil {
			return err
		}
	}
	if distCurs < count {
		r.cursAdvanceLocked(count - distCurs)
	}

	r.head = r.mod(r.head + count)
	return r.persistHead()
}

// Unread returns the number of bytes between curs and tail.
func (r *RingLog) Unread() uint64 {
	r.lock()
	defer r.unlock()
	return r.dist(r.curs, r.tail)
}

// WaitUnread blocks until curs != tail or ctx is done. In ModeCooperative
// it is a non-blocking check: the caller is expected to be the same
// goroutine that appends, so blocking here would deadlock its own event
// loop.
func (r *RingLog) WaitUnread(ctx context.Context) error {
	if r.mode != ModeThreaded {
		return nil
	}
	for {
		r.mu.Lock()
		if r.dist(r.curs, r.tail) != 0 {
			r.mu.Unlock()
			return nil
		}
		ch := r.wake
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadAt returns a copy of the count bytes starting at offset (mod N),
// without advancing curs.
func (r *RingLog) ReadAt(offset, count uint64) []byte {
	r.lock()
	defer r.unlock()

	out := make([]byte, count)
	off := r.mod(offset)
	first := count
	if r.n-off < first {
		first = r.n - off
	}
	copy(out, r.data[off:off+first])
	if count > first {
		copy(out[first:], r.data[:count-first])
	}
	return out
}

// ReadUnread returns a copy of the unread region [curs, tail) without
// advancing curs.
func (r *RingLog) ReadUnread() []byte {
	r.lock()
	n := r.dist(r.curs, r.tail)
	curs := r.curs
	r.unlock()
	return r.ReadAt(curs, n)
}

func (r *RingLog) writeAt(offset uint64, p []byte) {
	off := r.mod(offset)
	first := uint64(len(p))
	if r.n-off < first {
		first = r.n - off
	}
	copy(r.data[off:], p[:first])
	if uint64(len(p)) > first {
		copy(r.data[:], p[first:])
	}
}

// Offsets returns a snapshot of (head, start, curs, tail), for diagnostics
// and tests.
func (r *RingLog) Offsets() (head, start, curs, tail uint64) {
	r.lock()
	defer r.unlock()
	return r.head, r.start, r.curs, r.tail
}

// Clear resets all four offsets to zero and persists the trailer.
func (r *RingLog) Clear() error {
	r.lock()
	defer r.unlock()

	r.head, r.start, r.curs, r.tail = 0, 0, 0, 0
	if err := r.persistTrailer(); err != nil {
		return err
	}
	r.broadcast()
	return nil
}

func (r *RingLog) persistHead() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], r.head)
	_, err := r.file.WriteAt(b[:], int64(r.n))
	return err
}

func (r *RingLog) persistTail() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], r.tail)
	_, err := r.file.WriteAt(b[:], int64(r.n)+8)
	return err
}

func (r *RingLog) persistTrailer() error {
	if err := r.persistHead(); err != nil {
		return err
	}
	return r.persistTail()
}
