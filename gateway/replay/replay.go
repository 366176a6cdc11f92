// Package replay is the persistent key->message index backing the
// gateway's GetPast command. spec.md §6 leaves the store's design as an
// implementation detail ("a log-structured key-value store suffices"); this
// follows the pack's j1939-stats frame processor in reaching for
// go.etcd.io/bbolt as that store.
package replay

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/purduesensorsw/goisobus/isobus"
)

var recordsBucket = []byte("records")

// counterKey is the reserved key 0 holding the next identifier to assign,
// per spec.md §6's "reserved key 0" note.
var counterKey = encodeKey(0)

// Record is one archived message, keyed by the identifier returned from
// Append.
type Record struct {
	Pgn    isobus.Pgn
	Data   []byte
	TsSec  int64
	TsUsec int64
	Dest   isobus.Address
	Source isobus.Address
}

// Store is a bbolt-backed append log keyed by a monotonically increasing
// 32-bit identifier.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the replay index at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("replay: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordsBucket)
		if err != nil {
			return err
		}
		if b.Get(counterKey) == nil {
			return b.Put(counterKey, encodeKey(1))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("replay: init: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append assigns r the next identifier, persists it, and returns the
// assigned key.
func (s *Store) Append(r Record) (uint32, error) {
	var key uint32
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)

		key = decodeKey(b.Get(counterKey))
		if key == 0 {
			key = 1
		}

		if err := b.Put(encodeKey(key), encodeRecord(r)); err != nil {
			return err
		}
		return b.Put(counterKey, encodeKey(key+1))
	})
	if err != nil {
		return 0, fmt.Errorf("replay: append: %w", err)
	}
	return key, nil
}

// Range returns every record whose key lies in [low, high), in key order,
// matching GetPast's semantics.
func (s *Store) Range(low, high uint32) ([]struct {
	Key    uint32
	Record Record
}, error) {
	var out []struct {
		Key    uint32
		Record Record
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		c := b.Cursor()

		for k, v := c.Seek(encodeKey(low)); k != nil; k, v = c.Next() {
			key := decodeKey(k)
			if key == 0 {
				continue // reserved counter slot, never a record
			}
			if key >= high {
				break
			}
			out = append(out, struct {
				Key    uint32
				Record Record
			}{Key: key, Record: decodeRecord(v)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay: range: %w", err)
	}
	return out, nil
}

func encodeKey(k uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, k)
	return b
}

func decodeKey(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// encodeRecord lays out a Record as pgn(4) | ts_sec(8) | ts_usec(8) |
// dest(1) | source(1) | len(2) | data.
func encodeRecord(r Record) []byte {
	out := make([]byte, 24+len(r.Data))
	binary.BigEndian.PutUint32(out[0:4], uint32(r.Pgn))
	binary.BigEndian.PutUint64(out[4:12], uint64(r.TsSec))
	binary.BigEndian.PutUint64(out[12:20], uint64(r.TsUsec))
	out[20] = byte(r.Dest)
	out[21] = byte(r.Source)
	binary.BigEndian.PutUint16(out[22:24], uint16(len(r.Data)))
	copy(out[24:], r.Data)
	return out
}

func decodeRecord(b []byte) Record {
	if len(b) < 24 {
		return Record{}
	}
	n := binary.BigEndian.Uint16(b[22:24])
	data := make([]byte, n)
	copy(data, b[24:24+int(n)])
	return Record{
		Pgn:    isobus.Pgn(binary.BigEndian.Uint32(b[0:4])),
		TsSec:  int64(binary.BigEndian.Uint64(b[4:12])),
		TsUsec: int64(binary.BigEndian.Uint64(b[12:20])),
		Dest:   isobus.Address(b[20]),
		Source: isobus.Address(b[21]),
		Data:   data,
	}
}
