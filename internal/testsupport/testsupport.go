// Package testsupport collects fixture-loading and mock helpers shared
// across the module's test files: JSON/byte testdata loading and a
// scripted Read/Write stand-in for a peer stream or CAN driver.
package testsupport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// UTCTime creates a time.Time in UTC so tests don't depend on the
// machine's local timezone.
func UTCTime(sec int64) time.Time {
	return time.Unix(sec, 0).In(time.UTC)
}

// LoadJSON loads a JSON fixture from testdata relative to the caller's
// package and unmarshals it into target.
func LoadJSON(t *testing.T, filename string, target interface{}) {
	t.Helper()
	b := loadBytes(t, fmt.Sprintf("testdata/%v", filename), 2)
	if err := json.Unmarshal(b, target); err != nil {
		t.Fatal(fmt.Errorf("testsupport.LoadJSON: %w", err))
	}
}

// LoadBytes loads a raw fixture from testdata relative to the caller's
// package.
func LoadBytes(t *testing.T, name string) []byte {
	t.Helper()
	return loadBytes(t, fmt.Sprintf("testdata/%v", name), 2)
}

func loadBytes(t *testing.T, name string, callDepth int) []byte {
	t.Helper()
	_, b, _, _ := runtime.Caller(callDepth)
	basepath := filepath.Dir(b)

	path := filepath.Join(basepath, name)
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return contents
}

// ReadResult is one scripted return value for MockReaderWriter.Read.
type ReadResult struct {
	Read []byte
	Err  error
}

// WriteResult is one scripted return value for MockReaderWriter.Write.
type WriteResult struct {
	N   int
	Err error
}

// MockReaderWriter replays a scripted sequence of reads and writes,
// standing in for a peer stream or CAN driver in gateway and transport
// tests without a real socket or serial device.
type MockReaderWriter struct {
	Reads      []ReadResult
	Writes     []WriteResult
	readIndex  int
	writeIndex int
}

func (m *MockReaderWriter) Read(p []byte) (n int, err error) {
	r := m.Reads[m.readIndex]
	m.readIndex++
	if r.Err != nil {
		return len(r.Read), r.Err
	}
	n = copy(p, r.Read)
	return n, nil
}

func (m *MockReaderWriter) Write(p []byte) (n int, err error) {
	w := m.Writes[m.writeIndex]
	m.writeIndex++
	return w.N, w.Err
}
