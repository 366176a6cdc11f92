package ringlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingLog_appendAndReadWithoutWrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := Create(path, 12, ModeCooperative) // 4096 bytes
	require.NoError(t, err)
	defer r.Close()

	payload := []byte("hello isobus")
	require.NoError(t, r.Append(payload))

	assert.Equal(t, uint64(len(payload)), r.Unread())
	assert.Equal(t, payload, r.ReadUnread())

	r.ReadAdvance(uint64(len(payload)))
	assert.Equal(t, uint64(0), r.Unread())
}

func TestRingLog_headAdvanceSacrificesOneByteToDisambiguateFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := Create(path, 12, ModeCooperative) // N = 4096
	require.NoError(t, err)
	defer r.Close()

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}

	for off := 0; off < len(data); off += 1000 {
		end := off + 1000
		if end > len(data) {
			end = len(data)
		}
		require.NoError(t, r.Append(data[off:end]))
	}

	head, start, curs, tail := r.Offsets()
	// Capacity is 4096 but the cascade's "+1" keeps head != tail meaning
	// distinct from empty, sacrificing one byte of retained history.
	assert.EqualValues(t, 905, head)
	assert.EqualValues(t, 905, start)
	assert.EqualValues(t, 905, curs)
	assert.EqualValues(t, 904, tail)

	unread := r.Unread()
	assert.EqualValues(t, 4095, unread)
	assert.Equal(t, data[905:], r.ReadAt(head, unread))
}

func TestRingLog_reopenRestoresTrailerAndDropsBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := Create(path, 12, ModeCooperative)
	require.NoError(t, err)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	for off := 0; off < len(data); off += 1000 {
		end := off + 1000
		if end > len(data) {
			end = len(data)
		}
		require.NoError(t, r.Append(data[off:end]))
	}
	require.NoError(t, r.Close())

	reopened, err := Create(path, 12, ModeCooperative)
	require.NoError(t, err)
	defer reopened.Close()

	head, start, curs, tail := reopened.Offsets()
	assert.EqualValues(t, 905, head)
	assert.EqualValues(t, 904, tail)
	assert.Equal(t, tail, start)
	assert.Equal(t, tail, curs)
	assert.EqualValues(t, 0, reopened.Unread())
}

func TestRingLog_headAdvanceDiscardsOldestAndPullsStartCurs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := Create(path, 6, ModeCooperative) // N = 64
	require.NoError(t, err)
	defer r.Close()

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.NoError(t, r.Append(data))

	require.NoError(t, r.HeadAdvance(10))

	head, start, curs, tail := r.Offsets()
	assert.EqualValues(t, 10, head)
	assert.EqualValues(t, 10, start)
	assert.EqualValues(t, 10, curs)
	assert.EqualValues(t, 40, tail)
	assert.EqualValues(t, 30, r.Unread())
}

func TestRingLog_clearResetsAllOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := Create(path, 6, ModeCooperative)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Append([]byte("some bytes")))
	require.NoError(t, r.Clear())

	head, start, curs, tail := r.Offsets()
	assert.EqualValues(t, 0, head)
	assert.EqualValues(t, 0, start)
	assert.EqualValues(t, 0, curs)
	assert.EqualValues(t, 0, tail)
}

func TestRingLog_waitUnreadWakesOnAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := Create(path, 6, ModeThreaded)
	require.NoError(t, err)
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		done <- r.WaitUnread(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Append([]byte("x")))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitUnread did not wake after append")
	}
}

func TestRingLog_waitUnreadRespectsContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := Create(path, 6, ModeThreaded)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = r.WaitUnread(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRingLog_appendTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := Create(path, 6, ModeCooperative) // N = 64
	require.NoError(t, err)
	defer r.Close()

	err = r.Append(make([]byte, 65))
	assert.ErrorIs(t, err, ErrTooLarge)
}
