package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purduesensorsw/goisobus/gateway/replay"
	"github.com/purduesensorsw/goisobus/gateway/ringlog"
	"github.com/purduesensorsw/goisobus/internal/testsupport"
	"github.com/purduesensorsw/goisobus/isobus"
)

type fakeEndpoint struct {
	sendPgn  isobus.Pgn
	sendDest *isobus.Address
	sendData []byte
	sendErr  error

	lastFilters []isobus.IsobusFilter
}

func (f *fakeEndpoint) Recv(ctx context.Context, timeout time.Duration) (isobus.IsobusMessage, error) {
	<-ctx.Done()
	return isobus.IsobusMessage{}, isobus.ErrInterrupted
}

func (f *fakeEndpoint) Send(ctx context.Context, pgn isobus.Pgn, dest *isobus.Address, data []byte) (int, error) {
	f.sendPgn, f.sendDest, f.sendData = pgn, dest, data
	return len(data), f.sendErr
}

func (f *fakeEndpoint) SetOption(opt isobus.Option, val interface{}) error {
	if opt == isobus.OptFilter {
		f.lastFilters = val.([]isobus.IsobusFilter)
	}
	return nil
}

func newTestGateway(t *testing.T, endpoints []Endpoint, peer *testsupport.MockReaderWriter) *Gateway {
	t.Helper()
	ring, err := ringlog.Create(filepath.Join(t.TempDir(), "g.ring"), 12, ringlog.ModeCooperative)
	require.NoError(t, err)
	t.Cleanup(func() { ring.Close() })

	store, err := replay.Open(filepath.Join(t.TempDir(), "g.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New([]string{"can0"}, endpoints, ring, store, peer, nil)
}

func TestGateway_handleSendDispatchesToNamedSocket(t *testing.T) {
	ep := &fakeEndpoint{}
	g := newTestGateway(t, []Endpoint{ep}, &testsupport.MockReaderWriter{})

	err := g.handleSend(context.Background(), SendCommand{
		Socket: 0,
		Dest:   isobus.Address(128),
		Pgn:    61444,
		Data:   []byte{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, isobus.Pgn(61444), ep.sendPgn)
	assert.Equal(t, isobus.Address(128), *ep.sendDest)
	assert.Equal(t, []byte{1, 2, 3}, ep.sendData)
}

func TestGateway_handleSendRejectsUnknownSocket(t *testing.T) {
	g := newTestGateway(t, []Endpoint{&fakeEndpoint{}}, &testsupport.MockReaderWriter{})

	err := g.handleSend(context.Background(), SendCommand{Socket: 5, Pgn: 1})
	assert.ErrorIs(t, err, isobus.ErrInvalidArgument)
}

func TestGateway_handleSetFiltersInstallsPgnMaskAndClearsRing(t *testing.T) {
	ep := &fakeEndpoint{}
	g := newTestGateway(t, []Endpoint{ep}, &testsupport.MockReaderWriter{})

	require.NoError(t, g.ring.Append([]byte("stale backlog")))
	require.EqualValues(t, len("stale backlog"), g.ring.Unread())

	err := g.handleSetFilters(SetFiltersCommand{Socket: 0, Pgns: []isobus.Pgn{61444}})
	require.NoError(t, err)

	require.Len(t, ep.lastFilters, 1)
	assert.Equal(t, isobus.Pgn(61444), ep.lastFilters[0].Pgn)
	assert.EqualValues(t, 0x3FFFF, ep.lastFilters[0].PgnMask)
	assert.EqualValues(t, 0, g.ring.Unread())
}

func TestGateway_handleGetPastWritesOldMessagesToPeer(t *testing.T) {
	g := newTestGateway(t, []Endpoint{&fakeEndpoint{}}, &testsupport.MockReaderWriter{})

	k1, err := g.store.Append(replay.Record{Pgn: 61444, Data: []byte{1}})
	require.NoError(t, err)
	k2, err := g.store.Append(replay.Record{Pgn: 65280, Data: []byte{2}})
	require.NoError(t, err)

	peer := &testsupport.MockReaderWriter{Writes: []testsupport.WriteResult{{N: 1}, {N: 1}}}
	g.peer = peer

	err = g.handleGetPast(GetPastCommand{IDLow: k1, IDHigh: k2 + 1})
	require.NoError(t, err)
	assert.Equal(t, 2, len(peer.Writes))
}

func TestGateway_drainEndpointStopsOnContextCancellation(t *testing.T) {
	ep := &fakeEndpoint{}
	g := newTestGateway(t, []Endpoint{ep}, &testsupport.MockReaderWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.drainEndpoint(ctx, 0, ep)
	assert.ErrorIs(t, err, context.Canceled)
}
