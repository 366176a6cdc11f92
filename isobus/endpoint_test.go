package isobus

import (
	"context"
	"testing"
	"time"

	"github.com/purduesensorsw/goisobus/driver"
	"github.com/stretchr/testify/assert"
)

// stubCheckInterface replaces checkInterface with one that accepts any
// ifindex, since tests bind against an in-memory fakeDriver with no
// corresponding kernel CAN interface. Restored on test cleanup.
func stubCheckInterface(t *testing.T) {
	t.Helper()
	prev := checkInterface
	checkInterface = func(int) error { return nil }
	t.Cleanup(func() { checkInterface = prev })
}

func bindEndpoint(t *testing.T, drv *fakeDriver, preferred Address) *Endpoint {
	t.Helper()
	stubCheckInterface(t)
	name := NewName(NameFields{SelfConfigurable: true, IdentityNumber: 42})
	ep := Open(name)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)

	err := ep.Bind(ctx, drv, 0, preferred)
	assert.NoError(t, err)
	t.Cleanup(ep.Release)
	return ep
}

func TestEndpoint_Bind_rejectsInterfaceFailingTheCANCheck(t *testing.T) {
	prev := checkInterface
	t.Cleanup(func() { checkInterface = prev })
	checkInterface = func(int) error { return ErrNoDevice }

	name := NewName(NameFields{SelfConfigurable: true, IdentityNumber: 42})
	ep := Open(name)

	err := ep.Bind(context.Background(), newFakeDriver(), 99, Address(0x80))
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.Equal(t, ClaimIdle, ep.claim.State())
}

func TestEndpoint_Bind_claimsAddress(t *testing.T) {
	drv := newFakeDriver()
	ep := bindEndpoint(t, drv, Address(0x80))

	assert.Equal(t, ClaimHaveAddr, ep.claim.State())
	assert.Equal(t, Address(0x80), ep.claim.CurrentAddr())
}

func TestEndpoint_ownMessageSuppression(t *testing.T) {
	drv := newFakeDriver()
	ep := bindEndpoint(t, drv, Address(0x81))

	// loopback=on, own_msgs=off (the Open() default): sending a message
	// must not be delivered back to us.
	_, err := ep.Send(context.Background(), Pgn(0xFEE6), nil, []byte{1, 2, 3})
	assert.NoError(t, err)

	_, err = ep.Recv(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWouldBlock)

	// Enabling own_msgs: the same send must now be delivered exactly once.
	assert.NoError(t, ep.SetOption(OptOwnMsgs, true))

	_, err = ep.Send(context.Background(), Pgn(0xFEE6), nil, []byte{4, 5, 6})
	assert.NoError(t, err)

	msg, err := ep.Recv(context.Background(), 500*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, Pgn(0xFEE6), msg.Pgn)
	assert.Equal(t, []byte{4, 5, 6}, msg.Data)

	_, err = ep.Recv(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestEndpoint_Send_requiresDestForPDU1(t *testing.T) {
	drv := newFakeDriver()
	ep := bindEndpoint(t, drv, Address(0x82))

	_, err := ep.Send(context.Background(), PgnRequest, nil, []byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	dest := AddressGlobal
	_, err = ep.Send(context.Background(), PgnRequest, &dest, []byte{0, 0, 0})
	assert.NoError(t, err)
}

func TestEndpoint_Send_rejectsNonGlobalDestForPDU2(t *testing.T) {
	drv := newFakeDriver()
	ep := bindEndpoint(t, drv, Address(0x83))

	dest := Address(0x10)
	_, err := ep.Send(context.Background(), Pgn(0xFEE6), &dest, []byte{1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEndpoint_Recv_respectsNetworkDown(t *testing.T) {
	drv := newFakeDriver()
	ep := bindEndpoint(t, drv, Address(0x84))

	ep.OnNetworkDown()

	_, err := ep.Recv(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNetworkDown)
}

func TestEndpoint_overlappingFiltersDeliverOncePerMatchUnlessDeduped(t *testing.T) {
	for _, dedupe := range []bool{false, true} {
		drv := newFakeDriver()
		ep := bindEndpoint(t, drv, Address(0x86))

		overlapping := []IsobusFilter{
			{Pgn: 0xFEE6, PgnMask: 0x3FFFF},
			{Pgn: 0xFEE6, PgnMask: 0x3FF00}, // same frame also matches this one
		}
		assert.NoError(t, ep.SetOption(OptFilter, overlapping))
		assert.NoError(t, ep.SetOption(OptDedupeDeliveries, dedupe))

		id, err := Encode(3, 0xFEE6, AddressGlobal, 0x99)
		assert.NoError(t, err)
		drv.deliver(driver.Frame{ID: id, Data: []byte{9, 9}})

		_, err = ep.Recv(context.Background(), 500*time.Millisecond)
		assert.NoError(t, err)

		wantSecond := !dedupe
		_, err = ep.Recv(context.Background(), 50*time.Millisecond)
		if wantSecond {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrWouldBlock)
		}
	}
}

func TestEndpoint_dispatchFeedsProductAndConfigurationInfoToNodeTable(t *testing.T) {
	drv := newFakeDriver()
	ep := bindEndpoint(t, drv, Address(0x87))

	nt := NewNodeTable()
	ep.SetNodeTable(nt)

	senderName := NewName(NameFields{IdentityNumber: 5})
	claimID, err := Encode(6, PgnAddressClaimed, AddressGlobal, 0x50)
	assert.NoError(t, err)
	nameBytes := senderName.Bytes()
	drv.deliver(driver.Frame{ID: claimID, Data: nameBytes[:]})
	_, err = ep.Recv(context.Background(), 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrWouldBlock) // address-claim traffic isn't queued to the inbox

	_, ok := nt.Lookup(Address(0x50))
	assert.True(t, ok)

	productID, err := Encode(6, PgnProductInfo, AddressGlobal, 0x50)
	assert.NoError(t, err)
	drv.deliver(driver.Frame{ID: productID, Data: []byte{1, 2, 3}})

	msg, err := ep.Recv(context.Background(), 500*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, Pgn(PgnProductInfo), msg.Pgn)

	entries := nt.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, []byte{1, 2, 3}, entries[0].ProductInfo)
}

func TestEndpoint_deliversInboundMessageMatchingFilter(t *testing.T) {
	drv := newFakeDriver()
	ep := bindEndpoint(t, drv, Address(0x85))

	id, err := Encode(3, 0xFEE6, AddressGlobal, 0x99)
	assert.NoError(t, err)
	drv.deliver(driver.Frame{ID: id, Data: []byte{9, 9}})

	msg, err := ep.Recv(context.Background(), 500*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, Address(0x99), msg.Source)
	assert.Equal(t, Pgn(0xFEE6), msg.Pgn)
}
