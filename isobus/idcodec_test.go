package isobus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {
	var testCases = []struct {
		name      string
		priority  uint8
		pgn       Pgn
		da        Address
		sa        Address
		expect    uint32
		expectErr error
	}{
		{
			name:     "ok, PDU2 broadcast, priority 3",
			priority: 3,
			pgn:      0xFEE6,
			da:       AddressGlobal,
			sa:       0x42,
			expect:   0x8CFEE642,
		},
		{
			name:     "ok, PDU1 addressed, priority 6",
			priority: 6,
			pgn:      0xEA00,
			da:       0x80,
			sa:       0x81,
			expect:   0x98EA8081,
		},
		{
			name:      "nok, EDP set is rejected",
			priority:  6,
			pgn:       1 << 17,
			da:        AddressGlobal,
			sa:        0x01,
			expectErr: ErrInvalidPgn,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := Encode(tc.priority, tc.pgn, tc.da, tc.sa)
			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expect, id)
		})
	}
}

func TestDecode(t *testing.T) {
	var testCases = []struct {
		name   string
		id     uint32
		expect DecodedID
	}{
		{
			name: "ok, PDU2 broadcast, priority 3",
			id:   0x8CFEE642,
			expect: DecodedID{
				Priority:    3,
				Pgn:         0xFEE6,
				Destination: AddressGlobal,
				Source:      0x42,
			},
		},
		{
			name: "ok, PDU1 addressed, priority 6",
			id:   0x98EA8081,
			expect: DecodedID{
				Priority:    6,
				Pgn:         0xEA00,
				Destination: 0x80,
				Source:      0x81,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, Decode(tc.id))
		})
	}
}

func TestEncodeDecode_roundTrip(t *testing.T) {
	for _, pgn := range []Pgn{PgnRequest, PgnAddressClaimed, 0xFEE6, 0xEA00} {
		id, err := Encode(3, pgn, 0x80, 0x42)
		assert.NoError(t, err)

		got := Decode(id)
		assert.Equal(t, uint8(3), got.Priority)
		assert.Equal(t, Address(0x42), got.Source)
		if pgn.IsPDU1() {
			assert.Equal(t, Address(0x80), got.Destination)
		} else {
			assert.Equal(t, AddressGlobal, got.Destination)
		}
		assert.Equal(t, pgn, got.Pgn)
	}
}

func TestPgn_classification(t *testing.T) {
	assert.True(t, PgnRequest.IsPDU1())
	assert.True(t, PgnAddressClaimed.IsPDU1())
	assert.False(t, Pgn(0xFEE6).IsPDU1())
	assert.Equal(t, uint8(0xEA), PgnRequest.PF())
	assert.Equal(t, uint8(0xEE), PgnAddressClaimed.PF())
}
