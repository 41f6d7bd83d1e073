package gbtframe

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sampleIDs() (DeviceID, DeviceID) {
	sender := NewDeviceID(0x123456, DeviceSignalController, 0x0001)
	receiver := NewDeviceID(0x123456, DeviceCoil, 0x0002)
	return sender, receiver
}

func TestRoundTripExactFields(t *testing.T) {
	sender, receiver := sampleIDs()
	table := NewDataTable(sender, receiver, OpQueryResponse, ObjCommunication, []byte{0x01, 0x02, 0x03, 0x04})

	framed, err := Encode(table)
	require.NoError(t, err)

	got, err := Decode(framed)
	require.NoError(t, err)

	assert.Equal(t, table.LinkAddr, got.LinkAddr)
	assert.Equal(t, table.Sender, got.Sender)
	assert.Equal(t, table.Receiver, got.Receiver)
	assert.Equal(t, table.Version, got.Version)
	assert.Equal(t, table.Op, got.Op)
	assert.Equal(t, table.Object, got.Object)
	assert.Equal(t, table.Content, got.Content)
}

func TestEncodedFrameHasExactlyTwoDelimiters(t *testing.T) {
	sender, receiver := sampleIDs()
	table := NewDataTable(sender, receiver, OpUpload, ObjTrafficRealtime, bytes.Repeat([]byte{0xC0, 0xDB, 0x00}, 20))

	framed, err := Encode(table)
	require.NoError(t, err)

	count := bytes.Count(framed, []byte{FrameDelimiter})
	assert.Equal(t, 2, count)
	assert.Equal(t, FrameDelimiter, framed[0])
	assert.Equal(t, FrameDelimiter, framed[len(framed)-1])
}

func TestEncodeIntoBufferTooSmall(t *testing.T) {
	sender, receiver := sampleIDs()
	table := NewDataTable(sender, receiver, OpUpload, ObjTrafficRealtime, []byte{0x01, 0x02, 0x03})

	_, err := EncodeInto(table, make([]byte, 4))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestDecodeRejectsMissingDelimiters(t *testing.T) {
	sender, receiver := sampleIDs()
	table := NewDataTable(sender, receiver, OpUpload, ObjTrafficRealtime, []byte{0x01})
	framed, err := Encode(table)
	require.NoError(t, err)

	_, err = Decode(framed[1:])
	assert.ErrorIs(t, err, ErrFrameStart)

	_, err = Decode(framed[:len(framed)-1])
	assert.ErrorIs(t, err, ErrFrameEnd)
}

func TestDecodeRejectsBadEscape(t *testing.T) {
	sender, receiver := sampleIDs()
	table := NewDataTable(sender, receiver, OpUpload, ObjTrafficRealtime, []byte{0x01})
	framed, err := Encode(table)
	require.NoError(t, err)

	// Corrupt the byte right after the opening delimiter into a lone
	// escape char followed by something that is neither 0xDC nor 0xDD.
	corrupted := append([]byte{}, framed...)
	corrupted[1] = escapeChar
	corrupted[2] = 0x00

	_, err = Decode(corrupted)
	assert.ErrorIs(t, err, ErrEscape)
}

func TestDecodeDetectsCorruptedCRC(t *testing.T) {
	sender, receiver := sampleIDs()
	table := NewDataTable(sender, receiver, OpUpload, ObjTrafficRealtime, []byte{0x01, 0x02, 0x03})
	framed, err := Encode(table)
	require.NoError(t, err)

	// The last two bytes ahead of the closing delimiter are the CRC
	// (assuming no escaping landed there for this content).
	corrupted := append([]byte{}, framed...)
	corrupted[len(corrupted)-2] ^= 0xFF
	corrupted[len(corrupted)-3] ^= 0xFF

	_, err = Decode(corrupted)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, ErrCodeCRC, decErr.Code)
}

func TestDecodeRejectsNonZeroLinkAddr(t *testing.T) {
	sender, receiver := sampleIDs()
	table := NewDataTable(sender, receiver, OpUpload, ObjTrafficRealtime, nil)
	table.LinkAddr = 0x0001

	framed, err := Encode(table)
	require.NoError(t, err)

	_, err = Decode(framed)
	assert.ErrorIs(t, err, ErrLinkAddr)
}

// TestEscapeRoundTripProperty is the §8 law: stuffing then un-stuffing
// any byte string not containing the delimiter yields that string back.
func TestEscapeRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sender, receiver := sampleIDs()
		content := rapid.SliceOfN(rapid.Byte(), 0, MaxContentSize-100).Draw(rt, "content")

		table := NewDataTable(sender, receiver, OpUpload, ObjTrafficRealtime, content)
		framed, err := Encode(table)
		require.NoError(rt, err)

		got, err := Decode(framed)
		require.NoError(rt, err)
		assert.True(rt, bytes.Equal(content, got.Content))
	})
}

// TestCRCCatchesSingleBitFlipProperty is the §8 CRC invariant, checked
// against arbitrary content rather than one fixed vector.
func TestCRCCatchesSingleBitFlipProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sender, receiver := sampleIDs()
		content := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "content")
		table := NewDataTable(sender, receiver, OpUpload, ObjTrafficRealtime, content)

		framed, err := Encode(table)
		require.NoError(rt, err)

		byteIdx := rapid.IntRange(1, len(framed)-2).Draw(rt, "byteIdx")
		bitIdx := rapid.IntRange(0, 7).Draw(rt, "bitIdx")
		corrupted := append([]byte{}, framed...)
		corrupted[byteIdx] ^= 1 << uint(bitIdx)

		if bytes.Equal(corrupted, framed) {
			return
		}

		_, err = Decode(corrupted)
		// A flipped escape-control byte can legitimately fail as
		// ErrEscape/ErrFrameEnd before CRC is even reached; either way
		// decode must not silently succeed with corrupted content.
		assert.Error(rt, err)
	})
}
