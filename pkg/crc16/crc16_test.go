package crc16

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumEmpty(t *testing.T) {
	assert.Equal(t, uint16(0xFFFF), Checksum(nil))
}

func TestChecksumKnownVector(t *testing.T) {
	// Bit-by-bit reference implementation of poly 0x8005, init 0xFFFF,
	// no reflection, used to cross-check the table-driven version in
	// crc16.go.
	reference := func(data []byte) uint16 {
		crc := uint16(0xFFFF)
		for _, b := range data {
			crc ^= uint16(b) << 8
			for i := 0; i < 8; i++ {
				if crc&0x8000 != 0 {
					crc = (crc << 1) ^ 0x8005
				} else {
					crc <<= 1
				}
			}
		}
		return crc
	}

	vectors := [][]byte{
		{},
		{0x00},
		{0xFF},
		[]byte("123456789"),
		{0x10, 0x82, 0x01, 0x01, 0x00, 0x01, 0x02, 0x03, 0x04},
	}
	for _, v := range vectors {
		assert.Equal(t, reference(v), Checksum(v))
	}
}

func TestUpdateMatchesSinglePass(t *testing.T) {
	header := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	content := []byte{0xAA, 0xBB, 0xCC}

	whole := Checksum(append(append([]byte{}, header...), content...))
	split := Update(Update(0xFFFF, header), content)

	assert.Equal(t, whole, split)
}

func TestChecksumDetectsSingleBitFlip(t *testing.T) {
	data := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	base := Checksum(data)

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte{}, data...)
			flipped[i] ^= 1 << bit
			assert.NotEqual(t, base, Checksum(flipped), "bit %d of byte %d should change the checksum", bit, i)
		}
	}
}
