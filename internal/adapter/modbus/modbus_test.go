package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRegister(t *testing.T) {
	tests := []struct {
		register int
		table    registerTable
		addr     uint16
	}{
		{40001, tableHolding, 0},
		{40108, tableHolding, 107},
		{400001, tableHolding, 0},
		{430000, tableHolding, 29999},
		{30001, tableInput, 0},
		{30010, tableInput, 9},
		{10001, tableDiscrete, 0},
		{1, tableCoil, 0},
		{250, tableCoil, 249},
	}
	for _, tt := range tests {
		table, addr, err := splitRegister(tt.register)
		require.NoError(t, err, "register %d", tt.register)
		assert.Equal(t, tt.table, table, "register %d", tt.register)
		assert.Equal(t, tt.addr, addr, "register %d", tt.register)
	}

	_, _, err := splitRegister(0)
	assert.Error(t, err)
	_, _, err = splitRegister(70000)
	assert.Error(t, err)
}

func TestDecodeUint16AndInt16(t *testing.T) {
	v, err := decodeRegisters([]byte{0x01, 0x02}, "uint16", "big")
	require.NoError(t, err)
	assert.Equal(t, 258.0, v)

	v, err = decodeRegisters([]byte{0xFF, 0xFE}, "int16", "big")
	require.NoError(t, err)
	assert.Equal(t, -2.0, v)

	// Empty data_type defaults to uint16.
	v, err = decodeRegisters([]byte{0x00, 0x2A}, "", "")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestDecodeFloat32ByteOrders(t *testing.T) {
	// 123.456 as IEEE-754 big-endian: 42 F6 E9 79.
	canonical := []byte{0x42, 0xF6, 0xE9, 0x79}

	tests := []struct {
		order string
		raw   []byte
	}{
		{"big", []byte{0x42, 0xF6, 0xE9, 0x79}},
		{"little", []byte{0x79, 0xE9, 0xF6, 0x42}},
		{"big_word_swap", []byte{0xE9, 0x79, 0x42, 0xF6}},
		{"little_word_swap", []byte{0xF6, 0x42, 0x79, 0xE9}},
	}
	for _, tt := range tests {
		v, err := decodeRegisters(tt.raw, "float32", tt.order)
		require.NoError(t, err, tt.order)
		assert.InDelta(t, 123.456, v, 1e-3, tt.order)
	}

	v, err := decodeRegisters(canonical, "float32", "big")
	require.NoError(t, err)
	assert.InDelta(t, 123.456, v, 1e-3)
}

func TestDecodeInt32Negative(t *testing.T) {
	v, err := decodeRegisters([]byte{0xFF, 0xFF, 0xFF, 0x9C}, "int32", "big")
	require.NoError(t, err)
	assert.Equal(t, -100.0, v)

	v, err = decodeRegisters([]byte{0xFF, 0x9C, 0xFF, 0xFF}, "int32", "big_word_swap")
	require.NoError(t, err)
	assert.Equal(t, -100.0, v)
}

func TestDecodeRejectsShortAndUnknown(t *testing.T) {
	_, err := decodeRegisters([]byte{0x01}, "uint16", "big")
	assert.Error(t, err)

	_, err = decodeRegisters([]byte{0x01, 0x02}, "float32", "big")
	assert.Error(t, err)

	_, err = decodeRegisters([]byte{0x01, 0x02}, "double", "big")
	assert.Error(t, err)
}
