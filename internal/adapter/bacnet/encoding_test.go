package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeContextObjectID(t *testing.T) {
	// analog-input instance 7: type 0 in the top ten bits.
	got := encodeContextObjectID(0, objectID{objType: 0, instance: 7})
	assert.Equal(t, []byte{0x0C, 0x00, 0x00, 0x00, 0x07}, got)

	// binary-value (5) instance 12.
	got = encodeContextObjectID(1, objectID{objType: 5, instance: 12})
	assert.Equal(t, []byte{0x1C, 0x01, 0x40, 0x00, 0x0C}, got)
}

func TestEncodeContextUnsignedWidths(t *testing.T) {
	assert.Equal(t, []byte{0x19, 0x55}, encodeContextUnsigned(1, 85))
	assert.Equal(t, []byte{0x3A, 0x01, 0x2C}, encodeContextUnsigned(3, 300))
	assert.Equal(t, []byte{0x3C, 0x01, 0x00, 0x00, 0x00}, encodeContextUnsigned(3, 1<<24))
}

func TestDecodeAppValue(t *testing.T) {
	// Real 21.5 = 0x41AC0000.
	v, n, err := decodeAppValue([]byte{0x44, 0x41, 0xAC, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.InDelta(t, 21.5, v, 1e-6)

	// Enumerated 1 (binary active).
	v, n, err = decodeAppValue([]byte{0x91, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1.0, v)

	// Boolean true carries its value in the tag octet.
	v, n, err = decodeAppValue([]byte{0x11})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, v)

	// Unsigned two octets.
	v, _, err = decodeAppValue([]byte{0x22, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 256.0, v)

	_, _, err = decodeAppValue([]byte{0x74, 0x00})
	assert.Error(t, err)
}

func TestDecodeReadPropertyAck(t *testing.T) {
	apdu := []byte{
		apduComplexAck, 0x07, serviceReadProp,
		0x0C, 0x00, 0x00, 0x00, 0x07, // object id AI:7
		0x19, 0x55, // property present-value
		0x3E,                         // opening tag 3
		0x44, 0x41, 0xAC, 0x00, 0x00, // real 21.5
		0x3F, // closing tag 3
	}
	v, err := decodeReadPropertyAck(apdu)
	require.NoError(t, err)
	assert.InDelta(t, 21.5, v, 1e-6)

	_, err = decodeReadPropertyAck([]byte{apduError, 0x07, serviceReadProp})
	assert.Error(t, err)
}

func TestDecodeCOVNotification(t *testing.T) {
	body := []byte{
		0x09, 0x01, // process id 1
		0x1C, 0x02, 0x00, 0x00, 0x2A, // initiating device 42
		0x2C, 0x00, 0x00, 0x00, 0x07, // monitored AI:7
		0x39, 0x64, // time remaining 100
		0x4E,       // opening tag 4
		0x09, 0x55, // property present-value
		0x2E,                         // opening tag 2
		0x44, 0x41, 0xAC, 0x00, 0x00, // real 21.5
		0x2F, // closing tag 2
		0x4F, // closing tag 4
	}
	oid, v, ok := decodeCOVNotification(body)
	require.True(t, ok)
	assert.Equal(t, objectID{objType: 0, instance: 7}, oid)
	assert.InDelta(t, 21.5, v, 1e-6)
}

func TestDecodeCOVNotificationSkipsOtherProperties(t *testing.T) {
	body := []byte{
		0x09, 0x01,
		0x1C, 0x02, 0x00, 0x00, 0x2A,
		0x2C, 0x00, 0x00, 0x00, 0x07,
		0x39, 0x64,
		0x4E,
		0x09, 0x6F, // status-flags (111) first
		0x2E, 0x22, 0x00, 0x00, 0x2F,
		0x09, 0x55, // then present-value
		0x2E, 0x44, 0x41, 0xAC, 0x00, 0x00, 0x2F,
		0x4F,
	}
	oid, v, ok := decodeCOVNotification(body)
	require.True(t, ok)
	assert.Equal(t, uint32(7), oid.instance)
	assert.InDelta(t, 21.5, v, 1e-6)
}

func TestStripHeadersPlainAndRouted(t *testing.T) {
	apdu := []byte{apduSimpleAck, 0x01, serviceSubscribe}

	pkt := frame(apdu)
	got, ok := stripHeaders(pkt)
	require.True(t, ok)
	assert.Equal(t, apdu, got)

	// Routed frame with a destination address and hop count.
	routed := []byte{
		bvlcTypeIP, bvlcUnicastNPDU, 0x00, 0x00,
		npduVersion, 0x20,
		0x00, 0x05, 0x01, 0x63, // dest net 5, 1-byte addr
		0xFF, // hop count
	}
	routed = append(routed, apdu...)
	routed[3] = byte(len(routed))
	got, ok = stripHeaders(routed)
	require.True(t, ok)
	assert.Equal(t, apdu, got)

	_, ok = stripHeaders([]byte{0x55, 0x00})
	assert.False(t, ok)
}

func TestObjectTypeCode(t *testing.T) {
	for name, want := range map[string]uint16{
		"analog-input": 0, "analog-output": 1, "analog-value": 2,
		"binary-input": 3, "binary-output": 4, "binary-value": 5,
	} {
		got, err := objectTypeCode(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := objectTypeCode("multi-state-input")
	assert.Error(t, err)
}
