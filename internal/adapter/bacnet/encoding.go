package bacnet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tag octet layout: tag number in the high nibble, class bit 0x08, length or
// value in the low three bits. Lengths above 4 use the extended forms, which
// present-value payloads never need.

func encodeContextObjectID(tagNum byte, oid objectID) []byte {
	v := uint32(oid.objType)<<22 | (oid.instance & 0x3FFFFF)
	out := []byte{tagNum<<4 | 0x08 | 4, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(out[1:], v)
	return out
}

func encodeContextUnsigned(tagNum byte, v uint64) []byte {
	var body []byte
	switch {
	case v <= 0xFF:
		body = []byte{byte(v)}
	case v <= 0xFFFF:
		body = []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		body = []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		body = []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
	return append([]byte{tagNum<<4 | 0x08 | byte(len(body))}, body...)
}

// decodeAppValue reads one application-tagged primitive: real, unsigned,
// enumerated, or boolean. Returns the value and bytes consumed.
func decodeAppValue(b []byte) (float64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("empty value")
	}
	tag := b[0] >> 4
	lvt := int(b[0] & 0x07)

	switch tag {
	case 1: // boolean, value lives in the LVT bits
		return float64(lvt & 1), 1, nil
	case 2, 9: // unsigned, enumerated
		if len(b) < 1+lvt || lvt < 1 || lvt > 4 {
			return 0, 0, fmt.Errorf("bad unsigned length %d", lvt)
		}
		var v uint64
		for _, octet := range b[1 : 1+lvt] {
			v = v<<8 | uint64(octet)
		}
		return float64(v), 1 + lvt, nil
	case 4: // real
		if lvt != 4 || len(b) < 5 {
			return 0, 0, fmt.Errorf("bad real length %d", lvt)
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b[1:5]))), 5, nil
	}
	return 0, 0, fmt.Errorf("unsupported application tag %d", tag)
}

// decodeReadPropertyAck extracts the present-value from a ComplexAck APDU.
// Layout: pdu type, invoke id, service, context 0 object id, context 1
// property id, opening tag 3, value, closing tag 3.
func decodeReadPropertyAck(apdu []byte) (float64, error) {
	if len(apdu) < 4 || apdu[0]&0xF0 != apduComplexAck || apdu[2] != serviceReadProp {
		return 0, fmt.Errorf("not a read-property ack")
	}
	i := 3
	var err error
	if i, err = skipContextTag(apdu, i, 0); err != nil {
		return 0, err
	}
	if i, err = skipContextTag(apdu, i, 1); err != nil {
		return 0, err
	}
	if i >= len(apdu) || apdu[i] != 0x3E { // opening tag 3
		return 0, fmt.Errorf("missing value opening tag")
	}
	v, _, err := decodeAppValue(apdu[i+1:])
	return v, err
}

// decodeCOVNotification extracts the monitored object and the present-value
// from an UnconfirmedCOVNotification body (after pdu type and service).
func decodeCOVNotification(body []byte) (objectID, float64, bool) {
	i := 0
	var err error
	if i, err = skipContextTag(body, i, 0); err != nil { // process id
		return objectID{}, 0, false
	}
	if i, err = skipContextTag(body, i, 1); err != nil { // initiating device
		return objectID{}, 0, false
	}
	if i+5 > len(body) || body[i]>>4 != 2 || body[i]&0x07 != 4 {
		return objectID{}, 0, false
	}
	raw := binary.BigEndian.Uint32(body[i+1 : i+5])
	oid := objectID{objType: uint16(raw >> 22), instance: raw & 0x3FFFFF}
	i += 5
	if i, err = skipContextTag(body, i, 3); err != nil { // time remaining
		return objectID{}, 0, false
	}
	if i >= len(body) || body[i] != 0x4E { // opening tag 4, list of values
		return objectID{}, 0, false
	}
	i++

	// Scan property entries for present-value.
	for i < len(body) && body[i] != 0x4F {
		var prop uint64
		if body[i]>>4 != 0 || body[i]&0x08 == 0 {
			return objectID{}, 0, false
		}
		plen := int(body[i] & 0x07)
		if i+1+plen > len(body) {
			return objectID{}, 0, false
		}
		for _, octet := range body[i+1 : i+1+plen] {
			prop = prop<<8 | uint64(octet)
		}
		i += 1 + plen
		if i >= len(body) || body[i] != 0x2E { // opening tag 2, value
			return objectID{}, 0, false
		}
		i++
		v, n, err := decodeAppValue(body[i:])
		if err != nil {
			return objectID{}, 0, false
		}
		i += n
		if i >= len(body) || body[i] != 0x2F { // closing tag 2
			return objectID{}, 0, false
		}
		i++
		if prop == propPresentValue {
			return oid, v, true
		}
	}
	return objectID{}, 0, false
}

func skipContextTag(b []byte, i int, tagNum byte) (int, error) {
	if i >= len(b) {
		return 0, fmt.Errorf("truncated at tag %d", tagNum)
	}
	if b[i]>>4 != tagNum || b[i]&0x08 == 0 {
		return 0, fmt.Errorf("expected context tag %d, got 0x%02x", tagNum, b[i])
	}
	n := int(b[i] & 0x07)
	if i+1+n > len(b) {
		return 0, fmt.Errorf("truncated context tag %d", tagNum)
	}
	return i + 1 + n, nil
}
