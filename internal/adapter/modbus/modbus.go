// Package modbus reads Modbus TCP devices through goburrow/modbus and
// decodes register images into engineering-unit-ready raw values.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/microlink/mcs/internal/adapter"
	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/schema"
)

// Reader is the Modbus TCP driver for one device.
type Reader struct {
	mu      sync.Mutex
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client
}

// NewReader builds a driver from the device config. The connection is opened
// by Connect, not here.
func NewReader(dev config.DeviceConfig) *Reader {
	h := gomodbus.NewTCPClientHandler(dev.Address)
	h.Timeout = time.Duration(dev.TimeoutMs) * time.Millisecond
	h.SlaveId = dev.UnitID
	return &Reader{handler: h}
}

func (r *Reader) Connect(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.handler.Connect(); err != nil {
		return fmt.Errorf("modbus connect %s: %w", r.handler.Address, err)
	}
	r.client = gomodbus.NewClient(r.handler)
	return nil
}

// ReadPoint reads the registers backing one point and decodes them. The
// transport timeout comes from the handler; ctx cancellation is checked
// before the blocking read.
func (r *Reader) ReadPoint(ctx context.Context, pt config.PointConfig) (adapter.Reading, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Reading{}, err
	}

	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return adapter.Reading{}, fmt.Errorf("modbus: not connected")
	}

	table, addr, err := splitRegister(pt.Register)
	if err != nil {
		return adapter.Reading{}, err
	}
	quantity := registerCount(pt.DataType)

	var raw []byte
	switch table {
	case tableHolding:
		raw, err = client.ReadHoldingRegisters(addr, quantity)
	case tableInput:
		raw, err = client.ReadInputRegisters(addr, quantity)
	case tableCoil:
		raw, err = client.ReadCoils(addr, 1)
	case tableDiscrete:
		raw, err = client.ReadDiscreteInputs(addr, 1)
	}
	if err != nil {
		return adapter.Reading{}, fmt.Errorf("modbus read register %d: %w", pt.Register, err)
	}

	if table == tableCoil || table == tableDiscrete {
		v := 0.0
		if len(raw) > 0 && raw[0]&0x01 != 0 {
			v = 1
		}
		return adapter.Reading{Value: v, Quality: schema.QualityGood}, nil
	}

	v, err := decodeRegisters(raw, pt.DataType, pt.ByteOrder)
	if err != nil {
		return adapter.Reading{}, err
	}
	return adapter.Reading{Value: v, Quality: schema.QualityGood}, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = nil
	return r.handler.Close()
}

type registerTable int

const (
	tableCoil registerTable = iota
	tableDiscrete
	tableInput
	tableHolding
)

// splitRegister converts a conventional 1-based register number into its
// table and zero-based protocol address: 0xxxx coils, 1xxxx discrete inputs,
// 3xxxx input registers, 4xxxx holding registers.
func splitRegister(register int) (registerTable, uint16, error) {
	switch {
	case register >= 400001 && register <= 465536:
		return tableHolding, uint16(register - 400001), nil
	case register >= 40001 && register <= 49999:
		return tableHolding, uint16(register - 40001), nil
	case register >= 300001 && register <= 365536:
		return tableInput, uint16(register - 300001), nil
	case register >= 30001 && register <= 39999:
		return tableInput, uint16(register - 30001), nil
	case register >= 10001 && register <= 19999:
		return tableDiscrete, uint16(register - 10001), nil
	case register >= 1 && register <= 9999:
		return tableCoil, uint16(register - 1), nil
	}
	return 0, 0, fmt.Errorf("modbus: register %d outside any table", register)
}

func registerCount(dataType string) uint16 {
	switch dataType {
	case "uint32", "int32", "float32":
		return 2
	default:
		return 1
	}
}

// decodeRegisters interprets the register image. Modbus transfers each
// 16-bit register big-endian; byte_order controls byte order inside a
// register and word order across the pair.
func decodeRegisters(raw []byte, dataType, byteOrder string) (float64, error) {
	n := int(registerCount(dataType)) * 2
	if len(raw) < n {
		return 0, fmt.Errorf("modbus: short read, got %d bytes want %d", len(raw), n)
	}
	b := orderBytes(raw[:n], byteOrder)

	switch dataType {
	case "uint16", "":
		return float64(binary.BigEndian.Uint16(b)), nil
	case "int16":
		return float64(int16(binary.BigEndian.Uint16(b))), nil
	case "uint32":
		return float64(binary.BigEndian.Uint32(b)), nil
	case "int32":
		return float64(int32(binary.BigEndian.Uint32(b))), nil
	case "float32":
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	}
	return 0, fmt.Errorf("modbus: unknown data_type %q", dataType)
}

// orderBytes normalizes the image to straight big-endian.
func orderBytes(raw []byte, byteOrder string) []byte {
	b := make([]byte, len(raw))
	copy(b, raw)

	switch byteOrder {
	case "big", "":
		// AB or AB CD: already canonical.
	case "little":
		// Fully reversed: DC BA → AB CD.
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
	case "big_word_swap":
		// CD AB: bytes within words are big-endian, words swapped.
		if len(b) == 4 {
			b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]
		}
	case "little_word_swap":
		// BA DC: bytes swapped within each word.
		for i := 0; i+1 < len(b); i += 2 {
			b[i], b[i+1] = b[i+1], b[i]
		}
	}
	return b
}
