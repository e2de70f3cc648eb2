// Package snmpadapter reads SNMP devices (PDUs, UPSes, switches) through
// gosnmp. Counter OIDs are converted to per-second rates across samples.
package snmpadapter

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/microlink/mcs/internal/adapter"
	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/schema"
)

const counterWrap = float64(1 << 32)

// counterState remembers the previous sample of one counter OID so the next
// sample can become a rate.
type counterState struct {
	value float64
	at    time.Time
}

// Reader is the SNMP driver for one device.
type Reader struct {
	cfg config.DeviceConfig
	now func() time.Time

	mu       sync.Mutex
	conn     *gosnmp.GoSNMP
	counters map[string]counterState
}

// NewReader builds a driver from the device config.
func NewReader(dev config.DeviceConfig) *Reader {
	return &Reader{cfg: dev, now: time.Now, counters: make(map[string]counterState)}
}

func (r *Reader) Connect(_ context.Context) error {
	host, portStr, err := net.SplitHostPort(r.cfg.Address)
	if err != nil {
		host = r.cfg.Address
		portStr = "161"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("snmp: bad port in %q: %w", r.cfg.Address, err)
	}

	g := &gosnmp.GoSNMP{
		Target:  host,
		Port:    uint16(port),
		Timeout: time.Duration(r.cfg.TimeoutMs) * time.Millisecond,
		Retries: 1,
	}
	switch r.cfg.SNMPVersion {
	case "3":
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = gosnmp.AuthPriv
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 r.cfg.V3User,
			AuthenticationProtocol:   gosnmp.SHA,
			AuthenticationPassphrase: r.cfg.V3AuthPass,
			PrivacyProtocol:          gosnmp.AES,
			PrivacyPassphrase:        r.cfg.V3PrivPass,
		}
	default:
		g.Version = gosnmp.Version2c
		g.Community = r.cfg.Community
	}

	if err := g.Connect(); err != nil {
		return fmt.Errorf("snmp connect %s: %w", r.cfg.Address, err)
	}
	r.mu.Lock()
	r.conn = g
	r.mu.Unlock()
	return nil
}

// ReadPoint issues a GET for the point's OID and converts per snmp_kind.
func (r *Reader) ReadPoint(ctx context.Context, pt config.PointConfig) (adapter.Reading, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Reading{}, err
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return adapter.Reading{}, fmt.Errorf("snmp: not connected")
	}

	pkt, err := conn.Get([]string{pt.OID})
	if err != nil {
		return adapter.Reading{}, fmt.Errorf("snmp get %s: %w", pt.OID, err)
	}
	if len(pkt.Variables) == 0 {
		return adapter.Reading{}, fmt.Errorf("snmp get %s: empty response", pt.OID)
	}
	pdu := pkt.Variables[0]
	if pdu.Type == gosnmp.NoSuchObject || pdu.Type == gosnmp.NoSuchInstance {
		return adapter.Reading{}, fmt.Errorf("snmp get %s: no such object", pt.OID)
	}

	raw, err := pduToFloat(pdu)
	if err != nil {
		return adapter.Reading{}, fmt.Errorf("snmp get %s: %w", pt.OID, err)
	}

	switch pt.SNMPKind {
	case "counter":
		return r.counterRate(pt, raw), nil
	case "bool":
		if raw != 0 {
			raw = 1
		}
		return adapter.Reading{Value: raw, Quality: schema.QualityGood}, nil
	default: // float, int
		return adapter.Reading{Value: raw, Quality: schema.QualityGood}, nil
	}
}

// counterRate turns two counter samples into a per-second rate. The first
// sample has nothing to diff against, so it yields zero at UNCERTAIN. A
// negative delta means the 32-bit counter wrapped.
func (r *Reader) counterRate(pt config.PointConfig, raw float64) adapter.Reading {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.counters[pt.OID]
	r.counters[pt.OID] = counterState{value: raw, at: now}
	if !ok {
		return adapter.Reading{Value: 0, Quality: schema.QualityUncertain}
	}

	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return adapter.Reading{Value: 0, Quality: schema.QualityUncertain}
	}
	delta := raw - prev.value
	if delta < 0 {
		delta += counterWrap
	}
	scale := pt.CounterScale
	if scale == 0 {
		scale = 1
	}
	return adapter.Reading{Value: delta / elapsed * scale, Quality: schema.QualityGood}
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Conn.Close()
	r.conn = nil
	return err
}

// pduToFloat converts the PDU value across the types agents actually return.
func pduToFloat(pdu gosnmp.SnmpPDU) (float64, error) {
	switch v := pdu.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("non-numeric string value %q", v)
		}
		return f, nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("non-numeric octet value %q", v)
		}
		return f, nil
	default:
		b := gosnmp.ToBigInt(pdu.Value)
		if b == nil {
			return 0, fmt.Errorf("unsupported pdu type %v", pdu.Type)
		}
		f, _ := new(big.Float).SetInt(b).Float64()
		return f, nil
	}
}
