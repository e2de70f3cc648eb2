// Package bacnet is a minimal read-only BACnet/IP driver: ReadProperty of
// present-value for analog and binary objects, plus SubscribeCOV with
// unconfirmed notifications and lifetime renewal. Everything speaks directly
// over UDP; there is no device discovery and no writes.
package bacnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/microlink/mcs/internal/adapter"
	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/schema"
)

const (
	bvlcTypeIP       = 0x81
	bvlcUnicastNPDU  = 0x0A
	npduVersion      = 0x01
	npduExpectReply  = 0x04
	apduConfirmedReq = 0x00
	apduUnconfirmed  = 0x10
	apduSimpleAck    = 0x20
	apduComplexAck   = 0x30
	apduError        = 0x50
	apduReject       = 0x60
	apduAbort        = 0x70
	serviceSubscribe = 5
	serviceReadProp  = 12
	unconfirmedCOV   = 2
	propPresentValue = 85
	maxAPDU1476      = 0x05
	covLifetimeS     = 300
	requestTimeout   = 5 * time.Second
)

type objectID struct {
	objType  uint16
	instance uint32
}

// covSub is one live COV subscription.
type covSub struct {
	pt      config.PointConfig
	deliver func(adapter.Reading)
	cancel  context.CancelFunc
}

// Reader is the BACnet/IP driver for one device.
type Reader struct {
	cfg config.DeviceConfig

	mu       sync.Mutex
	conn     *net.UDPConn
	invoke   byte
	pending  map[byte]chan []byte
	subs     map[objectID]*covSub
	procSeq  uint32
	readDone chan struct{}
}

// NewReader builds a driver from the device config.
func NewReader(dev config.DeviceConfig) *Reader {
	return &Reader{
		cfg:     dev,
		pending: make(map[byte]chan []byte),
		subs:    make(map[objectID]*covSub),
	}
}

func (r *Reader) Connect(_ context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp4", r.cfg.Address)
	if err != nil {
		return fmt.Errorf("bacnet resolve %s: %w", r.cfg.Address, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return fmt.Errorf("bacnet dial %s: %w", r.cfg.Address, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.readDone = make(chan struct{})
	r.mu.Unlock()

	go r.readLoop(conn, r.readDone)
	return nil
}

// ReadPoint issues a ReadProperty for present-value and waits for the ack.
func (r *Reader) ReadPoint(ctx context.Context, pt config.PointConfig) (adapter.Reading, error) {
	oid, err := objectIDFor(pt)
	if err != nil {
		return adapter.Reading{}, err
	}

	req := []byte{apduConfirmedReq, maxAPDU1476, 0, serviceReadProp}
	req = append(req, encodeContextObjectID(0, oid)...)
	req = append(req, encodeContextUnsigned(1, propPresentValue)...)

	apdu, err := r.roundTrip(ctx, req)
	if err != nil {
		return adapter.Reading{}, fmt.Errorf("bacnet read %s:%d: %w", pt.ObjectType, pt.Instance, err)
	}

	v, err := decodeReadPropertyAck(apdu)
	if err != nil {
		return adapter.Reading{}, fmt.Errorf("bacnet read %s:%d: %w", pt.ObjectType, pt.Instance, err)
	}
	return adapter.Reading{Value: v, Quality: schema.QualityGood}, nil
}

// SubscribeCOV registers an unconfirmed COV subscription and renews it at
// two thirds of the lifetime until ctx or cancel ends it.
func (r *Reader) SubscribeCOV(ctx context.Context, pt config.PointConfig, deliver func(adapter.Reading)) (func(), error) {
	oid, err := objectIDFor(pt)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.procSeq++
	proc := r.procSeq
	r.mu.Unlock()

	if err := r.sendSubscribe(ctx, proc, oid, covLifetimeS); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &covSub{pt: pt, deliver: deliver, cancel: cancel}
	r.mu.Lock()
	r.subs[oid] = sub
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(covLifetimeS * time.Second * 2 / 3)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				r.mu.Lock()
				delete(r.subs, oid)
				r.mu.Unlock()
				// Lifetime zero cancels the subscription on the device.
				unsubCtx, c := context.WithTimeout(context.Background(), requestTimeout)
				_ = r.sendSubscribe(unsubCtx, proc, oid, 0)
				c()
				return
			case <-ticker.C:
				if err := r.sendSubscribe(subCtx, proc, oid, covLifetimeS); err != nil {
					// A failed renewal leaves the device-side lifetime to run
					// out; the next tick tries again.
					continue
				}
			}
		}
	}()

	return cancel, nil
}

func (r *Reader) sendSubscribe(ctx context.Context, proc uint32, oid objectID, lifetimeS uint64) error {
	req := []byte{apduConfirmedReq, maxAPDU1476, 0, serviceSubscribe}
	req = append(req, encodeContextUnsigned(0, uint64(proc))...)
	req = append(req, encodeContextObjectID(1, oid)...)
	req = append(req, encodeContextUnsigned(2, 0)...) // unconfirmed notifications
	req = append(req, encodeContextUnsigned(3, lifetimeS)...)

	_, err := r.roundTrip(ctx, req)
	if err != nil {
		return fmt.Errorf("bacnet subscribe cov %d:%d: %w", oid.objType, oid.instance, err)
	}
	return nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	subs := r.subs
	r.subs = make(map[objectID]*covSub)
	r.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// roundTrip frames the APDU, sends it, and waits for the matching invoke ID.
func (r *Reader) roundTrip(ctx context.Context, apdu []byte) ([]byte, error) {
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	r.invoke++
	id := r.invoke
	apdu[2] = id
	ch := make(chan []byte, 1)
	r.pending[id] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if _, err := conn.Write(frame(apdu)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timeout")
	case resp := <-ch:
		switch resp[0] & 0xF0 {
		case apduError, apduReject, apduAbort:
			return nil, fmt.Errorf("device rejected request (pdu 0x%02x)", resp[0])
		}
		return resp, nil
	}
}

// readLoop dispatches incoming frames: acks to their waiting round trip,
// COV notifications to their subscription.
func (r *Reader) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		apdu, ok := stripHeaders(buf[:n])
		if !ok {
			continue
		}
		switch apdu[0] & 0xF0 {
		case apduSimpleAck, apduComplexAck, apduError, apduReject, apduAbort:
			if len(apdu) < 2 {
				continue
			}
			r.mu.Lock()
			ch := r.pending[apdu[1]]
			r.mu.Unlock()
			if ch != nil {
				cp := make([]byte, len(apdu))
				copy(cp, apdu)
				select {
				case ch <- cp:
				default:
				}
			}
		case apduUnconfirmed:
			if len(apdu) >= 2 && apdu[1] == unconfirmedCOV {
				r.handleCOV(apdu[2:])
			}
		}
	}
}

func (r *Reader) handleCOV(body []byte) {
	oid, value, ok := decodeCOVNotification(body)
	if !ok {
		return
	}
	r.mu.Lock()
	sub := r.subs[oid]
	r.mu.Unlock()
	if sub != nil {
		sub.deliver(adapter.Reading{Value: value, Quality: schema.QualityGood})
	}
}

func objectIDFor(pt config.PointConfig) (objectID, error) {
	t, err := objectTypeCode(pt.ObjectType)
	if err != nil {
		return objectID{}, err
	}
	return objectID{objType: t, instance: pt.Instance}, nil
}

func objectTypeCode(name string) (uint16, error) {
	switch name {
	case "analog-input":
		return 0, nil
	case "analog-output":
		return 1, nil
	case "analog-value":
		return 2, nil
	case "binary-input":
		return 3, nil
	case "binary-output":
		return 4, nil
	case "binary-value":
		return 5, nil
	}
	return 0, fmt.Errorf("bacnet: unknown object_type %q", name)
}

// frame prepends the BVLC and NPDU headers to an APDU.
func frame(apdu []byte) []byte {
	npdu := []byte{npduVersion, npduExpectReply}
	total := 4 + len(npdu) + len(apdu)
	out := make([]byte, 0, total)
	out = append(out, bvlcTypeIP, bvlcUnicastNPDU, byte(total>>8), byte(total))
	out = append(out, npdu...)
	return append(out, apdu...)
}

// stripHeaders removes BVLC and NPDU framing, skipping routed addressing.
func stripHeaders(pkt []byte) ([]byte, bool) {
	if len(pkt) < 6 || pkt[0] != bvlcTypeIP {
		return nil, false
	}
	p := pkt[4:] // past BVLC
	if len(p) < 2 || p[0] != npduVersion {
		return nil, false
	}
	control := p[1]
	i := 2
	if control&0x20 != 0 { // destination present
		if len(p) < i+3 {
			return nil, false
		}
		dlen := int(p[i+2])
		i += 3 + dlen
	}
	if control&0x08 != 0 { // source present
		if len(p) < i+3 {
			return nil, false
		}
		slen := int(p[i+2])
		i += 3 + slen
	}
	if control&0x20 != 0 {
		i++ // hop count
	}
	if i >= len(p) {
		return nil, false
	}
	return p[i:], true
}
