package dns

import (
	"encoding/binary"
	"fmt"
)

// RRHeader carries the name, class, and TTL common to every resource record.
// The record's type is reported separately by each Record implementation's
// Type method, since some (A vs AAAA) derive it from their payload rather
// than storing it.
type RRHeader struct {
	Name  string
	Class uint16
	TTL   uint32
}

// NewRRHeader builds a record header for a record to be synthesized or
// rewritten locally (hosts rules, CNAME chasing, DNSCurve cert answers).
func NewRRHeader(name string, class RecordClass, ttl uint32) RRHeader {
	return RRHeader{Name: name, Class: uint16(class), TTL: ttl}
}

// Record is a parsed DNS resource record. Concrete implementations are
// IPRecord (A/AAAA), NameRecord (CNAME/NS/PTR), MXRecord (MX), and
// OpaqueRecord (TXT, OPT, and any type this package doesn't interpret).
type Record interface {
	Header() RRHeader
	SetHeader(RRHeader)
	Type() RecordType
	MarshalRData() ([]byte, error)
}

// MXRecord represents a DNS MX record (RFC 1035 §3.3.9).
type MXRecord struct {
	H          RRHeader
	Preference uint16
	Exchange   string
}

// NewMXRecord creates a new MX record.
func NewMXRecord(h RRHeader, preference uint16, exchange string) *MXRecord {
	return &MXRecord{H: h, Preference: preference, Exchange: exchange}
}

// Type returns TypeMX.
func (r *MXRecord) Type() RecordType { return TypeMX }

// Header returns the record header.
func (r *MXRecord) Header() RRHeader { return r.H }

// SetHeader sets the record header.
func (r *MXRecord) SetHeader(h RRHeader) { r.H = h }

// MarshalRData marshals the preference and exchange name to wire format.
func (r *MXRecord) MarshalRData() ([]byte, error) {
	ex, err := EncodeName(r.Exchange)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2+len(ex))
	binary.BigEndian.PutUint16(out[0:2], r.Preference)
	copy(out[2:], ex)
	return out, nil
}

// parseMXRData parses MX record RDATA (preference + exchange name) from wire format.
func parseMXRData(msg []byte, off *int, start, rdlen int) (*MXRecord, error) {
	if *off+2 > len(msg) {
		return nil, fmt.Errorf("%w: unexpected EOF while reading MX preference", ErrDNSError)
	}
	pref := binary.BigEndian.Uint16(msg[*off : *off+2])
	*off += 2
	ex, err := DecodeName(msg, off)
	if err != nil {
		return nil, err
	}
	if *off-start != rdlen {
		return nil, fmt.Errorf("%w: invalid DNS record rdata length for MX (RFC 1035 §3.3.9)", ErrDNSError)
	}
	return &MXRecord{Preference: pref, Exchange: ex}, nil
}

// ParseRecord parses a single resource record (name, type, class, TTL,
// RDATA) from msg at *off, dispatching RDATA parsing by record type, and
// advances *off past it.
func ParseRecord(msg []byte, off *int) (Record, error) {
	name, err := DecodeName(msg, off)
	if err != nil {
		return nil, err
	}
	if *off+10 > len(msg) {
		return nil, fmt.Errorf("%w: unexpected EOF while reading DNS record", ErrDNSError)
	}
	rrType := binary.BigEndian.Uint16(msg[*off : *off+2])
	rrClass := binary.BigEndian.Uint16(msg[*off+2 : *off+4])
	ttl := binary.BigEndian.Uint32(msg[*off+4 : *off+8])
	rdlen := int(binary.BigEndian.Uint16(msg[*off+8 : *off+10]))
	*off += 10
	start := *off
	if start+rdlen > len(msg) {
		return nil, fmt.Errorf("%w: unexpected EOF while reading DNS record rdata", ErrDNSError)
	}

	h := RRHeader{Name: name, Class: rrClass, TTL: ttl}
	var r Record
	switch RecordType(rrType) {
	case TypeA, TypeAAAA:
		r, err = ParseIPRData(msg, off, rdlen)
	case TypeCNAME, TypeNS, TypePTR:
		r, err = ParseNameRData(msg, off, start, rdlen, RecordType(rrType))
	case TypeMX:
		r, err = parseMXRData(msg, off, start, rdlen)
	default:
		r, err = ParseOpaqueRData(msg, off, rdlen, RecordType(rrType))
	}
	if err != nil {
		return nil, err
	}
	r.SetHeader(h)
	return r, nil
}

// marshalRR serializes a resource record to wire format: name, type, class,
// TTL, RDLENGTH, RDATA. OPT records always use the root name regardless of
// the header's Name field (RFC 6891 §6.1.2).
func marshalRR(r Record) ([]byte, error) {
	h := r.Header()
	rt := r.Type()

	nameWire := []byte{0}
	if rt != TypeOPT {
		b, err := EncodeName(h.Name)
		if err != nil {
			return nil, err
		}
		nameWire = b
	}

	rdata, err := r.MarshalRData()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nameWire)+10+len(rdata))
	out = append(out, nameWire...)
	fixed := make([]byte, 10)
	binary.BigEndian.PutUint16(fixed[0:2], uint16(rt))
	binary.BigEndian.PutUint16(fixed[2:4], h.Class)
	binary.BigEndian.PutUint32(fixed[4:8], h.TTL)
	binary.BigEndian.PutUint16(fixed[8:10], uint16(len(rdata)))
	out = append(out, fixed...)
	out = append(out, rdata...)
	return out, nil
}

// IPString returns the dotted-quad or colon-hex form of an IP record's
// address, if r is an *IPRecord.
func IPString(r Record) (string, bool) {
	ip, ok := r.(*IPRecord)
	if !ok {
		return "", false
	}
	return ip.Addr.String(), true
}
