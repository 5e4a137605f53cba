package zone

import (
	"net"

	"github.com/steadramon/rbldnsd/dnset"
	"github.com/steadramon/rbldnsd/ip4set"
)

// Kind is the sum type over the fixed set of dataset kinds (spec.md §9
// "Polymorphic datasets": a sum type over a fixed set of variants rather
// than an open function-pointer table).
type Kind int

const (
	// KindIP4 backs an ip4set zone: subjects are reversed-octet IPv4
	// addresses.
	KindIP4 Kind = iota
	// KindDN backs a dnset zone: subjects are domain names.
	KindDN
)

func (k Kind) String() string {
	switch k {
	case KindIP4:
		return "ip4set"
	case KindDN:
		return "dnset"
	default:
		return "unknown"
	}
}

// ValueRecord is the per-classification-value record template: the A
// record to synthesize and, optionally, a TXT template with "$text"
// substituted for the subject (spec.md §4.5's RR synthesis contract).
type ValueRecord struct {
	A   net.IP
	TXT string // "" if no TXT configured for this value
}

// DefaultA is the implicit A record used when a classification value
// has no explicit $A directive: 127.0.0.<value>, or 127.0.0.2 when the
// value lies outside 1..255.
func DefaultA(value int) net.IP {
	if value <= 0 || value > 255 {
		value = 2
	}
	return net.IPv4(127, 0, 0, byte(value))
}

// Match is the common lookup result shape every dataset kind answers
// with (spec.md §9): whether the subject matched, its classification
// value, and the per-value record template to synthesize.
type Match struct {
	Found  bool
	Value  int
	Record ValueRecord
}

// Dataset is the common interface both dataset kinds satisfy after a
// successful load.
type Dataset interface {
	Kind() Kind
	Lookup(subject string) Match
	TTL() uint32
}

// ip4Dataset adapts an ip4set.Set plus its per-value record table to
// the Dataset interface. Subjects are the four numeric labels stripped
// of the zone origin, in reversed-octet order (spec.md §4.3).
type ip4Dataset struct {
	set    *ip4set.Set
	values map[int]ValueRecord
	ttl    uint32
}

func (d *ip4Dataset) Kind() Kind { return KindIP4 }
func (d *ip4Dataset) TTL() uint32 { return d.ttl }

func (d *ip4Dataset) Lookup(subject string) Match {
	addr, ok := decodeReversedOctets(subject)
	if !ok {
		return Match{}
	}
	value, found := d.set.Lookup(addr)
	if !found || value == 0 {
		return Match{}
	}
	return Match{Found: true, Value: value, Record: d.recordFor(value)}
}

func (d *ip4Dataset) recordFor(value int) ValueRecord {
	if r, ok := d.values[value]; ok {
		return r
	}
	return ValueRecord{A: DefaultA(value)}
}

// decodeReversedOctets decodes the RBL convention subject
// "d.c.b.a" (reversed octet order) into addr=a.b.c.d.
func decodeReversedOctets(subject string) (ip4set.Addr, bool) {
	a, octets, err := ip4set.ParseDotted(subject)
	if err != nil || octets != 4 {
		return 0, false
	}
	b0 := byte(a >> 24)
	b1 := byte(a >> 16)
	b2 := byte(a >> 8)
	b3 := byte(a)
	addr := ip4set.Addr(uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16 | uint32(b3)<<24)
	return addr, true
}

// dnDataset adapts a dnset.Set plus its per-value record table.
type dnDataset struct {
	set    *dnset.Set
	values map[int]ValueRecord
	ttl    uint32
}

func (d *dnDataset) Kind() Kind { return KindDN }
func (d *dnDataset) TTL() uint32 { return d.ttl }

func (d *dnDataset) Lookup(subject string) Match {
	value, found, _ := d.set.Lookup(subject)
	if !found || value == 0 {
		return Match{}
	}
	return Match{Found: true, Value: value, Record: d.recordFor(value)}
}

func (d *dnDataset) recordFor(value int) ValueRecord {
	if r, ok := d.values[value]; ok {
		return r
	}
	return ValueRecord{A: DefaultA(value)}
}
