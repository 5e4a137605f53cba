// Package wire implements the DNS packet codec: parsing an incoming UDP
// query into a validated Query, and building a response back into wire
// format, both on top of github.com/miekg/dns's RR and message types.
//
// Parsing intentionally does not use dns.Msg.Unpack for the question
// name, because spec.md §4.5 requires rejecting any query that uses
// label compression — a restriction Unpack does not apply, since it
// happily follows pointers. The header and question are decoded by hand
// instead; once validated, an equivalent dns.Msg is synthesized so the
// rest of the codebase can keep working with the familiar miekg/dns
// types for everything downstream (RR construction, packing).
package wire

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/miekg/dns"
)

// MaxUDPSize is the wire size budget a built response must fit within
// before truncation kicks in (spec.md §4.5).
const MaxUDPSize = 512

// Query is a single parsed DNS question, plus enough of the original
// header to build a matching response.
type Query struct {
	ID     uint16
	RD     bool
	Name   string // FQDN, as-received (not case-folded)
	Qtype  uint16
	Qclass uint16
	Msg    *dns.Msg // echo-ready skeleton: id/question/flags populated
}

var (
	errTruncated    = errors.New("wire: truncated name")
	errCompression  = errors.New("wire: compression pointer in query")
	errLabelTooLong = errors.New("wire: label exceeds 63 bytes")
	errNameTooLong  = errors.New("wire: name exceeds 255 bytes")
)

// decodeName walks an uncompressed name starting at offset, returning
// its dotted textual form and the offset just past it.
func decodeName(buf []byte, offset int) (name string, end int, err error) {
	var labels []string
	total := 0
	pos := offset
	for {
		if pos >= len(buf) {
			return "", 0, errTruncated
		}
		l := buf[pos]
		if l == 0 {
			pos++
			break
		}
		if l&0xC0 != 0 {
			return "", 0, errCompression
		}
		if l > 63 {
			return "", 0, errLabelTooLong
		}
		pos++
		if pos+int(l) > len(buf) {
			return "", 0, errTruncated
		}
		labels = append(labels, string(buf[pos:pos+int(l)]))
		pos += int(l)
		total += int(l) + 1
		if total > 255 {
			return "", 0, errNameTooLong
		}
	}
	if len(labels) == 0 {
		return ".", pos, nil
	}
	return strings.Join(labels, ".") + ".", pos, nil
}

// Parse validates and decodes a raw UDP payload per spec.md §4.5.
//
// ok=false means the packet carries no usable header at all (too short,
// or itself a response) and must be silently dropped. ok=true with
// rcode==dns.RcodeSuccess means q is a single well-formed question ready
// for dispatch; ok=true with a non-zero rcode means the caller should
// build an error response with that code (q.ID/q.RD are always valid
// when ok is true, even if the question itself could not be decoded).
func Parse(buf []byte) (q *Query, rcode int, ok bool) {
	if len(buf) < 12 {
		return nil, 0, false
	}

	id := binary.BigEndian.Uint16(buf[0:2])
	flagsHi := buf[2]
	flagsLo := buf[3]
	isResponse := flagsHi&0x80 != 0
	opcode := int(flagsHi>>3) & 0x0F
	rd := flagsHi&0x01 != 0
	_ = flagsLo

	if isResponse {
		return nil, 0, false
	}

	q = &Query{ID: id, RD: rd}

	qdcount := binary.BigEndian.Uint16(buf[4:6])
	ancount := binary.BigEndian.Uint16(buf[6:8])
	nscount := binary.BigEndian.Uint16(buf[8:10])
	arcount := binary.BigEndian.Uint16(buf[10:12])

	if qdcount != 1 || ancount != 0 || nscount != 0 || arcount != 0 {
		return q, dns.RcodeFormatError, true
	}
	if opcode != dns.OpcodeQuery {
		return q, dns.RcodeNotImplemented, true
	}

	name, end, err := decodeName(buf, 12)
	if err != nil {
		return q, dns.RcodeFormatError, true
	}
	if end+4 > len(buf) {
		return q, dns.RcodeFormatError, true
	}

	qtype := binary.BigEndian.Uint16(buf[end : end+2])
	qclass := binary.BigEndian.Uint16(buf[end+2 : end+4])

	switch qclass {
	case dns.ClassINET, dns.ClassANY, dns.ClassCHAOS:
	default:
		return q, dns.RcodeFormatError, true
	}

	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = rd
	msg.Opcode = dns.OpcodeQuery
	msg.Question = []dns.Question{{Name: name, Qtype: qtype, Qclass: qclass}}

	q.Name = name
	q.Qtype = qtype
	q.Qclass = qclass
	q.Msg = msg

	return q, dns.RcodeSuccess, true
}

// Build constructs a response to q with the given rcode and answer /
// authority resource records, honoring the 512-byte wire budget: if the
// fully-built message overflows, whole answer RRs are dropped from the
// tail and TC is set, per spec.md §4.5. aa is the Authoritative Answer
// bit; ra is always false (no recursion is available).
func Build(q *Query, rcode int, aa bool, answers, authority []dns.RR) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = q.ID
	msg.Response = true
	msg.Opcode = dns.OpcodeQuery
	msg.Authoritative = aa
	msg.RecursionDesired = q.RD
	msg.RecursionAvailable = false
	msg.Rcode = rcode

	if q.Msg != nil {
		msg.Question = q.Msg.Question
	}
	msg.Answer = answers
	msg.Ns = authority

	buf, err := msg.Pack()
	if err != nil {
		return nil, err
	}
	if len(buf) <= MaxUDPSize {
		return buf, nil
	}

	msg.Truncated = true
	for len(msg.Answer) > 0 {
		msg.Answer = msg.Answer[:len(msg.Answer)-1]
		buf, err = msg.Pack()
		if err != nil {
			return nil, err
		}
		if len(buf) <= MaxUDPSize {
			return buf, nil
		}
	}

	msg.Ns = nil
	return msg.Pack()
}
