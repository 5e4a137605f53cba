package server

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/steadramon/rbldnsd/wire"
	"github.com/steadramon/rbldnsd/zone"
)

// answer is the outcome of dispatching one query against the registry,
// independent of wire encoding so it stays easy to unit test.
type answer struct {
	rcode     int
	answers   []dns.RR
	authority []dns.RR
}

// dispatch resolves a parsed query against reg per spec.md §4.3/§4.6's
// response-code contract: REFUSED when no zone matches, NXDOMAIN when the
// subject is within a zone but unlisted, NOERROR with zero answers when
// listed but the qtype is not one this server synthesizes records for.
func dispatch(reg *zone.Registry, q *wire.Query) answer {
	z := reg.Match(q.Name)
	if z == nil {
		return answer{rcode: dns.RcodeRefused}
	}

	subject, ok := z.Subject(q.Name)
	if !ok {
		return answer{rcode: dns.RcodeRefused}
	}

	for _, b := range z.Bindings {
		m := b.Dataset.Lookup(subject)
		if !m.Found {
			continue
		}
		return answerFor(q, subject, m, b.Dataset.TTL(), z)
	}

	return answer{rcode: dns.RcodeNameError, authority: soaAndNS(z)}
}

func answerFor(q *wire.Query, subject string, m zone.Match, ttl uint32, z *zone.Zone) answer {
	switch q.Qtype {
	case dns.TypeA:
		ip := m.Record.A
		if ip == nil {
			ip = zone.DefaultA(m.Value)
		}
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   ip,
		}
		return answer{rcode: dns.RcodeSuccess, answers: []dns.RR{rr}}

	case dns.TypeTXT:
		if m.Record.TXT == "" {
			return answer{rcode: dns.RcodeSuccess, authority: soaAndNS(z)}
		}
		text := substituteSubject(m.Record.TXT, subject)
		rr := &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
			Txt: []string{text},
		}
		return answer{rcode: dns.RcodeSuccess, answers: []dns.RR{rr}}

	default:
		return answer{rcode: dns.RcodeSuccess, authority: soaAndNS(z)}
	}
}

// substituteSubject replaces "$text" in a TXT template with the subject
// the query matched on (spec.md §4.5 RR synthesis: "$text substituted
// with the subject").
func substituteSubject(template, subject string) string {
	return strings.ReplaceAll(template, "$text", subject)
}

func soaAndNS(z *zone.Zone) []dns.RR {
	var rrs []dns.RR
	if z.SOA != nil {
		rrs = append(rrs, z.SOA)
	}
	for _, ns := range z.NS {
		rrs = append(rrs, ns)
	}
	return rrs
}
