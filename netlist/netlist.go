// Package netlist implements the CLI netlist syntax used by the -a
// (query accept) and -L (log filter) options: an ordered list of CIDR or
// hostname rules, each optionally negated with a leading "!", matched
// first-rule-wins, with an implicit terminal rule that is the inverse of
// the last explicit rule.
package netlist

import (
	"fmt"
	"net"
	"strings"

	"github.com/steadramon/rbldnsd/ip4set"
)

// Rule is one parsed netlist entry.
type Rule struct {
	Deny bool
	Net  *net.IPNet
}

// List is a parsed, ordered netlist.
type List struct {
	rules        []Rule
	defaultAllow bool
}

// splitFields breaks a netlist source string on commas, semicolons or
// whitespace, discarding empty fields.
func splitFields(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	return fields
}

// Parse builds a List from the netlist syntax described in spec.md §6.
// Tokens that parse as neither a CIDR nor a literal IP are resolved as
// hostnames via DNS (matching rbldnsd's own netlist semantics); a
// hostname that resolves to multiple addresses expands to one rule per
// address, all carrying the token's own deny/allow sign and position.
func Parse(s string) (*List, error) {
	l := &List{defaultAllow: true}

	for _, tok := range splitFields(s) {
		deny := false
		if strings.HasPrefix(tok, "!") {
			deny = true
			tok = tok[1:]
		}
		if tok == "" {
			return nil, fmt.Errorf("netlist: empty rule")
		}

		nets, err := resolveToken(tok)
		if err != nil {
			return nil, fmt.Errorf("netlist: %q: %w", tok, err)
		}
		for _, n := range nets {
			l.rules = append(l.rules, Rule{Deny: deny, Net: n})
		}
		l.defaultAllow = deny
	}

	return l, nil
}

func resolveToken(tok string) ([]*net.IPNet, error) {
	if _, n, err := net.ParseCIDR(tok); err == nil {
		return []*net.IPNet{n}, nil
	}

	if c, err := ip4set.ParseCIDR(tok, true); err == nil {
		ip := net.IPv4(byte(c.Base>>24), byte(c.Base>>16), byte(c.Base>>8), byte(c.Base))
		mask := net.CIDRMask(c.Bits, 32)
		return []*net.IPNet{{IP: ip.Mask(mask), Mask: mask}}, nil
	}

	if ip := net.ParseIP(tok); ip != nil {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return []*net.IPNet{{IP: ip, Mask: net.CIDRMask(bits, bits)}}, nil
	}

	addrs, err := net.LookupIP(tok)
	if err != nil {
		return nil, fmt.Errorf("not a CIDR, IP or resolvable hostname: %w", err)
	}
	nets := make([]*net.IPNet, 0, len(addrs))
	for _, ip := range addrs {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// Allow reports whether ip is admitted by the netlist: the sign of the
// first matching rule, or the implicit terminal rule (the inverse of the
// last explicit rule, or unconditional allow for an empty list) when
// none match.
func (l *List) Allow(ip net.IP) bool {
	if l == nil {
		return true
	}
	for _, r := range l.rules {
		if r.Net.Contains(ip) {
			return !r.Deny
		}
	}
	return l.defaultAllow
}

// Len reports the number of explicit rules.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.rules)
}
