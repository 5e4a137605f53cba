// Package dnset implements the domain-name suffix store described for
// dnset zone datasets: entries are normalized, reversed label sequences
// held in a sorted slice. Lookup binary-searches for an exact match and
// then walks up the query's ancestor domains one label at a time,
// binary-searching each for a wildcard entry, stopping at the deepest
// one found.
package dnset

import (
	"sort"
	"strings"
)

// entry is one loaded name, in reversed-label form, with its
// classification value and wildcard flag.
type entry struct {
	rev      string // reversed, label-separated form, e.g. "com\x00bar\x00foo"
	value    int
	wildcard bool
}

// Set is a set of domain-name suffixes. The zero Set is usable as a
// load-time builder; call Finalize before Lookup.
type Set struct {
	raw    []entry
	sorted []entry
	final  bool
}

// New returns an empty load-time builder.
func New() *Set {
	return &Set{}
}

// reverse turns "foo.bar.com" into "com\x00bar\x00foo" (no trailing
// separator), lower-cased, for prefix/suffix binary search. The FQDN
// trailing dot, if present, is stripped first.
func reverse(name string) string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if name == "" {
		return ""
	}
	labels := strings.Split(name, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, "\x00")
}

// Add inserts a domain entry. A leading "." on the source name marks the
// entry as a wildcard (matches any strict sub-domain); its absence marks
// an exact entry (matches only itself). value 0 is reserved by the
// caller's convention as "not listed" and carries no special meaning
// here beyond being stored verbatim.
func (s *Set) Add(name string, value int) {
	wildcard := strings.HasPrefix(name, ".")
	name = strings.TrimPrefix(name, ".")
	s.raw = append(s.raw, entry{rev: reverse(name), value: value, wildcard: wildcard})
}

// Finalize sorts the accumulated entries lexicographically over their
// reversed form. Equal keys (duplicate entries) resolve by later-insert
// wins, matching the ip4set tie-break rule.
func (s *Set) Finalize() {
	if s.final {
		return
	}
	s.final = true

	type tagged struct {
		entry
		order int
	}
	tg := make([]tagged, len(s.raw))
	for i, e := range s.raw {
		tg[i] = tagged{entry: e, order: i}
	}
	sort.SliceStable(tg, func(i, j int) bool {
		if tg[i].rev != tg[j].rev {
			return tg[i].rev < tg[j].rev
		}
		return tg[i].order < tg[j].order
	})

	out := make([]entry, 0, len(tg))
	for _, t := range tg {
		if n := len(out); n > 0 && out[n-1].rev == t.rev {
			out[n-1] = t.entry // later insertion wins equal key
			continue
		}
		out = append(out, t.entry)
	}

	s.sorted = out
	s.raw = nil
}

// Len reports the number of distinct entries after Finalize.
func (s *Set) Len() int {
	return len(s.sorted)
}

// exactIndex binary-searches sorted for an entry whose reversed form is
// exactly rev.
func exactIndex(sorted []entry, rev string) (int, bool) {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].rev >= rev })
	if i < len(sorted) && sorted[i].rev == rev {
		return i, true
	}
	return 0, false
}

// parentRev strips the deepest label off rev, yielding the reversed
// form of its immediate parent domain, or ok=false once rev names the
// root.
func parentRev(rev string) (parent string, ok bool) {
	idx := strings.LastIndexByte(rev, '\x00')
	if idx < 0 {
		return "", false
	}
	return rev[:idx], true
}

// Lookup finds the longest-suffix entry admitting name: an exact entry
// matching name verbatim, or the deepest wildcard entry whose domain is
// a strict super-domain of name. Returns found=false if neither applies.
// A wildcard entry never matches its own domain, only strict
// sub-domains of it (spec.md §4.2's "matches strict sub-domains").
//
// Ancestors are probed one label at a time from deepest to shallowest,
// each via its own binary search, rather than relying on the single
// lexicographic predecessor: an unrelated exact sibling entry (e.g.
// "other.bad.example" sorting between wildcard ancestor ".bad.example"
// and query "x.bad.example") would otherwise sit immediately before the
// query in sorted order and mask the wildcard ancestor entirely.
func (s *Set) Lookup(name string) (value int, found bool, exact bool) {
	rev := reverse(name)
	sorted := s.sorted

	if i, ok := exactIndex(sorted, rev); ok && !sorted[i].wildcard {
		return sorted[i].value, true, true
	}

	for parent, ok := parentRev(rev); ok; parent, ok = parentRev(parent) {
		if i, found := exactIndex(sorted, parent); found && sorted[i].wildcard {
			return sorted[i].value, true, false
		}
	}
	return 0, false, false
}
