// Package zone implements the zone registry, dispatch, and the file
// loader/reloader described in spec.md §4.3-4.4: a named origin holding
// an ordered list of typed datasets, matched against a query name by
// longest-suffix-origin, with datasets rebuilt wholesale from their
// backing files whenever the newest mtime among those files changes.
package zone

import (
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Binding is one dataset bound at a zone's origin, with the backing
// files it is built from. A binding carries no label offset of its own:
// every binding of a zone is looked up with the same subject, the full
// remainder of the query name below the origin (see Zone.Subject).
type Binding struct {
	Kind    Kind
	Files   []string
	Dataset Dataset
	mtime   time.Time
}

// Zone is a named node in the registry: an origin, its bound datasets,
// and the SOA/NS records served at the apex.
type Zone struct {
	Origin string // FQDN, lowercase, trailing dot
	TTL    uint32

	SOA *dns.SOA
	NS  []*dns.NS

	Bindings []*Binding

	mtime time.Time // composite: max(file mtimes) across all bindings
}

// MTime returns the zone's composite mtime.
func (z *Zone) MTime() time.Time { return z.mtime }

// Subject strips the zone's origin from name, returning the remaining
// labels (with no trailing dot) that identify the record subject, and
// whether name actually falls within the zone.
func (z *Zone) Subject(name string) (string, bool) {
	name = strings.ToLower(name)
	origin := strings.ToLower(z.Origin)

	if name == origin {
		return "", true
	}
	if !strings.HasSuffix(name, "."+origin) {
		return "", false
	}
	subj := strings.TrimSuffix(name, "."+origin)
	return subj, true
}

// Registry holds the full set of loaded zones, kept ordered by
// non-increasing origin length so the first matching entry in a linear
// scan is always the longest-suffix match (spec.md §4.3: cardinality is
// small, a linear scan suffices).
type Registry struct {
	zones []*Zone
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add inserts or replaces a zone, keeping zones sorted by non-increasing
// origin length.
func (r *Registry) Add(z *Zone) {
	for i, existing := range r.zones {
		if strings.EqualFold(existing.Origin, z.Origin) {
			r.zones[i] = z
			return
		}
	}
	r.zones = append(r.zones, z)
	sort.SliceStable(r.zones, func(i, j int) bool {
		return len(r.zones[i].Origin) > len(r.zones[j].Origin)
	})
}

// Zones returns the registry's zones, longest-origin first.
func (r *Registry) Zones() []*Zone {
	return r.zones
}

// Match returns the zone whose origin is the longest suffix of name, or
// nil if no zone matches.
func (r *Registry) Match(name string) *Zone {
	name = strings.ToLower(name)
	for _, z := range r.zones {
		if _, ok := z.Subject(name); ok {
			return z
		}
	}
	return nil
}
