package zone

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/steadramon/rbldnsd/dnset"
	"github.com/steadramon/rbldnsd/ip4set"
)

// defaultValue is the classification value an entry line receives when
// it names none explicitly and no $DEFAULT directive has overridden it.
const defaultValue = 1

// ZoneSpec is one parsed `origin:type:file[,file...]` command-line
// argument (spec.md §4.4). Repeated origins append datasets; an
// identical (origin, type) pair shares one dataset across all of its
// files.
type ZoneSpec struct {
	Origin string
	Kind   Kind
	Files  []string
}

// ParseZonespec parses a single zonespec argument.
func ParseZonespec(s string) (ZoneSpec, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return ZoneSpec{}, fmt.Errorf("zone: malformed zonespec %q, want origin:type:file[,file...]", s)
	}
	origin, typ, files := parts[0], parts[1], parts[2]
	if origin == "" {
		return ZoneSpec{}, fmt.Errorf("zone: empty origin in zonespec %q", s)
	}
	var kind Kind
	switch typ {
	case "ip4set":
		kind = KindIP4
	case "dnset":
		kind = KindDN
	default:
		return ZoneSpec{}, fmt.Errorf("zone: unknown dataset type %q in zonespec %q", typ, s)
	}
	if files == "" {
		return ZoneSpec{}, fmt.Errorf("zone: no files in zonespec %q", s)
	}
	return ZoneSpec{Origin: dns.Fqdn(strings.ToLower(origin)), Kind: kind, Files: strings.Split(files, ",")}, nil
}

// Load builds a fresh Registry from a set of zonespecs. Any per-zone
// load failure is fatal and returned; callers implementing the -q
// (quickstart) startup option may choose to log and continue instead of
// propagating it (spec.md §7: initial-load errors are fatal unless
// quickstart is requested).
func Load(specs []ZoneSpec, defaultTTL uint32, acceptInCIDR bool) (*Registry, error) {
	byOrigin := map[string][]ZoneSpec{}
	var order []string
	for _, s := range specs {
		if _, ok := byOrigin[s.Origin]; !ok {
			order = append(order, s.Origin)
		}
		byOrigin[s.Origin] = append(byOrigin[s.Origin], s)
	}

	reg := NewRegistry()
	for _, origin := range order {
		z, err := buildZone(origin, mergeBindingSpecs(byOrigin[origin]), defaultTTL, acceptInCIDR)
		if err != nil {
			return nil, err
		}
		reg.Add(z)
	}
	return reg, nil
}

// bindingSpec is the (kind, files) pair a Zone's Binding is rebuilt
// from; it is the subset of ZoneSpec that survives past the initial
// parse, kept on the Zone itself so Reload never needs the original
// command-line arguments again.
type bindingSpec struct {
	Kind  Kind
	Files []string
}

func mergeBindingSpecs(specs []ZoneSpec) []bindingSpec {
	var merged []bindingSpec
	seen := map[Kind]int{}
	for _, s := range specs {
		if i, ok := seen[s.Kind]; ok {
			merged[i].Files = append(merged[i].Files, s.Files...)
			continue
		}
		seen[s.Kind] = len(merged)
		merged = append(merged, bindingSpec{Kind: s.Kind, Files: append([]string(nil), s.Files...)})
	}
	return merged
}

// ReloadStatus classifies the outcome of a reload attempt for one zone.
type ReloadStatus int

const (
	Unchanged ReloadStatus = iota
	ReloadedOK
	ReloadedWithErrors
)

func (s ReloadStatus) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case ReloadedOK:
		return "reloaded"
	case ReloadedWithErrors:
		return "reload-failed"
	default:
		return "unknown"
	}
}

// Reload stats every zone's backing files and rebuilds from scratch any
// zone whose newest file mtime differs from its recorded composite mtime
// (spec.md §4.4: per-file incremental reload is not attempted). Only the
// newest mtime is compared, so a file whose new mtime is still older
// than another file of the same zone does not trigger a rebuild. A zone
// whose rebuild fails keeps its previous contents and is reported as
// ReloadedWithErrors; the error is returned alongside for logging, but
// does not abort reload of the remaining zones.
func Reload(reg *Registry, defaultTTL uint32, acceptInCIDR bool) (map[string]ReloadStatus, []error) {
	results := map[string]ReloadStatus{}
	var errs []error

	for _, z := range reg.Zones() {
		specs := make([]bindingSpec, len(z.Bindings))
		for i, b := range z.Bindings {
			specs[i] = bindingSpec{Kind: b.Kind, Files: b.Files}
		}

		newMtime, err := maxMtime(specs)
		if err != nil {
			results[z.Origin] = ReloadedWithErrors
			errs = append(errs, fmt.Errorf("zone %s: %w", z.Origin, err))
			continue
		}
		if newMtime.Equal(z.mtime) {
			results[z.Origin] = Unchanged
			continue
		}

		fresh, err := buildZone(z.Origin, specs, defaultTTL, acceptInCIDR)
		if err != nil {
			results[z.Origin] = ReloadedWithErrors
			errs = append(errs, fmt.Errorf("zone %s: %w", z.Origin, err))
			continue
		}
		reg.Add(fresh)
		results[z.Origin] = ReloadedOK
	}
	return results, errs
}

func maxMtime(specs []bindingSpec) (time.Time, error) {
	var max time.Time
	for _, b := range specs {
		for _, f := range b.Files {
			info, err := os.Stat(f)
			if err != nil {
				return time.Time{}, err
			}
			if info.ModTime().After(max) {
				max = info.ModTime()
			}
		}
	}
	return max, nil
}

func buildZone(origin string, specs []bindingSpec, defaultTTL uint32, acceptInCIDR bool) (*Zone, error) {
	z := &Zone{Origin: origin, TTL: defaultTTL}

	for _, bs := range specs {
		binding, mtime, err := loadBinding(bs.Kind, bs.Files, defaultTTL, acceptInCIDR, z)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", origin, err)
		}
		if mtime.After(z.mtime) {
			z.mtime = mtime
		}
		z.Bindings = append(z.Bindings, binding)
	}

	if z.SOA == nil {
		z.SOA = defaultSOA(origin)
	}
	return z, nil
}

func defaultSOA(origin string) *dns.SOA {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: origin, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 86400},
		Ns:      origin,
		Mbox:    "hostmaster." + origin,
		Serial:  1,
		Refresh: 86400,
		Retry:   7200,
		Expire:  3600000,
		Minttl:  2048,
	}
}

func loadBinding(kind Kind, files []string, defaultTTL uint32, acceptInCIDR bool, z *Zone) (*Binding, time.Time, error) {
	var ip4 *ip4set.Set
	var dn *dnset.Set
	switch kind {
	case KindIP4:
		ip4 = ip4set.New()
	case KindDN:
		dn = dnset.New()
	}

	values := map[int]ValueRecord{}
	ttl := defaultTTL
	cur := defaultValue

	var mtime time.Time
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return nil, time.Time{}, err
		}
		if info.ModTime().After(mtime) {
			mtime = info.ModTime()
		}
		if err := parseFile(path, kind, ip4, dn, values, &ttl, &cur, acceptInCIDR, z); err != nil {
			return nil, time.Time{}, err
		}
	}

	if ip4 != nil {
		ip4.Finalize()
		b := &Binding{Kind: kind, Files: files, mtime: mtime, Dataset: &ip4Dataset{set: ip4, values: values, ttl: ttl}}
		return b, mtime, nil
	}
	dn.Finalize()
	b := &Binding{Kind: kind, Files: files, mtime: mtime, Dataset: &dnDataset{set: dn, values: values, ttl: ttl}}
	return b, mtime, nil
}

// parseFile reads one zone data file, feeding entries into the dataset
// under construction and directives into the zone/value state shared
// across every file of the same binding (spec.md §4.4).
func parseFile(path string, kind Kind, ip4 *ip4set.Set, dn *dnset.Set, values map[int]ValueRecord, ttl *uint32, cur *int, acceptInCIDR bool, z *Zone) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := stripComment(sc.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "$") {
			if err := parseDirective(line, kind, values, ttl, cur, z); err != nil {
				return fmt.Errorf("%s:%d: %w", path, lineno, err)
			}
			continue
		}
		if err := parseEntry(line, kind, ip4, dn, *cur, acceptInCIDR); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineno, err)
		}
	}
	return sc.Err()
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func parseEntry(line string, kind Kind, ip4 *ip4set.Set, dn *dnset.Set, cur int, acceptInCIDR bool) error {
	fields := strings.Fields(line)
	subject := fields[0]
	value := cur
	if len(fields) > 1 {
		v, err := strconv.Atoi(strings.TrimPrefix(fields[1], ":"))
		if err != nil {
			return fmt.Errorf("bad value %q: %w", fields[1], err)
		}
		if err := validateValue(v); err != nil {
			return err
		}
		value = v
	}

	switch kind {
	case KindIP4:
		if idx := strings.IndexByte(subject, '-'); idx >= 0 {
			start, end, err := ip4set.ParseRange(subject, acceptInCIDR)
			if err != nil {
				return err
			}
			ip4.Add(start, end, value)
			return nil
		}
		cidr, err := ip4set.ParseCIDR(subject, acceptInCIDR)
		if err != nil {
			return err
		}
		ip4.AddCIDR(cidr, value)
		return nil
	case KindDN:
		dn.Add(subject, value)
		return nil
	}
	return fmt.Errorf("unhandled dataset kind")
}

// parseDirective handles a single `$...` control line. $A and $TXT
// optionally take a leading classification value (defaulting to the
// binding's current default) so that multi-value zones can bind a
// distinct A/TXT template to each classification, e.g.
// "$A 3 127.0.0.3" followed by entries carrying ":3".
func parseDirective(line string, kind Kind, values map[int]ValueRecord, ttl *uint32, cur *int, z *Zone) error {
	fields := strings.Fields(line)
	directive := strings.ToUpper(fields[0])
	args := fields[1:]

	switch directive {
	case "$TTL":
		if len(args) != 1 {
			return fmt.Errorf("$TTL wants 1 argument")
		}
		n, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("bad $TTL value %q: %w", args[0], err)
		}
		*ttl = uint32(n)

	case "$DEFAULT":
		if len(args) != 1 {
			return fmt.Errorf("$DEFAULT wants 1 argument")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad $DEFAULT value %q: %w", args[0], err)
		}
		if err := validateValue(n); err != nil {
			return err
		}
		*cur = n

	case "$DATASET":
		if len(args) < 1 {
			return fmt.Errorf("$DATASET wants a type argument")
		}
		var want Kind
		switch args[0] {
		case "ip4set":
			want = KindIP4
		case "dnset":
			want = KindDN
		default:
			return fmt.Errorf("$DATASET unknown type %q", args[0])
		}
		if want != kind {
			return fmt.Errorf("$DATASET type %q does not match this binding's %s", args[0], kind)
		}

	case "$SOA":
		soa, err := parseSOA(args, z.Origin)
		if err != nil {
			return err
		}
		z.SOA = soa

	case "$NS":
		if len(args) != 1 {
			return fmt.Errorf("$NS wants 1 argument")
		}
		z.NS = append(z.NS, &dns.NS{
			Hdr: dns.RR_Header{Name: z.Origin, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: *ttl},
			Ns:  dns.Fqdn(args[0]),
		})

	case "$A":
		value, ip, err := valueAndArg(args, *cur)
		if err != nil {
			return fmt.Errorf("$A: %w", err)
		}
		addr := net.ParseIP(ip)
		if addr == nil || addr.To4() == nil {
			return fmt.Errorf("$A: invalid IPv4 address %q", ip)
		}
		rec := values[value]
		rec.A = addr.To4()
		values[value] = rec

	case "$TXT":
		value, text, err := valueAndArg(args, *cur)
		if err != nil {
			return fmt.Errorf("$TXT: %w", err)
		}
		rec := values[value]
		rec.TXT = strings.Trim(text, `"`)
		values[value] = rec

	default:
		return fmt.Errorf("unknown directive %q", fields[0])
	}
	return nil
}

// valueAndArg splits "[value] arg..." into (value, joined-rest),
// falling back to cur when no leading integer is present.
func valueAndArg(args []string, cur int) (int, string, error) {
	if len(args) == 0 {
		return 0, "", fmt.Errorf("missing argument")
	}
	if v, err := strconv.Atoi(args[0]); err == nil && len(args) > 1 {
		if err := validateValue(v); err != nil {
			return 0, "", err
		}
		return v, strings.Join(args[1:], " "), nil
	}
	return cur, strings.Join(args, " "), nil
}

// validateValue rejects 0, reserved by spec.md §3 to mean "not listed":
// an entry or $A/$TXT/$DEFAULT binding to value 0 would otherwise be
// stored and answered as if it were listed.
func validateValue(v int) error {
	if v == 0 {
		return fmt.Errorf("value 0 is reserved for \"not listed\", cannot be assigned to an entry")
	}
	return nil
}

func parseSOA(args []string, origin string) (*dns.SOA, error) {
	if len(args) != 7 {
		return nil, fmt.Errorf("$SOA wants 7 arguments: ns admin serial refresh retry expire minttl")
	}
	nums := make([]uint32, 5)
	for i, a := range args[2:] {
		n, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("$SOA: bad numeric field %q: %w", a, err)
		}
		nums[i] = uint32(n)
	}
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: origin, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: nums[4]},
		Ns:      dns.Fqdn(args[0]),
		Mbox:    dns.Fqdn(args[1]),
		Serial:  nums[0],
		Refresh: nums[1],
		Retry:   nums[2],
		Expire:  nums[3],
		Minttl:  nums[4],
	}, nil
}
