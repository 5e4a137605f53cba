package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadramon/rbldnsd/wire"
	"github.com/steadramon/rbldnsd/zone"
)

func mustQuery(t *testing.T, name string, qtype uint16) *wire.Query {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	buf, err := m.Pack()
	require.NoError(t, err)
	q, rcode, ok := wire.Parse(buf)
	require.True(t, ok)
	require.Equal(t, dns.RcodeSuccess, rcode)
	return q
}

func loadRegistry(t *testing.T, zonespec, filename, contents string) *zone.Registry {
	dir := t.TempDir()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	spec, err := zone.ParseZonespec(zonespec + path)
	require.NoError(t, err)
	reg, err := zone.Load([]zone.ZoneSpec{spec}, 2048, false)
	require.NoError(t, err)
	return reg
}

func TestDispatchIP4Listed(t *testing.T) {
	reg := loadRegistry(t, "sbl.example:ip4set:", "sbl.zone", "10.0.0.0/8 :2\n")

	a := dispatch(reg, mustQuery(t, "1.0.0.10.sbl.example.", dns.TypeA))
	require.Equal(t, dns.RcodeSuccess, a.rcode)
	require.Len(t, a.answers, 1)
	rr := a.answers[0].(*dns.A)
	assert.Equal(t, "127.0.0.2", rr.A.String())
}

func TestDispatchIP4Unlisted(t *testing.T) {
	reg := loadRegistry(t, "sbl.example:ip4set:", "sbl.zone", "10.0.0.0/8 :2\n")

	a := dispatch(reg, mustQuery(t, "1.0.0.11.sbl.example.", dns.TypeA))
	assert.Equal(t, dns.RcodeNameError, a.rcode)
}

func TestDispatchNoZoneRefused(t *testing.T) {
	reg := loadRegistry(t, "sbl.example:ip4set:", "sbl.zone", "10.0.0.0/8 :2\n")

	a := dispatch(reg, mustQuery(t, "example.com.", dns.TypeA))
	assert.Equal(t, dns.RcodeRefused, a.rcode)
}

func TestDispatchRootRefusedWithoutRootZone(t *testing.T) {
	reg := loadRegistry(t, "sbl.example:ip4set:", "sbl.zone", "10.0.0.0/8 :2\n")

	a := dispatch(reg, mustQuery(t, ".", dns.TypeA))
	assert.Equal(t, dns.RcodeRefused, a.rcode)
}

func TestDispatchWildcardDNSet(t *testing.T) {
	reg := loadRegistry(t, "dbl.example:dnset:", "dbl.zone", ".bad.example :3\n")

	a := dispatch(reg, mustQuery(t, "x.y.bad.example.dbl.example.", dns.TypeA))
	require.Equal(t, dns.RcodeSuccess, a.rcode)
	rr := a.answers[0].(*dns.A)
	assert.Equal(t, "127.0.0.3", rr.A.String())

	a = dispatch(reg, mustQuery(t, "bad.example.dbl.example.", dns.TypeA))
	assert.Equal(t, dns.RcodeNameError, a.rcode)
}

func TestDispatchUnservedQtypeIsNoErrorNoAnswer(t *testing.T) {
	reg := loadRegistry(t, "sbl.example:ip4set:", "sbl.zone", "10.0.0.0/8 :2\n")

	a := dispatch(reg, mustQuery(t, "1.0.0.10.sbl.example.", dns.TypeMX))
	assert.Equal(t, dns.RcodeSuccess, a.rcode)
	assert.Empty(t, a.answers)
}

func TestDispatchTXTTemplateSubstitution(t *testing.T) {
	content := "$A 127.0.0.2\n$TXT \"$text is listed\"\n10.0.0.0/8\n"
	reg := loadRegistry(t, "sbl.example:ip4set:", "sbl.zone", content)

	a := dispatch(reg, mustQuery(t, "1.0.0.10.sbl.example.", dns.TypeTXT))
	require.Equal(t, dns.RcodeSuccess, a.rcode)
	require.Len(t, a.answers, 1)
	rr := a.answers[0].(*dns.TXT)
	assert.Equal(t, "1.0.0.10 is listed", rr.Txt[0])
}
