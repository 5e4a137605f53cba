package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadramon/rbldnsd/config"
	"github.com/steadramon/rbldnsd/netlist"
	"github.com/steadramon/rbldnsd/signalbits"
	"github.com/steadramon/rbldnsd/zone"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	path := filepath.Join(dir, "z.zone")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.0/8 :2\n"), 0644))
	cfg, err := config.Parse("rbldnsd", []string{"-b", "127.0.0.1:0", "sbl.example:ip4set:" + path})
	require.NoError(t, err)
	return cfg
}

func TestBindListensOnEphemeralPort(t *testing.T) {
	cfg := testConfig(t)
	reg, err := zone.Load(cfg.Zonespecs, cfg.TTL, cfg.AcceptInCIDR)
	require.NoError(t, err)

	s := New(cfg, reg, clockwork.NewRealClock())
	require.NoError(t, s.Bind())
	defer s.Close()

	assert.NotEqual(t, 0, s.conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestRunAnswersQueryAndShutsDownOnTerm(t *testing.T) {
	cfg := testConfig(t)
	reg, err := zone.Load(cfg.Zonespecs, cfg.TTL, cfg.AcceptInCIDR)
	require.NoError(t, err)

	s := New(cfg, reg, clockwork.NewRealClock())
	require.NoError(t, s.Bind())
	defer s.Close()

	addr := s.conn.LocalAddr().(*net.UDPAddr)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	client, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer client.Close()

	m := new(dns.Msg)
	m.SetQuestion("1.0.0.10.sbl.example.", dns.TypeA)
	buf, err := m.Pack()
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBuf := make([]byte, 512)
	n, err := client.Read(respBuf)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(respBuf[:n]))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	s.mask.Set(signalbits.Term)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after TERM")
	}
}

func TestServeOneWritesQueryLogLine(t *testing.T) {
	cfg := testConfig(t)
	logPath := filepath.Join(t.TempDir(), "query.log")
	cfg.LogFile = logPath

	reg, err := zone.Load(cfg.Zonespecs, cfg.TTL, cfg.AcceptInCIDR)
	require.NoError(t, err)

	s := New(cfg, reg, clockwork.NewRealClock())
	require.NoError(t, s.Bind())
	defer s.Close()
	require.NoError(t, s.OpenQueryLog())

	s.serveOne(buildQueryBuf(t, "1.0.0.10.sbl.example.", dns.TypeA), &net.UDPAddr{IP: net.ParseIP("203.0.113.9")})
	require.NoError(t, s.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "203.0.113.9")
	assert.Contains(t, string(data), "1.0.0.10.sbl.example.")
}

func TestServeOneSkipsQueryLogWhenFiltered(t *testing.T) {
	cfg := testConfig(t)
	logPath := filepath.Join(t.TempDir(), "query.log")
	cfg.LogFile = logPath
	filter, err := netlist.Parse("10.0.0.0/8")
	require.NoError(t, err)
	cfg.LogFilter = filter

	reg, err := zone.Load(cfg.Zonespecs, cfg.TTL, cfg.AcceptInCIDR)
	require.NoError(t, err)

	s := New(cfg, reg, clockwork.NewRealClock())
	require.NoError(t, s.Bind())
	defer s.Close()
	require.NoError(t, s.OpenQueryLog())

	s.serveOne(buildQueryBuf(t, "1.0.0.10.sbl.example.", dns.TypeA), &net.UDPAddr{IP: net.ParseIP("203.0.113.9")})
	require.NoError(t, s.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReopenQueryLogSwitchesHandleOnHup(t *testing.T) {
	cfg := testConfig(t)
	logPath := filepath.Join(t.TempDir(), "query.log")
	cfg.LogFile = logPath

	reg, err := zone.Load(cfg.Zonespecs, cfg.TTL, cfg.AcceptInCIDR)
	require.NoError(t, err)

	s := New(cfg, reg, clockwork.NewRealClock())
	require.NoError(t, s.Bind())
	defer s.Close()
	require.NoError(t, s.OpenQueryLog())

	oldFile := s.queryLogFile
	s.handleSignals(signalbits.Hup)
	assert.NotSame(t, oldFile, s.queryLogFile)
	require.NotNil(t, s.queryLogFile)
}

func buildQueryBuf(t *testing.T, name string, qtype uint16) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	buf, err := m.Pack()
	require.NoError(t, err)
	return buf
}
