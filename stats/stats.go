// Package stats mirrors the reference implementation's dnsstats struct
// (counts of replies/nxdomains/errors/bad-packets, each split into
// num/in-bytes/out-bytes) dumped to the log as one structured record on
// SIGUSR1/SIGUSR2 (spec.md §5, §9). The counters driving that dump are
// plain atomics, since the dump needs to read its own values back and
// reset them on USR2 — prometheus.Counter supports neither. Alongside
// them, a Prometheus CounterVec (wired the way the teacher's
// middleware/metrics package wires client_golang) tracks per-qtype,
// per-rcode query volume for scraping by an external collector; it is
// write-only from this package's perspective, same as the teacher's.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/log"
)

// Stats accumulates query-path counters since the last reset.
type Stats struct {
	clock clockwork.Clock
	start atomic.Value // time.Time

	nrep, irep, orep, arep atomic.Uint64
	nnxd, inxd, onxd       atomic.Uint64
	nerr, ierr, oerr       atomic.Uint64
	nbad, ibad             atomic.Uint64

	queries  *prometheus.CounterVec
	Registry *prometheus.Registry
}

// New builds a fresh counter set with its own Prometheus registry (not
// the global default, so that multiple servers — and multiple tests —
// in one process never collide on metric registration). clock is
// injected so tests and the dump's reported uptime don't depend on wall
// time.
func New(clock clockwork.Clock) *Stats {
	s := &Stats{
		clock:    clock,
		Registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbldnsd_queries_total",
				Help: "DNS queries processed, by query type and response code",
			},
			[]string{"qtype", "rcode"},
		),
	}
	s.start.Store(clock.Now())
	s.Registry.MustRegister(s.queries)
	return s
}

// RecordNoError records a NOERROR reply of inBytes/outBytes with
// answerRRs answer records.
func (s *Stats) RecordNoError(qtype uint16, inBytes, outBytes, answerRRs int) {
	s.nrep.Add(1)
	s.irep.Add(uint64(inBytes))
	s.orep.Add(uint64(outBytes))
	s.arep.Add(uint64(answerRRs))
	s.observe(qtype, dns.RcodeSuccess)
}

// RecordNXDomain records an NXDOMAIN reply.
func (s *Stats) RecordNXDomain(qtype uint16, inBytes, outBytes int) {
	s.nnxd.Add(1)
	s.inxd.Add(uint64(inBytes))
	s.onxd.Add(uint64(outBytes))
	s.observe(qtype, dns.RcodeNameError)
}

// RecordError records any other non-NOERROR, non-NXDOMAIN response.
func (s *Stats) RecordError(qtype uint16, rcode int, inBytes, outBytes int) {
	s.nerr.Add(1)
	s.ierr.Add(uint64(inBytes))
	s.oerr.Add(uint64(outBytes))
	s.observe(qtype, rcode)
}

// RecordBad records a packet that could not be parsed at all.
func (s *Stats) RecordBad(inBytes int) {
	s.nbad.Add(1)
	s.ibad.Add(uint64(inBytes))
}

func (s *Stats) observe(qtype uint16, rcode int) {
	s.queries.With(prometheus.Labels{
		"qtype": dns.TypeToString[qtype],
		"rcode": dns.RcodeToString[rcode],
	}).Inc()
}

// Dump logs the accumulated counters (the reference implementation's
// logstats counter set) as one structured "stats" log record with
// key/value fields, and when reset is true (SIGUSR2), zeroes every
// counter and restarts the uptime clock.
func (s *Stats) Dump(reset bool) {
	start := s.start.Load().(time.Time)
	elapsed := s.clock.Now().Sub(start)

	nrep, irep, orep, arep := s.nrep.Load(), s.irep.Load(), s.orep.Load(), s.arep.Load()
	nnxd, inxd, onxd := s.nnxd.Load(), s.inxd.Load(), s.onxd.Load()
	nerr, ierr, oerr := s.nerr.Load(), s.ierr.Load(), s.oerr.Load()
	nbad, ibad := s.nbad.Load(), s.ibad.Load()

	log.Info("stats",
		"elapsed_sec", int64(elapsed/time.Second),
		"tot", nrep+nnxd+nerr+nbad,
		"ok", nrep, "ok_in", irep, "ok_out", orep, "ans", arep,
		"nxd", nnxd, "nxd_in", inxd, "nxd_out", onxd,
		"err", nerr, "err_in", ierr, "err_out", oerr,
		"bad", nbad, "bad_in", ibad,
	)

	if reset {
		s.reset()
	}
}

func (s *Stats) reset() {
	for _, c := range []*atomic.Uint64{
		&s.nrep, &s.irep, &s.orep, &s.arep,
		&s.nnxd, &s.inxd, &s.onxd,
		&s.nerr, &s.ierr, &s.oerr,
		&s.nbad, &s.ibad,
	} {
		c.Store(0)
	}
	s.start.Store(s.clock.Now())
}
