// Package server implements the single-threaded event loop of spec.md
// §4.6/§5: one execution context that alternates between servicing a UDP
// packet and draining pending signal bits, grounded on
// original_source/rbldnsd.c's main() loop and adapted to the teacher's
// server.go socket-setup idioms (New/Run, github.com/semihalev/log
// throughout) without pulling in miekg/dns's own dns.Server, which
// spawns a goroutine per packet and would violate the single-threaded
// mandate.
package server

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/semihalev/log"

	"github.com/steadramon/rbldnsd/config"
	"github.com/steadramon/rbldnsd/netlist"
	"github.com/steadramon/rbldnsd/signalbits"
	"github.com/steadramon/rbldnsd/stats"
	"github.com/steadramon/rbldnsd/wire"
	"github.com/steadramon/rbldnsd/zone"
)

// pollInterval bounds how long a single ReadFromUDP call blocks before
// returning a timeout, which stands in for the signal-interrupted
// recvfrom of the reference implementation: Go's runtime-managed network
// poller does not surface EINTR to a blocking read on signal delivery,
// so the loop instead re-checks the pending-signal mask on a short
// deadline instead of relying on interruption.
const pollInterval = 250 * time.Millisecond

// Server owns the bound UDP socket and the single execution context that
// services it.
type Server struct {
	cfg   *config.Config
	reg   *zone.Registry
	clock clockwork.Clock

	conn *net.UDPConn

	mask       signalbits.Mask
	stopSignal func()

	stats *stats.Stats

	queryLogFile *os.File
	queryLog     *bufio.Writer
}

// New constructs a Server bound to no socket yet; call Bind then Run.
func New(cfg *config.Config, reg *zone.Registry, clock clockwork.Clock) *Server {
	return &Server{
		cfg:   cfg,
		reg:   reg,
		clock: clock,
		stats: stats.New(clock),
	}
}

// Bind opens and configures the UDP listening socket per cfg.Bind.
func (s *Server) Bind() error {
	addr := s.cfg.Bind
	if addr == "" {
		addr = ":53"
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	setRecvBuffer(conn)
	s.conn = conn
	return nil
}

// OpenQueryLog opens the -l query log file, if configured. It must be
// called after chroot/chdir (cfg.LogFile is resolved relative to the
// process's working directory at call time, matching the reference
// implementation's reopenlog call immediately following chroot in
// main()), and before Run.
func (s *Server) OpenQueryLog() error {
	if s.cfg.LogFile == "" {
		return nil
	}
	f, err := openLogFile(s.cfg.LogFile)
	if err != nil {
		return err
	}
	s.queryLogFile = f
	s.queryLog = bufio.NewWriter(f)
	return nil
}

func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
}

// reopenQueryLog reopens the query log in place (SIGHUP), the Go
// equivalent of the reference implementation's reopenlog: flush and
// close the old handle, open a fresh one at the same path so log
// rotation (the file being renamed out from under the old descriptor)
// takes effect. A failure to reopen disables query logging rather than
// crashing the loop, matching reopenlog's dslog-warning-and-continue.
func (s *Server) reopenQueryLog() {
	if s.queryLog != nil {
		s.queryLog.Flush()
	}
	if s.queryLogFile != nil {
		s.queryLogFile.Close()
	}
	f, err := openLogFile(s.cfg.LogFile)
	if err != nil {
		log.Warn("error (re)opening logfile", "path", s.cfg.LogFile, "error", err.Error())
		s.queryLogFile = nil
		s.queryLog = nil
		return
	}
	s.queryLogFile = f
	s.queryLog = bufio.NewWriter(f)
}

// setRecvBuffer tries to grow the socket receive buffer to the largest
// size the kernel accepts, starting at 64KiB and backing off by 3% per
// failed attempt (spec.md §5).
func setRecvBuffer(conn *net.UDPConn) {
	size := 65536
	for size >= 1024 {
		if err := conn.SetReadBuffer(size); err == nil {
			return
		}
		size -= size >> 5
	}
}

// Run starts the signal relay and the recheck ticker, then services the
// socket until a shutdown signal (SIGTERM/SIGINT) is drained from the
// mask. It returns nil on that clean shutdown.
func (s *Server) Run() error {
	s.stopSignal = signalbits.Notify(&s.mask)
	defer s.stopSignal()

	stopTicker := s.startRecheckTicker()
	defer stopTicker()

	buf := make([]byte, 65535)

	for {
		if bits := s.mask.Drain(); bits != 0 {
			if shutdown := s.handleSignals(bits); shutdown {
				return nil
			}
		}

		s.conn.SetReadDeadline(s.clock.Now().Add(pollInterval))
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}

		s.serveOne(buf[:n], raddr)
	}
}

// startRecheckTicker drives the recheck alarm (spec.md §5's "setitimer-
// style alarm(recheck)") off the injected clock rather than a real
// SIGALRM, so reload cadence is deterministic under test.
func (s *Server) startRecheckTicker() func() {
	interval := time.Duration(s.cfg.CheckSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.Chan():
				s.mask.Set(signalbits.Alarm)
			case <-done:
				return
			}
		}
	}()
	return func() { ticker.Stop(); close(done) }
}

// handleSignals performs the reference implementation's signal-drain
// critical section: stats dump on USR1/USR2, query log reopen on HUP,
// reload on HUP/ALRM, and reports whether the loop should terminate (TERM/INT).
func (s *Server) handleSignals(bits uint32) (shutdown bool) {
	if bits&signalbits.Term != 0 {
		log.Info("terminating")
		s.stats.Dump(false)
		if s.queryLog != nil {
			s.queryLog.Flush()
		}
		return true
	}
	if bits&(signalbits.Usr1|signalbits.Usr2) != 0 {
		s.stats.Dump(bits&signalbits.Usr2 != 0)
	}
	if bits&signalbits.Hup != 0 && s.cfg.LogFile != "" {
		s.reopenQueryLog()
	}
	if bits&(signalbits.Hup|signalbits.Alarm) != 0 {
		s.reload()
	}
	return false
}

func (s *Server) reload() {
	start := s.clock.Now()
	results, errs := zone.Reload(s.reg, s.cfg.TTL, s.cfg.AcceptInCIDR)
	for _, err := range errs {
		log.Warn("zone reload error", "error", err.Error())
	}
	if s.cfg.Verbose {
		elapsed := s.clock.Now().Sub(start)
		reloaded := 0
		for _, st := range results {
			if st == zone.ReloadedOK {
				reloaded++
			}
		}
		log.Info("zones (re)loaded", "count", reloaded, "elapsed", elapsed.String())
	}
}

// serveOne parses, dispatches, builds and sends the reply for one
// received packet, applying the -a query filter and recording stats.
func (s *Server) serveOne(buf []byte, raddr *net.UDPAddr) {
	if !allowed(s.cfg.QueryAllow, raddr.IP) {
		return
	}

	q, rcode, ok := wire.Parse(buf)
	if !ok {
		s.stats.RecordBad(len(buf))
		return
	}

	var a answer
	if rcode != dns.RcodeSuccess {
		a = answer{rcode: rcode}
	} else {
		a = dispatch(s.reg, q)
	}

	out, err := wire.Build(q, a.rcode, true, a.answers, a.authority)
	if err != nil {
		log.Error("failed to build response", "error", err.Error())
		return
	}

	s.record(q, a, len(buf), len(out))
	s.logQuery(q, a, raddr)
	s.send(out, raddr)
}

// logQuery writes one line to the -l query log, gated by the -L log
// filter, matching the reference implementation's
// "if (flog && (!logfilt || ip4list_match(logfilt, ...))) logreply(...)"
// placement: only replies that were actually built are logged, a
// malformed packet with no recoverable header never reaches here.
func (s *Server) logQuery(q *wire.Query, a answer, raddr *net.UDPAddr) {
	if s.queryLog == nil {
		return
	}
	if s.cfg.LogFilter != nil && !s.cfg.LogFilter.Allow(raddr.IP) {
		return
	}
	fmt.Fprintf(s.queryLog, "%s %s %s: %s/%d\n",
		raddr.IP, q.Name, dns.TypeToString[q.Qtype], dns.RcodeToString[a.rcode], len(a.answers))
	if s.cfg.FlushLog {
		s.queryLog.Flush()
	}
}

func (s *Server) record(q *wire.Query, a answer, inBytes, outBytes int) {
	switch a.rcode {
	case dns.RcodeSuccess:
		s.stats.RecordNoError(q.Qtype, inBytes, outBytes, len(a.answers))
	case dns.RcodeNameError:
		s.stats.RecordNXDomain(q.Qtype, inBytes, outBytes)
	default:
		s.stats.RecordError(q.Qtype, a.rcode, inBytes, outBytes)
	}
}

// send mirrors the reference implementation's sendto retry loop
// (spec.md §7's "transient I/O retries until a non-EINTR error or
// success"); Go's runtime-managed poller resolves EINTR internally, so
// the only error a WriteToUDP can still surface here is a genuine,
// non-transient failure, which is logged rather than retried forever.
func (s *Server) send(out []byte, raddr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(out, raddr); err != nil {
		log.Warn("send failed", "error", err.Error())
	}
}

func allowed(list *netlist.List, ip net.IP) bool {
	return list.Allow(ip)
}

// Close releases the bound socket and flushes/closes the query log.
func (s *Server) Close() error {
	if s.queryLog != nil {
		s.queryLog.Flush()
	}
	if s.queryLogFile != nil {
		s.queryLogFile.Close()
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
