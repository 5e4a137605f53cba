// Package config turns the getopt-style CLI surface of spec.md §6 into an
// immutable run-context record, the way spec.md §9's "Global mutable
// state" design note prescribes: no package-level flag variables are read
// by the rest of the program, only the *Config this package returns.
package config

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/steadramon/rbldnsd/netlist"
	"github.com/steadramon/rbldnsd/zone"
)

// Config is the immutable result of parsing argv, constructed once at
// startup and threaded through the loader and server explicitly.
type Config struct {
	User    string // "" if not dropping privileges
	RootDir string // chroot target, "" to skip
	WorkDir string // chdir target (post-chroot), "" to skip
	Bind    string // "[addr][:port]", default ":53"

	TTL          uint32
	CheckSeconds int
	AcceptInCIDR bool

	PidFile    string
	Foreground bool
	Quickstart bool

	LogFile    string
	FlushLog   bool
	LogFilter  *netlist.List
	QueryAllow *netlist.List

	Verbose bool // -s: verbose reload/mem timing

	Zonespecs []zone.ZoneSpec
}

const (
	defaultTTL   = 2048
	defaultCheck = 60
	defaultBind  = ":53"
)

// Parse parses a getopt-equivalent CLI surface out of args (typically
// os.Args[1:]) per spec.md §6. progname is used only in usage output.
func Parse(progname string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(progname, flag.ContinueOnError)

	user := fs.String("u", "", "run as this user[:group]")
	rootdir := fs.String("r", "", "chroot to this directory")
	workdir := fs.String("w", "", "chdir to this directory (after chroot)")
	bind := fs.String("b", defaultBind, "address[:port] to bind to")
	ttl := fs.String("t", strconv.Itoa(defaultTTL), "TTL value set in answers")
	check := fs.String("c", strconv.Itoa(defaultCheck), "check for file updates every `check' seconds")
	acceptInCIDR := fs.Bool("e", false, "accept non-boundary CIDR ranges")
	pidfile := fs.String("p", "", "write daemon pid to this file")
	nodaemon := fs.Bool("n", false, "do not background the process")
	quickstart := fs.Bool("q", false, "load zones after backgrounding")
	logfile := fs.String("l", "", "log queries and answers to this file")
	logfilt := fs.String("L", "", "only log queries from IPs matching this netlist")
	qryfilt := fs.String("a", "", "only answer queries from IPs matching this netlist")
	verbose := fs.Bool("s", false, "print memory usage and (re)load time info on reload")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	ttlVal, err := strictAtoi(*ttl)
	if err != nil {
		return nil, fmt.Errorf("config: invalid ttl (-t) value %q", *ttl)
	}
	checkVal, err := strictAtoi(*check)
	if err != nil {
		return nil, fmt.Errorf("config: invalid check interval (-c) value %q", *check)
	}

	flushLog := false
	lf := *logfile
	if len(lf) > 0 && lf[0] == '+' {
		flushLog = true
		lf = lf[1:]
	}

	var logFilter, queryAllow *netlist.List
	if *logfilt != "" {
		logFilter, err = netlist.Parse(*logfilt)
		if err != nil {
			return nil, fmt.Errorf("config: bad -L netlist: %w", err)
		}
	}
	if *qryfilt != "" {
		queryAllow, err = netlist.Parse(*qryfilt)
		if err != nil {
			return nil, fmt.Errorf("config: bad -a netlist: %w", err)
		}
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return nil, fmt.Errorf("config: no zone(s) to service specified (-h for help)")
	}
	specs := make([]zone.ZoneSpec, 0, len(rest))
	for _, arg := range rest {
		spec, err := zone.ParseZonespec(arg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	return &Config{
		User:    *user,
		RootDir: *rootdir,
		WorkDir: *workdir,
		Bind:    *bind,

		TTL:          uint32(ttlVal),
		CheckSeconds: checkVal,
		AcceptInCIDR: *acceptInCIDR,

		PidFile:    *pidfile,
		Foreground: *nodaemon,
		Quickstart: *quickstart,

		LogFile:    lf,
		FlushLog:   flushLog,
		LogFilter:  logFilter,
		QueryAllow: queryAllow,

		Verbose: *verbose,

		Zonespecs: specs,
	}, nil
}

// strictAtoi rejects any input containing non-digit characters, matching
// the reference implementation's satoi (spec.md §10 supplemented
// feature): no leading sign and no whitespace, which strconv.Atoi alone
// would accept or report differently. Leading zeros are accepted.
func strictAtoi(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit character %q", c)
		}
	}
	return strconv.Atoi(s)
}
