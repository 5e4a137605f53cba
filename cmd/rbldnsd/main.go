// Command rbldnsd is the CLI entry point: flag parsing, privilege drop,
// chroot, pidfile, query-log opening, zone loading, and the event loop
// itself (spec.md §6, §7). Out-of-scope external collaborators spec.md
// §1 names (privilege drop, chroot, pidfile) are implemented here as
// direct syscalls rather than pulled from an external package, since no
// repo in the corpus carries one for this.
package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/log"

	"github.com/steadramon/rbldnsd/config"
	"github.com/steadramon/rbldnsd/server"
	"github.com/steadramon/rbldnsd/zone"
)

func main() {
	progname := filepath.Base(os.Args[0])

	cfg, err := config.Parse(progname, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", progname, err)
		os.Exit(1)
	}

	log.Root().SetHandler(log.StreamHandler(os.Stdout, log.LogfmtFormat()))

	reg, err := zone.Load(cfg.Zonespecs, cfg.TTL, cfg.AcceptInCIDR)
	if err != nil {
		if cfg.Quickstart {
			log.Error("initial zone load failed, continuing with empty registry", "error", err.Error())
			reg = zone.NewRegistry()
		} else {
			log.Crit("zone loading errors, aborting", "error", err.Error())
			os.Exit(1)
		}
	}

	srv := server.New(cfg, reg, clockwork.NewRealClock())
	if err := srv.Bind(); err != nil {
		log.Crit("unable to bind listening socket", "error", err.Error())
		os.Exit(1)
	}

	if cfg.RootDir != "" {
		if err := os.Chdir(cfg.RootDir); err != nil {
			log.Crit("unable to chroot", "dir", cfg.RootDir, "error", err.Error())
			os.Exit(1)
		}
		if err := syscall.Chroot(cfg.RootDir); err != nil {
			log.Crit("unable to chroot", "dir", cfg.RootDir, "error", err.Error())
			os.Exit(1)
		}
	}
	if cfg.WorkDir != "" {
		if err := os.Chdir(cfg.WorkDir); err != nil {
			log.Crit("unable to chdir", "dir", cfg.WorkDir, "error", err.Error())
			os.Exit(1)
		}
	}

	if cfg.User != "" {
		if err := dropPrivileges(cfg.User); err != nil {
			log.Crit("unable to drop privileges", "user", cfg.User, "error", err.Error())
			os.Exit(1)
		}
	}

	if cfg.PidFile != "" {
		if err := writePidfile(cfg.PidFile); err != nil {
			log.Crit("unable to write pidfile", "path", cfg.PidFile, "error", err.Error())
			os.Exit(1)
		}
	}

	if err := srv.OpenQueryLog(); err != nil {
		log.Crit("unable to open query log", "path", cfg.LogFile, "error", err.Error())
		os.Exit(1)
	}

	log.Info("rbldnsd started", "bind", cfg.Bind, "zones", len(cfg.Zonespecs))

	if err := srv.Run(); err != nil {
		log.Crit("server error", "error", err.Error())
		os.Exit(1)
	}
	os.Exit(0)
}

// dropPrivileges resolves a "user[:group]" spec and switches to it, the
// direct-syscall equivalent of the reference implementation's
// setgroups/setgid/setuid sequence (spec.md §6's -u option). True
// double-fork background daemonization is not attempted here, since it
// is unsafe to perform after the Go runtime has started extra OS
// threads; -n foreground is always effectively honored.
func dropPrivileges(spec string) error {
	userPart, groupPart := spec, ""
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		userPart, groupPart = spec[:i], spec[i+1:]
	}

	uid, gid, err := resolveUser(userPart)
	if err != nil {
		return err
	}
	if groupPart != "" {
		gid, err = resolveGroup(groupPart)
		if err != nil {
			return err
		}
	}
	if uid == 0 {
		return fmt.Errorf("daemon should not run as root, specify -u option")
	}

	if err := syscall.Setgroups([]int{gid}); err != nil {
		return err
	}
	if err := syscall.Setgid(gid); err != nil {
		return err
	}
	return syscall.Setuid(uid)
}

func resolveUser(s string) (uid, gid int, err error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, n, nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, 0, err
	}
	uid, _ = strconv.Atoi(u.Uid)
	gid, _ = strconv.Atoi(u.Gid)
	return uid, gid, nil
}

func resolveGroup(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

func writePidfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}
