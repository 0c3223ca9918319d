// vestad is the repository server: it loads configuration, builds a
// namespace tree and access table, and serves VestaSourceSRPC over a
// fair-dispatch listener until interrupted.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/vesta-scm/repos/internal/access"
	"github.com/vesta-scm/repos/internal/config"
	"github.com/vesta-scm/repos/internal/dispatch"
	"github.com/vesta-scm/repos/internal/repos"
	log "github.com/vesta-scm/repos/pkg/minilog"
)

var (
	f_config    = flag.String("config", "", "path to a vestad config file; defaults built in if unset")
	f_port      = flag.Int("port", 0, "listen port; overrides the config file's repository_port")
	f_workers   = flag.Int("workers", 8, "max concurrently-executing calls")
	f_maxconns  = flag.Int("maxconns", 0, "max accepted connections (0 = unbounded)")
	f_loglevel  = flag.String("level", "info", "log level: debug, info, warn, error, fatal")
	f_accessacl = flag.String("access", "", "path to an access-table file; empty starts with an empty table")
	f_logringsz = flag.Int("logring-size", 256, "number of recent log lines kept for a SIGUSR1 dump (0 disables)")
)

func fatal(format string, arg ...interface{}) {
	log.Error(format, arg...)
	os.Exit(1)
}

func main() {
	flag.Parse()

	lvl, err := log.ParseLevel(*f_loglevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vestad: %v\n", err)
		os.Exit(1)
	}
	log.AddLogger("stderr", os.Stderr, lvl, true)

	var logRing *log.Ring
	if *f_logringsz > 0 {
		logRing = log.NewRing(*f_logringsz)
		log.AddRingLogger("ring", logRing, lvl)
	}

	cfg := config.Default()
	if *f_config != "" {
		loaded, err := config.Load(*f_config)
		if err != nil {
			fatal("vestad: loading %s: %v", *f_config, err)
		}
		cfg = loaded
	}
	if *f_port != 0 {
		cfg.RepositoryPort = *f_port
	}

	table := access.NewTable()
	if *f_accessacl != "" {
		if err := loadAccessTable(table, *f_accessacl); err != nil {
			fatal("vestad: loading access table %s: %v", *f_accessacl, err)
		}
	}

	srv := repos.NewServer(cfg, table)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RepositoryPort))
	if err != nil {
		fatal("vestad: listen: %v", err)
	}

	ds := dispatch.NewServer(ln, srv, dispatch.Config{
		Workers:   *f_workers,
		MaxConns:  *f_maxconns,
		SendBuf:   cfg.SendBufferSize,
		RecvBuf:   cfg.RecvBufferSize,
		KeepAlive: true,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("vestad: shutting down on signal")
		ds.Stop()
	}()

	if logRing != nil {
		dumpSig := make(chan os.Signal, 1)
		signal.Notify(dumpSig, syscall.SIGUSR1)
		go func() {
			for range dumpSig {
				for _, line := range logRing.Dump() {
					fmt.Fprint(os.Stderr, line)
				}
			}
		}()
	}

	log.Info("vestad: serving realm %q on %s", cfg.Realm, ln.Addr())
	ds.Serve()
	log.Info("vestad: exited")
}

// loadAccessTable reads a flat access-table file into table and applies it
// via a single Refresh, mirroring the shape RefreshAccessTables expects an
// administrator to have populated out of band: lines are either
// "uid:N=name" (uid-to-global-name) or "group:name=member[,member...]".
func loadAccessTable(table *access.Table, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	uidToName := make(map[int32]string)
	groups := make(map[string]map[string]bool)

	s := bufio.NewScanner(f)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kind, rest, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("access table: line %d: expected \"kind:...\": %q", lineNo, line)
		}
		key, value, ok := strings.Cut(rest, "=")
		if !ok {
			return fmt.Errorf("access table: line %d: expected \"key=value\": %q", lineNo, line)
		}
		switch kind {
		case "uid":
			uid, err := strconv.ParseInt(key, 10, 32)
			if err != nil {
				return fmt.Errorf("access table: line %d: bad uid %q: %w", lineNo, key, err)
			}
			uidToName[int32(uid)] = value
		case "group":
			members := make(map[string]bool)
			for _, m := range strings.Split(value, ",") {
				if m = strings.TrimSpace(m); m != "" {
					members[m] = true
				}
			}
			groups[key] = members
		default:
			return fmt.Errorf("access table: line %d: unknown kind %q", lineNo, kind)
		}
	}
	if err := s.Err(); err != nil {
		return err
	}

	table.Refresh(uidToName, groups)
	return nil
}
