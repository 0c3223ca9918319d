// Package config reads the repository's flat key/value text configuration
// and resolves the configured repository host via DNS with a bounded
// retry count.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	log "github.com/vesta-scm/repos/pkg/minilog"
)

// Config is the process-wide, injected, immutable-after-load configuration
// surface every other package draws its tunables from.
type Config struct {
	RepositoryHost string
	RepositoryPort int

	SendBufferSize int
	RecvBufferSize int

	ReadWholeChunkSize int
	ListChunkSize      int
	ListEntryOverhead  int

	DNSRetryCap int

	Realm          string
	AdminUser      string
	AdminGroup     string
	DefaultFlavor  string
	RestrictDelete bool

	VForeignUID int32
	VForeignGID int32

	RunToolUser string
	WizardUser  string
}

// Default returns the built-in configuration used when no config file is
// present, mirroring the reference defaults for buffer and chunk sizes.
func Default() Config {
	return Config{
		RepositoryHost:     "localhost",
		RepositoryPort:     9753,
		SendBufferSize:     8 * 1024,
		RecvBufferSize:     8 * 1024,
		ReadWholeChunkSize: 64 * 1024,
		ListChunkSize:      16 * 1024,
		ListEntryOverhead:  32,
		DNSRetryCap:        3,
		Realm:              "localdomain",
		AdminUser:          "root",
		AdminGroup:         "",
		DefaultFlavor:      "unix",
		RestrictDelete:     false,
		VForeignUID:        -2,
		VForeignGID:        -2,
		RunToolUser:        "runtool",
		WizardUser:         "wizard",
	}
}

// setters maps a config file key to the field it populates.
var setters = map[string]func(*Config, string) error{
	"repository_host":       func(c *Config, v string) error { c.RepositoryHost = v; return nil },
	"repository_port":       intSetter(func(c *Config) *int { return &c.RepositoryPort }),
	"send_buffer_size":      intSetter(func(c *Config) *int { return &c.SendBufferSize }),
	"recv_buffer_size":      intSetter(func(c *Config) *int { return &c.RecvBufferSize }),
	"read_whole_chunk_size": intSetter(func(c *Config) *int { return &c.ReadWholeChunkSize }),
	"list_chunk_size":       intSetter(func(c *Config) *int { return &c.ListChunkSize }),
	"list_entry_overhead":   intSetter(func(c *Config) *int { return &c.ListEntryOverhead }),
	"dns_retry_cap":         intSetter(func(c *Config) *int { return &c.DNSRetryCap }),
	"realm":                 func(c *Config, v string) error { c.Realm = v; return nil },
	"admin_user":            func(c *Config, v string) error { c.AdminUser = v; return nil },
	"admin_group":           func(c *Config, v string) error { c.AdminGroup = v; return nil },
	"default_flavor":        func(c *Config, v string) error { c.DefaultFlavor = v; return nil },
	"run_tool_user":         func(c *Config, v string) error { c.RunToolUser = v; return nil },
	"wizard_user":           func(c *Config, v string) error { c.WizardUser = v; return nil },
	"restrict_delete": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.RestrictDelete = b
		return nil
	},
	"vforeign_uid": int32Setter(func(c *Config) *int32 { return &c.VForeignUID }),
	"vforeign_gid": int32Setter(func(c *Config) *int32 { return &c.VForeignGID }),
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func int32Setter(field func(*Config) *int32) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return err
		}
		*field(c) = int32(n)
		return nil
	}
}

// Load reads flat `key = value` lines from path, starting from Default and
// overriding only the keys present. Blank lines and lines starting with
// `#` are ignored.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the flat key/value format from r.
func Parse(r io.Reader) (Config, error) {
	c := Default()

	s := bufio.NewScanner(r)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, fmt.Errorf("config: line %d: expected \"key = value\": %q", lineNo, line)
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		set, ok := setters[k]
		if !ok {
			return Config{}, fmt.Errorf("config: line %d: unknown key %q", lineNo, k)
		}
		if err := set(&c, v); err != nil {
			return Config{}, fmt.Errorf("config: line %d: key %q: %w", lineNo, k, err)
		}
	}
	if err := s.Err(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ResolveHost resolves host to its A-record addresses, retrying the DNS
// exchange up to retryCap times against the system's configured resolvers
// before giving up. retryCap <= 0 is treated as 1 (a single attempt, no
// retry).
func ResolveHost(host string, retryCap int) ([]string, error) {
	if retryCap <= 0 {
		retryCap = 1
	}

	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cc.Servers) == 0 {
		return nil, fmt.Errorf("config: no resolver configuration available: %w", err)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	client := new(dns.Client)

	var lastErr error
	for attempt := 0; attempt < retryCap; attempt++ {
		for _, server := range cc.Servers {
			addr := server + ":" + cc.Port
			in, _, err := client.Exchange(m, addr)
			if err != nil {
				lastErr = err
				continue
			}
			var addrs []string
			for _, rr := range in.Answer {
				if a, ok := rr.(*dns.A); ok {
					addrs = append(addrs, a.A.String())
				}
			}
			if len(addrs) > 0 {
				return addrs, nil
			}
		}
		log.Debug("config: DNS attempt %d/%d for %q found no A records", attempt+1, retryCap, host)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("config: resolving %q: %w", host, lastErr)
	}
	return nil, fmt.Errorf("config: no A records for %q after %d attempts", host, retryCap)
}
