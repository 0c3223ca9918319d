// vesta is an interactive shell over the surrogate client: a liner-based
// REPL for poking at a running vestad (lookup, list, read, write,
// attributes) without writing Go.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/vesta-scm/repos/internal/access"
	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/config"
	"github.com/vesta-scm/repos/internal/pool"
	"github.com/vesta-scm/repos/internal/source"
	"github.com/vesta-scm/repos/internal/surrogate"
	log "github.com/vesta-scm/repos/pkg/minilog"
)

var (
	f_host = flag.String("host", "localhost", "repository host")
	f_port = flag.Int("port", 9753, "repository port")
	f_user = flag.String("user", "", "global username; defaults to $USER")
)

// shell holds the REPL's working directory, tracked as a resolved Handle
// plus the pathname it was reached by (for the prompt and relative lookups).
type shell struct {
	c    *surrogate.Client
	cwd  *surrogate.Handle
	path string
}

func main() {
	flag.Parse()
	log.AddLogger("stderr", os.Stderr, log.WARN, true)

	user := *f_user
	if user == "" {
		user = os.Getenv("USER")
	}

	cfg := config.Default()
	cfg.RepositoryHost = *f_host
	cfg.RepositoryPort = *f_port

	p := pool.New(pool.Limit{Policy: pool.NoLimit}, cfg.SendBufferSize, cfg.RecvBufferSize, true, 10*time.Second)
	defer p.Close()

	identity := access.Identity{Flavor: access.Global, Username: user}
	c := surrogate.New(p, cfg, identity, *f_host, *f_port)

	info, err := c.GetServerInfo()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vesta: connecting to %s:%d: %v\n", *f_host, *f_port, err)
		os.Exit(1)
	}
	fmt.Printf("connected to realm %q (interface version %d)\n", info.Realm, info.IntfVersion)

	root, err := c.Root()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vesta: root: %v\n", err)
		os.Exit(1)
	}

	sh := &shell{c: c, cwd: root, path: "/"}
	sh.run()
}

func (sh *shell) run() {
	input := liner.NewLiner()
	defer input.Close()
	input.SetCtrlCAborts(true)

	for {
		line, err := input.Prompt(fmt.Sprintf("vesta:%s$ ", sh.path))
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			fmt.Println()
			return
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "vesta: %v\n", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		if cmd == "quit" || cmd == "exit" {
			return
		}
		if h, ok := commands[cmd]; ok {
			if err := h(sh, args); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
			}
			continue
		}
		fmt.Fprintf(os.Stderr, "vesta: unknown command %q (try help)\n", cmd)
	}
}

type commandFunc func(sh *shell, args []string) error

var commands = map[string]commandFunc{
	"help":    cmdHelp,
	"pwd":     cmdPwd,
	"ls":      cmdLs,
	"cd":      cmdCd,
	"cat":     cmdCat,
	"mkdir":   cmdMkdir,
	"touch":   cmdTouch,
	"rm":      cmdRm,
	"write":   cmdWrite,
	"getattr": cmdGetAttr,
	"setattr": cmdSetAttr,
	"lsattr":  cmdLsAttr,
}

func cmdHelp(sh *shell, args []string) error {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	fmt.Println("commands:", strings.Join(names, ", "), "quit")
	return nil
}

func cmdPwd(sh *shell, args []string) error {
	fmt.Println(sh.path)
	return nil
}

func cmdLs(sh *shell, args []string) error {
	target := sh.cwd
	if len(args) > 0 {
		h, err := sh.cwd.LookupPathname(args[0])
		if err != nil {
			return err
		}
		target = h
	}
	return target.List(func(e surrogate.Entry) bool {
		marker := ""
		if e.Master {
			marker = "*"
		}
		fmt.Printf("%-24s %-20s idx=%d%s\n", e.Arc, e.Type, e.Index, marker)
		return true
	})
}

func cmdCd(sh *shell, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cd <path>")
	}
	h, err := sh.cwd.LookupPathname(args[0])
	if err != nil {
		return err
	}
	sh.cwd = h
	sh.path = joinPath(sh.path, args[0])
	return nil
}

func cmdCat(sh *shell, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cat <path>")
	}
	h, err := sh.cwd.LookupPathname(args[0])
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := h.ReadWholeDefault(&buf); err != nil {
		return err
	}
	os.Stdout.Write(buf.Bytes())
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func cmdMkdir(sh *shell, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mkdir <name>")
	}
	_, err := sh.cwd.InsertAppendableDirectory(args[0], false, source.DontReplace)
	return err
}

func cmdTouch(sh *shell, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: touch <name>")
	}
	_, err := sh.cwd.InsertMutableFile(args[0], false, source.DontReplace)
	return err
}

func cmdRm(sh *shell, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rm <name>")
	}
	return sh.cwd.ReallyDelete(args[0])
}

func cmdWrite(sh *shell, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: write <name> <text...>")
	}
	h, err := sh.cwd.Lookup(args[0])
	if err != nil {
		return err
	}
	data := []byte(strings.Join(args[1:], " ") + "\n")
	return h.Write(0, data)
}

func cmdGetAttr(sh *shell, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: getattr <name>")
	}
	val, found, err := sh.cwd.GetAttrib(args[0])
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("(unset)")
		return nil
	}
	fmt.Println(val)
	return nil
}

func cmdSetAttr(sh *shell, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: setattr <name> <value>")
	}
	return sh.cwd.WriteAttrib(attrib.Set, args[0], args[1], 0)
}

func cmdLsAttr(sh *shell, args []string) error {
	names, err := sh.cwd.ListAttribs()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func joinPath(base, rel string) string {
	if strings.HasPrefix(rel, "/") {
		return rel
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + rel
}
