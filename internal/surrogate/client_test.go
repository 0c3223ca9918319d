package surrogate

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/vesta-scm/repos/internal/access"
	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/config"
	"github.com/vesta-scm/repos/internal/dispatch"
	"github.com/vesta-scm/repos/internal/pool"
	"github.com/vesta-scm/repos/internal/repos"
	"github.com/vesta-scm/repos/internal/source"
)

// startTestServer spins up a repository server on a loopback port and
// returns a Client wired against it plus a teardown func.
func startTestServer(t *testing.T) (*Client, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	cfg := config.Default()
	cfg.AdminUser = "root"
	cfg.Realm = "testrealm"

	srv := repos.NewServer(cfg, access.NewTable())
	ds := dispatch.NewServer(ln, srv, dispatch.Config{Workers: 4, SendBuf: 0, RecvBuf: 0})
	go ds.Serve()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	p := pool.New(pool.Limit{Policy: pool.NoLimit}, 0, 0, false, 5*time.Second)
	id := access.Identity{Flavor: access.Global, Username: "root@testrealm"}
	c := New(p, cfg, id, host, port)

	return c, func() {
		p.Close()
		ds.Stop()
	}
}

func TestRootInsertLookupList(t *testing.T) {
	c, stop := startTestServer(t)
	defer stop()

	root, err := c.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	dir, err := root.InsertAppendableDirectory("proj", true, source.DontReplace)
	if err != nil {
		t.Fatalf("InsertAppendableDirectory: %v", err)
	}

	file, err := dir.InsertFile("README", true, source.DontReplace)
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if file.LongId() == (root.LongId()) {
		t.Fatalf("inserted file should not share root's longid")
	}

	looked, err := dir.Lookup("README")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if looked.LongId() != file.LongId() {
		t.Fatalf("lookup longid %x != insert longid %x", looked.LongId(), file.LongId())
	}

	var arcs []string
	if err := dir.List(func(e Entry) bool {
		arcs = append(arcs, e.Arc)
		return true
	}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(arcs) != 1 || arcs[0] != "README" {
		t.Fatalf("List = %v, want [README]", arcs)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	c, stop := startTestServer(t)
	defer stop()

	root, err := c.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	f, err := root.InsertMutableFile("scratch", true, source.DontReplace)
	if err != nil {
		t.Fatalf("InsertMutableFile: %v", err)
	}

	payload := []byte("hello, repository")
	if err := f.Write(0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := f.Read(0, int64(len(payload)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
}

func TestReadWholeStreamsInflatedContent(t *testing.T) {
	c, stop := startTestServer(t)
	defer stop()

	root, err := c.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	f, err := root.InsertMutableFile("bulk", true, source.DontReplace)
	if err != nil {
		t.Fatalf("InsertMutableFile: %v", err)
	}

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	if err := f.Write(0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out bytes.Buffer
	if err := f.ReadWhole(&out, 256); err != nil {
		t.Fatalf("ReadWhole: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("ReadWhole produced %d bytes, want %d matching payload", out.Len(), len(payload))
	}
}

func TestAttribWriteGetList(t *testing.T) {
	c, stop := startTestServer(t)
	defer stop()

	root, err := c.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	dir, err := root.InsertAppendableDirectory("attrs", true, source.DontReplace)
	if err != nil {
		t.Fatalf("InsertAppendableDirectory: %v", err)
	}

	if err := dir.WriteAttrib(attrib.Set, "owner", "alice", 0); err != nil {
		t.Fatalf("WriteAttrib: %v", err)
	}

	val, found, err := dir.GetAttrib("owner")
	if err != nil {
		t.Fatalf("GetAttrib: %v", err)
	}
	if !found || val != "alice" {
		t.Fatalf("GetAttrib = (%q, %v), want (alice, true)", val, found)
	}

	names, err := dir.ListAttribs()
	if err != nil {
		t.Fatalf("ListAttribs: %v", err)
	}
	if len(names) != 1 || names[0] != "owner" {
		t.Fatalf("ListAttribs = %v, want [owner]", names)
	}

	in, err := dir.InAttribs("owner", "alice")
	if err != nil {
		t.Fatalf("InAttribs: %v", err)
	}
	if !in {
		t.Fatalf("InAttribs(owner, alice) = false, want true")
	}
}

func TestGetServerInfo(t *testing.T) {
	c, stop := startTestServer(t)
	defer stop()

	info, err := c.GetServerInfo()
	if err != nil {
		t.Fatalf("GetServerInfo: %v", err)
	}
	if info.Realm != "testrealm" {
		t.Fatalf("Realm = %q, want testrealm", info.Realm)
	}
	if info.IntfVersion != repos.IntfVersion {
		t.Fatalf("IntfVersion = %d, want %d", info.IntfVersion, repos.IntfVersion)
	}
}
