package server

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/backend"
	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/internal/object"
	"github.com/objmapper/objmapper/internal/wire"
	"github.com/objmapper/objmapper/pkg/client"
	"github.com/objmapper/objmapper/pkg/errors"
)

func startTestServer(t *testing.T) (*Server, *object.Store) {
	t.Helper()
	r := backend.NewRegistry(index.New(1024), nil)

	memID, err := r.Register(backend.RegisterConfig{
		Type:          backend.TypeMemory,
		MountPath:     filepath.Join(t.TempDir(), "mem"),
		Name:          "mem0",
		CapacityBytes: 1 << 20,
		Flags:         backend.FlagEphemeralOnly | backend.FlagMigrationSrc | backend.FlagMigrationDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	ssdID, err := r.Register(backend.RegisterConfig{
		Type:          backend.TypeSSD,
		MountPath:     filepath.Join(t.TempDir(), "ssd"),
		Name:          "ssd0",
		CapacityBytes: 1 << 30,
		Flags:         backend.FlagPersistent | backend.FlagMigrationSrc | backend.FlagMigrationDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetEphemeral(memID); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCache(memID); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDefault(ssdID); err != nil {
		t.Fatal(err)
	}

	store := object.NewStore(r, nil, nil)
	srv := New(store, nil, nil, nil, Config{
		SocketPath:  filepath.Join(t.TempDir(), "objmapper.sock"),
		MaxPipeline: 50,
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, store
}

func dial(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, srv.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeFD(t *testing.T, fd int, content string) {
	t.Helper()
	if _, err := unix.Pwrite(fd, []byte(content), 0); err != nil {
		t.Fatal(err)
	}
}

func readFD(t *testing.T, fd int) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := unix.Pread(fd, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf[:n])
}

func TestV1_PutThenGet(t *testing.T) {
	srv, _ := startTestServer(t)

	// First request for a missing URI creates it and hands a writable
	// descriptor.
	c := dial(t, srv)
	if _, err := c.SendRequest(&client.Request{Mode: client.ModeFDPass, URI: "/test/object1.txt"}); err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponse()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != errors.StatusOK {
		t.Fatalf("put status = %v (%s)", resp.Status, resp.ErrorMsg)
	}
	fd := resp.TakeFD()
	if fd < 0 {
		t.Fatal("no descriptor on put")
	}
	writeFD(t, fd, "Hello, objmapper!")
	unix.Close(fd)
	resp.Close()
	c.Close(client.CloseNormal)

	// A second connection reads it back.
	c2 := dial(t, srv)
	defer c2.Close(client.CloseNormal)
	if _, err := c2.SendRequest(&client.Request{Mode: client.ModeFDPass, URI: "/test/object1.txt"}); err != nil {
		t.Fatal(err)
	}
	resp2, err := c2.RecvResponse()
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Close()
	if resp2.Status != errors.StatusOK {
		t.Fatalf("get status = %v", resp2.Status)
	}
	fd2 := resp2.TakeFD()
	defer unix.Close(fd2)

	var st unix.Stat_t
	if err := unix.Fstat(fd2, &st); err != nil {
		t.Fatal(err)
	}
	if st.Size != 17 {
		t.Errorf("fstat size = %d, want 17", st.Size)
	}
	if body := readFD(t, fd2); body != "Hello, objmapper!" {
		t.Errorf("body = %q", body)
	}

	// Size metadata is refreshed from the filesystem.
	entries, err := wire.ParseMetadata(resp2.Metadata)
	if err != nil {
		t.Fatal(err)
	}
	if size, ok := wire.MetadataSize(entries); !ok || size != 17 {
		t.Errorf("metadata size = %d ok=%v", size, ok)
	}
}

func TestV1_DeleteRoute(t *testing.T) {
	srv, store := startTestServer(t)

	ref, err := store.Create(&object.CreateRequest{URI: "/doomed.dat", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	ref.Release()

	c := dial(t, srv)
	defer c.Close(client.CloseNormal)
	if _, err := c.SendRequest(&client.Request{Mode: client.ModeFDPass, URI: "/delete/doomed.dat"}); err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponse()
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close()
	if resp.Status != errors.StatusOK {
		t.Fatalf("delete status = %v", resp.Status)
	}

	if _, err := store.Get("/doomed.dat"); errors.StatusOf(err) != errors.StatusNotFound {
		t.Errorf("object survives delete: %v", err)
	}
}

func TestV1_ListDisabled(t *testing.T) {
	srv, _ := startTestServer(t)

	c := dial(t, srv)
	defer c.Close(client.CloseNormal)
	if _, err := c.SendRequest(&client.Request{Mode: client.ModeFDPass, URI: "/list"}); err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponse()
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close()
	if resp.Status != errors.StatusUnsupportedOp {
		t.Errorf("list status = %v, want UNSUPPORTED_OP", resp.Status)
	}
}

func TestV2_HandshakeAndPipelinedGets(t *testing.T) {
	srv, store := startTestServer(t)

	for _, obj := range []struct{ uri, body string }{
		{"/p/one", "first body"},
		{"/p/two", "second body"},
		{"/p/three", "third body"},
	} {
		ref, err := store.Create(&object.CreateRequest{URI: obj.uri, BackendHint: -1})
		if err != nil {
			t.Fatal(err)
		}
		writeFD(t, ref.FD(), obj.body)
		ref.Release()
		if err := store.SyncSize(obj.uri); err != nil {
			t.Fatal(err)
		}
	}

	c := dial(t, srv)
	defer c.Close(client.CloseNormal)
	params, err := c.Hello(client.CapOOOReplies|client.CapPipelining, 100)
	if err != nil {
		t.Fatal(err)
	}
	if params.MaxPipeline != 50 {
		t.Errorf("negotiated pipeline = %d, want 50", params.MaxPipeline)
	}
	if params.Capabilities != client.CapOOOReplies|client.CapPipelining {
		t.Errorf("negotiated caps = 0x%04x", params.Capabilities)
	}
	if params.BackendParallelism != 1 {
		t.Errorf("backend parallelism = %d, want 1 enabled persistent tier", params.BackendParallelism)
	}

	// Pipeline three requests, then correlate out of submission order.
	var ids []uint32
	for _, uri := range []string{"/p/one", "/p/two", "/p/three"} {
		id, err := c.SendRequest(&client.Request{Mode: client.ModeFDPass, URI: uri})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	expected := map[uint32]string{
		ids[0]: "first body",
		ids[1]: "second body",
		ids[2]: "third body",
	}
	for _, id := range []uint32{ids[2], ids[0], ids[1]} {
		resp, err := c.RecvResponseFor(id)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != errors.StatusOK {
			t.Fatalf("id %d status %v", id, resp.Status)
		}
		fd := resp.TakeFD()
		if body := readFD(t, fd); body != expected[id] {
			t.Errorf("id %d body = %q, want %q", id, body, expected[id])
		}
		unix.Close(fd)
		resp.Close()
	}
}

func TestV2_SegmentedInline(t *testing.T) {
	srv, store := startTestServer(t)

	ref, err := store.Create(&object.CreateRequest{URI: "/seg/small", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	writeFD(t, ref.FD(), "tiny body")
	ref.Release()
	if err := store.SyncSize("/seg/small"); err != nil {
		t.Fatal(err)
	}

	c := dial(t, srv)
	defer c.Close(client.CloseNormal)
	if _, err := c.Hello(client.CapSegmentedDelivery|client.CapPipelining, 10); err != nil {
		t.Fatal(err)
	}

	id, err := c.SendRequest(&client.Request{Mode: client.ModeSegmented, URI: "/seg/small"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponseFor(id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close()

	if resp.Status != errors.StatusOK {
		t.Fatalf("status = %v", resp.Status)
	}
	if len(resp.Segments) != 1 {
		t.Fatalf("segments = %d", len(resp.Segments))
	}
	seg := resp.Segments[0]
	if seg.Type != wire.SegTypeInline || seg.Flags&wire.SegFlagFIN == 0 {
		t.Errorf("segment = %+v", seg)
	}
	if !bytes.Equal(seg.InlineData, []byte("tiny body")) {
		t.Errorf("inline data = %q", seg.InlineData)
	}
}

func TestV2_SegmentedLargeUsesFD(t *testing.T) {
	srv, store := startTestServer(t)

	big := bytes.Repeat([]byte("0123456789abcdef"), 512) // 8 KiB
	ref, err := store.Create(&object.CreateRequest{URI: "/seg/large", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Pwrite(ref.FD(), big, 0); err != nil {
		t.Fatal(err)
	}
	ref.Release()
	if err := store.SyncSize("/seg/large"); err != nil {
		t.Fatal(err)
	}

	c := dial(t, srv)
	defer c.Close(client.CloseNormal)
	if _, err := c.Hello(client.CapSegmentedDelivery|client.CapPipelining, 10); err != nil {
		t.Fatal(err)
	}

	id, err := c.SendRequest(&client.Request{Mode: client.ModeSegmented, URI: "/seg/large"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponseFor(id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close()

	if len(resp.Segments) != 1 {
		t.Fatalf("segments = %d", len(resp.Segments))
	}
	seg := resp.Segments[0]
	if seg.Type != wire.SegTypeFD {
		t.Fatalf("segment type = %d, want FD", seg.Type)
	}
	if seg.FD < 0 {
		t.Fatal("no descriptor in FD segment")
	}
	buf := make([]byte, len(big))
	if _, err := unix.Pread(seg.FD, buf, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, big) {
		t.Error("FD segment body mismatch")
	}
}

func TestV2_SegmentedWithoutCapability(t *testing.T) {
	srv, store := startTestServer(t)

	ref, err := store.Create(&object.CreateRequest{URI: "/seg/nope", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	ref.Release()

	c := dial(t, srv)
	defer c.Close(client.CloseNormal)
	// No segmented-delivery bit in the client's declared set.
	if _, err := c.Hello(client.CapOOOReplies|client.CapPipelining, 10); err != nil {
		t.Fatal(err)
	}

	id, err := c.SendRequest(&client.Request{Mode: client.ModeSegmented, URI: "/seg/nope"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponseFor(id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close()
	if resp.Status != errors.StatusCapabilityError {
		t.Errorf("status = %v, want CAPABILITY_ERROR", resp.Status)
	}
}

func TestV2_InvalidMode(t *testing.T) {
	srv, _ := startTestServer(t)

	c := dial(t, srv)
	defer c.Close(client.CloseNormal)
	if _, err := c.Hello(client.CapPipelining, 10); err != nil {
		t.Fatal(err)
	}

	id, err := c.SendRequest(&client.Request{Mode: '2', URI: "/copy/me"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponseFor(id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close()
	if resp.Status != errors.StatusInvalidMode {
		t.Errorf("status = %v, want INVALID_MODE", resp.Status)
	}
}

func TestV2_CloseHandshake(t *testing.T) {
	srv, _ := startTestServer(t)

	c := dial(t, srv)
	if _, err := c.Hello(client.CapPipelining, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(client.CloseNormal); err != nil {
		t.Errorf("close handshake failed: %v", err)
	}
}

func TestStop_UnlinksSocket(t *testing.T) {
	srv, _ := startTestServer(t)
	path := srv.SocketPath()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket missing while running: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("socket path not unlinked on shutdown")
	}
}

func TestEphemeralObjectsVisibleOverSocket(t *testing.T) {
	srv, store := startTestServer(t)

	ref, err := store.Create(&object.CreateRequest{URI: "/tmp/eph", BackendHint: -1, Ephemeral: true})
	if err != nil {
		t.Fatal(err)
	}
	writeFD(t, ref.FD(), "volatile")
	ref.Release()
	if err := store.SyncSize("/tmp/eph"); err != nil {
		t.Fatal(err)
	}

	c := dial(t, srv)
	defer c.Close(client.CloseNormal)
	if _, err := c.SendRequest(&client.Request{Mode: client.ModeFDPass, URI: "/tmp/eph"}); err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponse()
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close()
	fd := resp.TakeFD()
	defer unix.Close(fd)
	if body := readFD(t, fd); body != "volatile" {
		t.Errorf("body = %q", body)
	}
}
