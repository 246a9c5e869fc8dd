package object

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/backend"
	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/internal/payload"
	"github.com/objmapper/objmapper/pkg/errors"
)

func newTestStore(t *testing.T) (*Store, int, int) {
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
	return NewStore(r, nil, nil), memID, ssdID
}

func writeThroughRef(t *testing.T, ref *index.Ref, content string) {
	t.Helper()
	if _, err := unix.Pwrite(ref.FD(), []byte(content), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
}

func readThroughRef(t *testing.T, ref *index.Ref) string {
	t.Helper()
	buf := make([]byte, 256)
	n, err := unix.Pread(ref.FD(), buf, 0)
	if err != nil {
		t.Fatalf("pread: %v", err)
	}
	return string(buf[:n])
}

func TestCreateWriteGet(t *testing.T) {
	s, _, ssdID := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/test/object1.txt", BackendHint: -1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	writeThroughRef(t, ref, "Hello, objmapper!")
	if err := s.SyncSize("/test/object1.txt"); err != nil {
		t.Fatal(err)
	}
	ref.Release()

	got, err := s.Get("/test/object1.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer got.Release()

	if body := readThroughRef(t, got); body != "Hello, objmapper!" {
		t.Errorf("read back %q", body)
	}
	if backendID, _ := got.Entry().Location(); backendID != ssdID {
		t.Errorf("object on backend %d, want %d", backendID, ssdID)
	}
	if got.Entry().Size() != 17 {
		t.Errorf("size = %d, want 17", got.Entry().Size())
	}
}

func TestCreate_EphemeralPlacement(t *testing.T) {
	s, memID, ssdID := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/tmp/eph.dat", BackendHint: -1, Ephemeral: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if backendID, _ := ref.Entry().Location(); backendID != memID {
		t.Errorf("ephemeral object on backend %d, want %d", backendID, memID)
	}
	if !ref.Entry().IsEphemeral() {
		t.Error("ephemeral flag not set")
	}
	ref.Release()

	// Ephemeral object on a persistent backend hint is rejected.
	_, err = s.Create(&CreateRequest{URI: "/tmp/eph2.dat", BackendHint: ssdID, Ephemeral: true})
	if errors.StatusOf(err) != errors.StatusStorageError {
		t.Errorf("expected STORAGE_ERROR, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, _, _ := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/del/me.dat", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	writeThroughRef(t, ref, "bytes")
	if err := s.SyncSize("/del/me.dat"); err != nil {
		t.Fatal(err)
	}
	_, path := ref.Entry().Location()
	ref.Release()

	if err := s.Delete("/del/me.dat"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("/del/me.dat"); errors.StatusOf(err) != errors.StatusNotFound {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("object file not unlinked")
	}

	// Deleting again reports NOT_FOUND.
	if err := s.Delete("/del/me.dat"); errors.StatusOf(err) != errors.StatusNotFound {
		t.Errorf("second delete = %v", err)
	}

	// All counters return to zero.
	objects, bytes := s.Registry().Totals()
	if objects != 0 || bytes != 0 {
		t.Errorf("totals = (%d, %d)", objects, bytes)
	}
}

func TestDelete_OutstandingHandleStillReads(t *testing.T) {
	s, _, _ := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/obj", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	writeThroughRef(t, ref, "survivor")

	if err := s.Delete("/obj"); err != nil {
		t.Fatal(err)
	}

	// The handle's descriptor outlives the unlink.
	if body := readThroughRef(t, ref); body != "survivor" {
		t.Errorf("read after delete = %q", body)
	}
	ref.Release()
}

func TestCreate_Replace(t *testing.T) {
	s, _, _ := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/replace.me", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	writeThroughRef(t, ref, "old contents")
	if err := s.SyncSize("/replace.me"); err != nil {
		t.Fatal(err)
	}
	ref.Release()

	// A second create truncates and replaces.
	ref2, err := s.Create(&CreateRequest{URI: "/replace.me", BackendHint: -1})
	if err != nil {
		t.Fatalf("replace create: %v", err)
	}
	writeThroughRef(t, ref2, "new")
	if err := s.SyncSize("/replace.me"); err != nil {
		t.Fatal(err)
	}
	ref2.Release()

	got, err := s.Get("/replace.me")
	if err != nil {
		t.Fatal(err)
	}
	if body := readThroughRef(t, got); body != "new" {
		t.Errorf("read back %q", body)
	}
	got.Release()

	objects, bytes := s.Registry().Totals()
	if objects != 1 || bytes != 3 {
		t.Errorf("totals after replace = (%d, %d)", objects, bytes)
	}
}

func TestCreate_InvalidURI(t *testing.T) {
	s, _, _ := newTestStore(t)

	for _, uri := range []string{"", "/a/../../etc/passwd"} {
		if _, err := s.Create(&CreateRequest{URI: uri, BackendHint: -1}); err == nil {
			t.Errorf("uri %q accepted", uri)
		}
	}
}

func TestUpdateSize_Accounting(t *testing.T) {
	s, _, ssdID := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/sized", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	ref.Release()

	if err := s.UpdateSize("/sized", 1000); err != nil {
		t.Fatal(err)
	}
	b, _ := s.Registry().Get(ssdID)
	if b.UsedBytes() != 1000 {
		t.Errorf("used = %d", b.UsedBytes())
	}

	// Shrink adjusts downward.
	if err := s.UpdateSize("/sized", 400); err != nil {
		t.Fatal(err)
	}
	if b.UsedBytes() != 400 {
		t.Errorf("used after shrink = %d", b.UsedBytes())
	}
	_, bytes := s.Registry().Totals()
	if bytes != 400 {
		t.Errorf("total bytes = %d", bytes)
	}
}

func TestUpdateSize_SeedsIdentityPayload(t *testing.T) {
	s, _, _ := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/seeded", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	d0 := ref.Entry().Payload()
	if !d0.IsZero() {
		t.Error("descriptor set before first write")
	}
	ref.Release()

	if err := s.UpdateSize("/seeded", 512); err != nil {
		t.Fatal(err)
	}

	meta, err := s.Get("/seeded")
	if err != nil {
		t.Fatal(err)
	}
	defer meta.Release()
	d := meta.Entry().Payload()
	if d.IsZero() {
		t.Fatal("first write did not seed a descriptor")
	}
	if primary := d.Primary(); primary == nil || primary.LogicalLength != 512 {
		t.Errorf("primary = %+v", primary)
	}
}

func TestSetPayload(t *testing.T) {
	s, _, _ := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/pl", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	ref.Release()

	good := payload.NewIdentity(64)
	if err := s.SetPayload("/pl", good); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}

	bad := payload.NewIdentity(64)
	bad.Variants[0].IsPrimary = false
	if err := s.SetPayload("/pl", bad); errors.StatusOf(err) != errors.StatusInvalidRequest {
		t.Errorf("invalid descriptor stored: %v", err)
	}

	// The stored descriptor is the last valid one.
	got, err := s.Get("/pl")
	if err != nil {
		t.Fatal(err)
	}
	defer got.Release()
	gotPayload := got.Entry().Payload()
	if gotPayload.Primary() == nil {
		t.Error("valid descriptor lost")
	}
}

func TestGetMetadata(t *testing.T) {
	s, _, ssdID := newTestStore(t)

	ref, err := s.Create(&CreateRequest{URI: "/m", BackendHint: -1})
	if err != nil {
		t.Fatal(err)
	}
	ref.Release()
	if err := s.UpdateSize("/m", 99); err != nil {
		t.Fatal(err)
	}

	meta, err := s.GetMetadata("/m")
	if err != nil {
		t.Fatal(err)
	}
	if meta.URI != "/m" || meta.BackendID != ssdID || meta.SizeBytes != 99 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Flags&index.FlagPersistent == 0 {
		t.Error("persistent flag missing")
	}
}
