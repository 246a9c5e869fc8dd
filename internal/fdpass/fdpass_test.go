package fdpass

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSendRecv(t *testing.T) {
	a, b := socketPair(t)

	path := filepath.Join(t.TempDir(), "payload.dat")
	content := []byte("fd passing works")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := Send(a, int(f.Fd()), 'G'); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received, tag, err := Recv(b)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	defer unix.Close(received)

	if tag != 'G' {
		t.Errorf("expected tag 'G', got %q", tag)
	}

	// The received descriptor must read back the same bytes.
	buf := make([]byte, len(content))
	n, err := unix.Pread(received, buf, 0)
	if err != nil {
		t.Fatalf("pread on received fd: %v", err)
	}
	if string(buf[:n]) != string(content) {
		t.Errorf("read %q through received fd, want %q", buf[:n], content)
	}

	// The sender's original descriptor is unaffected.
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		t.Errorf("sender fd invalid after send: %v", err)
	}
}

func TestRecv_PeerClosed(t *testing.T) {
	a, b := socketPair(t)
	unix.Close(a)

	// With the peer closed, Recv must report an error rather than
	// hanging or returning a descriptor.
	if _, _, err := Recv(b); err == nil {
		t.Error("expected error after peer close, got nil")
	}
}

func TestRecv_NoControlMessage(t *testing.T) {
	a, b := socketPair(t)

	// A plain byte without SCM_RIGHTS is a protocol violation.
	if err := unix.Sendmsg(a, []byte{'X'}, nil, nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Recv(b); err == nil {
		t.Error("expected error for missing control message, got nil")
	}
}

func TestDup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.dat")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	dup, err := Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	defer unix.Close(dup)

	// Closing the original must not invalidate the duplicate.
	f.Close()
	buf := make([]byte, 3)
	if _, err := unix.Pread(dup, buf, 0); err != nil {
		t.Errorf("duplicate unusable after original closed: %v", err)
	}
}
