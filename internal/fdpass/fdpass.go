// Package fdpass transmits kernel file descriptors over Unix-domain stream
// sockets using SCM_RIGHTS ancillary control messages.
//
// Each transfer carries exactly one descriptor plus a one-byte operation tag
// in the regular byte stream. On a successful send the kernel duplicates the
// descriptor into the peer: the sender keeps ownership of its original and
// the receiver owns (and must close) the duplicate.
package fdpass

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/pkg/errors"
)

// Send transmits fd together with a one-byte operation tag over the
// connected socket sock. The caller retains ownership of fd.
func Send(sock int, fd int, operationType byte) error {
	rights := unix.UnixRights(fd)
	payload := []byte{operationType}

	if err := unix.Sendmsg(sock, payload, rights, nil, 0); err != nil {
		return errors.New(errors.StatusInternalError, "sendmsg failed").
			WithComponent("fdpass").
			WithOperation("send").
			WithCause(err)
	}
	return nil
}

// Recv receives one descriptor and its operation tag from the connected
// socket sock. The returned descriptor is owned by the caller.
func Recv(sock int) (fd int, operationType byte, err error) {
	payload := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(sock, payload, oob, 0)
	if err != nil {
		return -1, 0, errors.New(errors.StatusInternalError, "recvmsg failed").
			WithComponent("fdpass").
			WithOperation("recv").
			WithCause(err)
	}
	if n == 0 && oobn == 0 {
		return -1, 0, errors.New(errors.StatusProtocolError, "peer closed during fd transfer").
			WithComponent("fdpass")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, 0, errors.New(errors.StatusProtocolError, "malformed control message").
			WithComponent("fdpass").
			WithCause(err)
	}
	if len(msgs) == 0 {
		return -1, 0, errors.New(errors.StatusProtocolError, "no control message in fd transfer").
			WithComponent("fdpass")
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, 0, errors.New(errors.StatusProtocolError, "control message is not SCM_RIGHTS").
			WithComponent("fdpass").
			WithCause(err)
	}
	if len(fds) != 1 {
		// More than one descriptor smells like a misbehaving peer; close
		// everything so nothing leaks, then report.
		for _, extra := range fds {
			unix.Close(extra)
		}
		return -1, 0, errors.Newf(errors.StatusProtocolError,
			"expected 1 descriptor, got %d", len(fds)).
			WithComponent("fdpass")
	}

	var tag byte
	if n > 0 {
		tag = payload[0]
	}
	return fds[0], tag, nil
}

// Dup returns a duplicate of fd with the close-on-exec flag set, for
// long-term ownership decoupled from the original.
func Dup(fd int) (int, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup fd %d: %w", fd, err)
	}
	return dup, nil
}
