package index

import (
	"github.com/objmapper/objmapper/internal/fdpass"
	"github.com/objmapper/objmapper/pkg/errors"
)

// Ref is a descriptor reference handle. While held it keeps the entry
// alive (one entry reference) and, when a descriptor was acquired, keeps
// that descriptor open (one descriptor reference). Release must be called
// exactly once.
type Ref struct {
	entry      *Entry
	fd         int
	generation uint32
	released   bool
}

// newRef builds a handle over an entry whose references have already been
// taken by the caller.
func newRef(entry *Entry, fd int, generation uint32) *Ref {
	return &Ref{entry: entry, fd: fd, generation: generation}
}

// NewRef wraps an entry whose references the caller already holds into a
// handle. Used on the create path, where the creator's entry reference and
// the stored descriptor's reference become the returned handle's.
func NewRef(entry *Entry, fd int) *Ref {
	return newRef(entry, fd, entry.FDGeneration())
}

// Entry returns the underlying index entry.
func (r *Ref) Entry() *Entry {
	return r.entry
}

// FD returns the cached descriptor, or -1 when the handle was acquired
// without one.
func (r *Ref) FD() int {
	return r.fd
}

// Stale reports whether the descriptor was invalidated (closed or
// migrated) after this handle acquired it.
func (r *Ref) Stale() bool {
	return r.fd >= 0 && r.entry.FDGeneration() != r.generation
}

// Dup returns a freshly duplicated descriptor for ownership outside the
// refcount scheme, such as handing to a client over SCM_RIGHTS.
func (r *Ref) Dup() (int, error) {
	if r.fd < 0 {
		return -1, errors.New(errors.StatusInternalError, "handle holds no descriptor").
			WithComponent("index")
	}
	return fdpass.Dup(r.fd)
}

// Release drops the handle's descriptor reference and entry reference, in
// that order. Safe to call on a handle that never acquired a descriptor.
func (r *Ref) Release() {
	if r.released {
		return
	}
	r.released = true
	if r.fd >= 0 {
		r.entry.releaseFD()
		r.fd = -1
	}
	r.entry.PutRef()
}
