package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MaxURILength is the longest object URI accepted anywhere in the daemon.
// The wire codec enforces the same limit before reading a request body.
const MaxURILength = 4096

// ValidateURI checks that a URI is acceptable as an object identifier:
// non-empty, within the length limit, and free of traversal sequences that
// would let it escape a backend mount when mapped to a filesystem path.
func ValidateURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("uri cannot be empty")
	}
	if len(uri) > MaxURILength {
		return fmt.Errorf("uri exceeds %d bytes: %d", MaxURILength, len(uri))
	}
	for _, segment := range strings.Split(uri, "/") {
		if segment == ".." {
			return fmt.Errorf("uri contains directory traversal: %s", uri)
		}
	}
	return nil
}

// ObjectPath maps an object URI onto a backend mount. URI "/a/b.dat" on a
// backend mounted at "/srv/backend0" becomes "/srv/backend0/a/b.dat".
// The URI must already have passed ValidateURI.
func ObjectPath(mountPath, uri string) string {
	return filepath.Join(mountPath, strings.TrimPrefix(uri, "/"))
}

// URIFromRelPath converts a path relative to a backend mount back into the
// canonical URI form with a leading slash. Used by the cold-start scan.
func URIFromRelPath(relPath string) string {
	return "/" + filepath.ToSlash(relPath)
}
