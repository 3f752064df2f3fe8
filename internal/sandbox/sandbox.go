// Package sandbox enforces the receiver's filename policy and confines
// destination files to a configured save root.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnsafeName reports a filename that fails the policy: empty, absolute,
// traversal, or embedded NUL.
var ErrUnsafeName = errors.New("sandbox: unsafe filename")

// CheckName reports whether name may be written under the save root.
// A name is rejected if it is empty, begins with '/' or '\', contains the
// substring "..", or contains a NUL byte.
func CheckName(name string) error {
	if name == "" {
		return ErrUnsafeName
	}
	if name[0] == '/' || name[0] == '\\' {
		return ErrUnsafeName
	}
	if strings.Contains(name, "..") {
		return ErrUnsafeName
	}
	if strings.IndexByte(name, 0) >= 0 {
		return ErrUnsafeName
	}
	return nil
}

// Root is a canonicalized directory under which received files are placed.
type Root struct {
	path string
}

// New canonicalizes dir into a Root. The directory itself is created lazily
// on the first file open.
func New(dir string) (Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, errors.Wrap(err, "sandbox: resolve save root")
	}
	return Root{path: abs}, nil
}

// Path returns the canonicalized save root.
func (r Root) Path() string {
	return r.path
}

// Join returns the destination path for name. CheckName must have accepted
// name first.
func (r Root) Join(name string) string {
	return filepath.Join(r.path, name)
}

// Create ensures the save root exists and opens the destination file for
// name, truncating any previous content.
func (r Root) Create(name string) (*os.File, string, error) {
	if err := os.MkdirAll(r.path, 0o755); err != nil {
		return nil, "", errors.Wrap(err, "sandbox: create save root")
	}
	path := r.Join(name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", errors.Wrapf(err, "sandbox: create %s", path)
	}
	return f, path, nil
}
