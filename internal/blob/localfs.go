package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

var ErrOutsideRoot = errors.New("path escapes storage root")

// LocalFS stores files below Root. Relative paths are cleaned and may not
// climb out of Root.
type LocalFS struct {
	Root string
}

func (l LocalFS) abs(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, relPath)
	}
	return filepath.Join(l.Root, clean), nil
}

func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	abs, err := l.abs(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(abs)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.Rel(l.Root, abs)
}

// PutUpload stores an uploaded file as <uuid>/<slug of its name><ext> and
// returns the stored path relative to Root.
func (l LocalFS) PutUpload(filename string, r io.Reader) (string, error) {
	return l.Put(filepath.Join(uuid.NewString(), SafeName(filename)), r)
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	abs, err := l.abs(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	abs, err := l.abs(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Path resolves relPath to a path on disk.
func (l LocalFS) Path(relPath string) (string, error) {
	return l.abs(relPath)
}

// SafeName keeps the extension of a client supplied file name and
// slugifies the rest, so "../My Scan (1).XY" becomes "my-scan-1.xy".
func SafeName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(base))
	stem := slug.Make(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" {
		stem = "file"
	}
	return stem + ext
}
