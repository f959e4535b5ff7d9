package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned by Get when nothing is stored for a path
	ErrNotFound = errors.New("cached body not found")
	// ErrInvalidPath is returned for paths that are empty or escape the root
	ErrInvalidPath = errors.New("invalid cache path")
)

// DiskCache implements Cache by writing each body to root/<url path>
type DiskCache struct {
	root string
}

// NewDisk creates a new disk cache rooted at root
func NewDisk(root string) *DiskCache {
	return &DiskCache{
		root: root,
	}
}

// Root returns the directory bodies are stored under
func (d *DiskCache) Root() string {
	return d.root
}

// Path maps a URL path component onto a file below the root. Cleaning the
// path as if it were rooted keeps ".." segments from climbing above root.
func (d *DiskCache) Path(urlPath string) (string, error) {
	if urlPath == "" || strings.HasSuffix(urlPath, "/") {
		return "", fmt.Errorf("%w: %q does not name a file", ErrInvalidPath, urlPath)
	}

	rel := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if rel == "" {
		return "", fmt.Errorf("%w: %q does not name a file", ErrInvalidPath, urlPath)
	}

	return filepath.Join(d.root, filepath.FromSlash(rel)), nil
}

// Get retrieves a stored body
func (d *DiskCache) Get(urlPath string) ([]byte, error) {
	cachePath, err := d.Path(urlPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return data, nil
}

// Set stores a body, creating missing parent directories. The body is written
// to a temporary file and renamed over the destination.
func (d *DiskCache) Set(urlPath string, data []byte) (string, error) {
	cachePath, err := d.Path(urlPath)
	if err != nil {
		return "", err
	}

	// Ensure directory exists
	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".urlcache-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0644)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}

	if err := os.Rename(tmpName, cachePath); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}

	logrus.Debugf("Stored body: %s (%d bytes)", cachePath, len(data))
	return cachePath, nil
}

// Init ensures the root directory exists
func (d *DiskCache) Init() error {
	return os.MkdirAll(d.root, 0755)
}
