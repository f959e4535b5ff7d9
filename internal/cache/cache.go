// Stores fetched response bodies on local storage
package cache

// Cache interface for body storage operations
type Cache interface {
	// resolves the on-disk location of a URL path
	Path(urlPath string) (string, error)
	// retrieves a stored body; returns ErrNotFound when absent
	Get(urlPath string) ([]byte, error)
	// stores a body at the location derived from urlPath, overwriting any prior content
	Set(urlPath string, data []byte) (string, error)
	// initializes the cache (e.g., creates necessary directories)
	Init() error
}

var _ Cache = (*DiskCache)(nil)
