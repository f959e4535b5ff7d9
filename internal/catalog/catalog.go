// Records which URLs have been fetched and the Last-Modified date the origin
// reported for them.
//
// The durable form is a plain text file holding two lines per entry: the URL
// as given by the caller, then the date. Entries are only ever appended, so a
// URL fetched several times appears several times; lookups return the first
// entry in insertion order.
package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStorage marks failures to create, read or write the catalog file
var ErrStorage = errors.New("catalog storage error")

// Entry is a single URL -> Last-Modified record
type Entry struct {
	URL          string
	LastModified string
}

// Catalog is an insertion-ordered, file-backed list of entries
type Catalog struct {
	path    string
	entries []Entry

	lock sync.RWMutex
}

// New returns an empty catalog backed by the file at path. Call Load to
// replay the entries already persisted there.
func New(path string) *Catalog {
	return &Catalog{path: path}
}

// Open creates a catalog for path and loads it
func Open(path string) (*Catalog, error) {
	c := New(path)
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the location of the durable store
func (c *Catalog) Path() string {
	return c.path
}

// Load replays the durable store into memory, replacing any entries already
// held. A missing store is created empty.
func (c *Catalog) Load() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	f, err := os.Open(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		created, createErr := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY, 0644)
		if createErr != nil {
			return fmt.Errorf("%w: creating %s: %v", ErrStorage, c.path, createErr)
		}
		c.entries = nil
		logrus.Debugf("Created empty catalog %s", c.path)
		return closeFile(created)
	}
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrStorage, c.path, err)
	}
	defer f.Close()

	var entries []Entry
	var pending *string

	// consumed counts bytes read through the last scanned line, pairEnd
	// through the last complete pair
	var consumed, pairEnd int64
	terminated := true

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		if advance > 0 {
			consumed += int64(advance)
			terminated = data[advance-1] == '\n'
		}
		return advance, token, err
	})
	for scanner.Scan() {
		line := scanner.Text()
		if pending == nil {
			pending = &line
			continue
		}
		entries = append(entries, Entry{URL: *pending, LastModified: line})
		pending = nil
		pairEnd = consumed
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrStorage, c.path, err)
	}

	switch {
	case pending != nil:
		// later appends would pair the stray line with their URL
		logrus.Warnf("Truncating unpaired trailing line in catalog %s: %q", c.path, *pending)
		if err := os.Truncate(c.path, pairEnd); err != nil {
			return fmt.Errorf("%w: truncating %s: %v", ErrStorage, c.path, err)
		}
	case !terminated:
		if err := c.terminateLastLine(); err != nil {
			return err
		}
	}

	c.entries = entries
	logrus.Debugf("Loaded %d catalog entries from %s", len(entries), c.path)
	return nil
}

// Lookup returns the date of the first entry recorded for url
func (c *Catalog) Lookup(url string) (string, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	for _, e := range c.entries {
		if e.URL == url {
			return e.LastModified, true
		}
	}
	return "", false
}

// Append writes the entry through to the durable store, then records it in
// memory. Nothing is recorded in memory when the write fails.
func (c *Catalog) Append(url, lastModified string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrStorage, c.path, err)
	}

	if _, err := f.WriteString(url + "\n" + lastModified + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrStorage, c.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing %s: %v", ErrStorage, c.path, err)
	}
	if err := closeFile(f); err != nil {
		return err
	}

	c.entries = append(c.entries, Entry{URL: url, LastModified: lastModified})
	return nil
}

// Entries returns a copy of all entries in insertion order
func (c *Catalog) Entries() []Entry {
	c.lock.RLock()
	defer c.lock.RUnlock()

	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries, duplicates included
func (c *Catalog) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return len(c.entries)
}

// terminateLastLine completes a final date line written without its newline
func (c *Catalog) terminateLastLine() error {
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrStorage, c.path, err)
	}
	if _, err := f.WriteString("\n"); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrStorage, c.path, err)
	}
	return closeFile(f)
}

func closeFile(f *os.File) error {
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrStorage, f.Name(), err)
	}
	return nil
}
