// Fetches URLs over raw HTTP/1.1 with conditional GETs, keeps the bodies on
// local storage and records each URL's Last-Modified date in a catalog.
//
// One fetch is one connection: the request is written, the write side is
// closed, and the response is read until the origin closes the stream.
// Chunked encoding, keep-alive, redirects and TLS are not handled.
package urlcache

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/url-cache/internal/cache"
	"github.com/iTrooz/url-cache/internal/catalog"
	"github.com/iTrooz/url-cache/internal/config"
)

// Dialer opens the byte stream to an origin server
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// Options tune the exchange with origin servers
type Options struct {
	// Timeout bounds the whole exchange, dial included. Zero disables it.
	Timeout time.Duration
	// StrictTerminator ends the request with "\r\n"; otherwise a bare "\n".
	StrictTerminator bool
	// MaxHeaderBytes caps the response header; zero disables the cap.
	MaxHeaderBytes int
	// Dialer defaults to a net.Dialer honouring Timeout.
	Dialer Dialer
}

// Result describes a completed fetch
type Result struct {
	URL          string
	Path         string
	FilePath     string
	LastModified string
	StatusCode   int
	NotModified  bool
	Bytes        int
}

// Client runs fetch cycles against a catalog and a body store. Fetches are
// serialized.
type Client struct {
	catalog *catalog.Catalog
	store   cache.Cache

	dialer         Dialer
	timeout        time.Duration
	terminator     string
	maxHeaderBytes int

	mu sync.Mutex
}

// New creates a client over an already loaded catalog
func New(cat *catalog.Catalog, store cache.Cache, opts Options) *Client {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: opts.Timeout}
	}

	terminator := "\n"
	if opts.StrictTerminator {
		terminator = "\r\n"
	}

	return &Client{
		catalog:        cat,
		store:          store,
		dialer:         dialer,
		timeout:        opts.Timeout,
		terminator:     terminator,
		maxHeaderBytes: opts.MaxHeaderBytes,
	}
}

// NewFromConfig loads the catalog and prepares the disk store named by cfg
func NewFromConfig(cfg *config.Config) (*Client, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, &Error{Op: "initializing", Err: fmt.Errorf("invalid client timeout: %w", err)}
	}

	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return nil, &Error{Op: "initializing", Err: fmt.Errorf("%w: %w", ErrStorage, err)}
	}

	store := cache.NewDisk(cfg.Storage.Root)
	if err := store.Init(); err != nil {
		return nil, &Error{Op: "initializing", Err: fmt.Errorf("%w: %w", ErrStorage, err)}
	}

	return New(cat, store, Options{
		Timeout:          timeout,
		StrictTerminator: cfg.Client.StrictTerminator,
		MaxHeaderBytes:   cfg.Client.MaxHeaderBytes,
	}), nil
}

// Catalog returns the catalog the client records into
func (c *Client) Catalog() *catalog.Catalog {
	return c.catalog
}

// Fetch runs one conditional fetch of rawURL ("host[:port]/path"): it sends
// If-Modified-Since with the catalogued date (or Epoch), stores the body under
// the URL's path and appends the origin's Last-Modified to the catalog.
//
// A 304 leaves the stored body untouched but is still catalogued. A failure
// after the body is written leaves the body in place without a catalog entry.
func (c *Client) Fetch(rawURL string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.fetch(rawURL)
	if err != nil {
		return nil, &Error{Op: "getting object", URL: rawURL, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"url":           rawURL,
		"status":        result.StatusCode,
		"last_modified": result.LastModified,
		"bytes":         result.Bytes,
	}).Infof("Fetched %s", rawURL)
	return result, nil
}

func (c *Client) fetch(rawURL string) (*Result, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	since := Epoch
	known, found := c.catalog.Lookup(rawURL)
	if found {
		if t, err := ParseDate(known); err == nil {
			since = t
		} else {
			logrus.Warnf("Ignoring unparseable catalog date %q for %s: %v", known, rawURL, err)
			found = false
		}
	}

	logrus.WithFields(logrus.Fields{
		"host":  u.Host,
		"port":  u.Port,
		"path":  u.Path,
		"since": FormatDate(since),
	}).Debugf("Requesting %s", rawURL)

	frame, err := c.exchange(u, since)
	if err != nil {
		return nil, err
	}

	header, err := ParseHeader(frame.Header())
	if err != nil {
		return nil, err
	}

	result := &Result{
		URL:        rawURL,
		Path:       u.Path,
		StatusCode: header.StatusCode,
	}

	if header.StatusCode == http.StatusNotModified {
		lastModified := header.Get("Last-Modified")
		if lastModified == "" {
			lastModified = FormatDate(since)
			if found {
				lastModified = known
			}
		}

		filePath, err := c.store.Path(u.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if err := c.catalog.Append(rawURL, lastModified); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}

		result.FilePath = filePath
		result.LastModified = lastModified
		result.NotModified = true
		return result, nil
	}

	lastModified, err := ExtractLastModified(frame.Header())
	if err != nil {
		return nil, err
	}

	filePath, err := c.store.Set(u.Path, frame.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if err := c.catalog.Append(rawURL, lastModified); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	result.FilePath = filePath
	result.LastModified = lastModified
	result.Bytes = len(frame.Body())
	return result, nil
}

// exchange sends the request on a fresh connection and reads the response.
// The connection is closed on every path.
func (c *Client) exchange(u *URL, since time.Time) (*ResponseFrame, error) {
	conn, err := c.dialer.Dial("tcp", u.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrConnection, u.Address(), err)
	}
	defer conn.Close()

	if c.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("%w: setting deadline: %v", ErrConnection, err)
		}
	}

	request := BuildRequest(u.Host, u.Path, since)
	if _, err := io.WriteString(conn, request+c.terminator); err != nil {
		return nil, fmt.Errorf("%w: sending request: %v", ErrConnection, err)
	}

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			logrus.Debugf("Failed to half-close connection to %s: %v", u.Address(), err)
		}
	}

	return ReadResponse(conn, c.maxHeaderBytes)
}

// LookupLastModified returns the catalogued Last-Modified time of rawURL
func (c *Client) LookupLastModified(rawURL string) (time.Time, error) {
	date, ok := c.catalog.Lookup(rawURL)
	if !ok {
		return time.Time{}, &Error{Op: "getting last modified date", URL: rawURL, Err: ErrNotFound}
	}

	t, err := ParseDate(date)
	if err != nil {
		return time.Time{}, &Error{
			Op:  "getting last modified date",
			URL: rawURL,
			Err: fmt.Errorf("%w: catalogued date %q: %v", ErrStorage, date, err),
		}
	}
	return t, nil
}
