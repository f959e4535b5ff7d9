package urlcache_test

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/url-cache/internal/cache"
	"github.com/iTrooz/url-cache/internal/catalog"
	"github.com/iTrooz/url-cache/internal/tests"
	"github.com/iTrooz/url-cache/internal/urlcache"
)

const lastModified = "Thu, 18 Sep 2014 22:24:31 GMT"

// fixture_client builds a client over a fresh catalog and store in a temp dir
func fixture_client(t *testing.T, opts urlcache.Options) (*urlcache.Client, *catalog.Catalog, string) {
	t.Helper()

	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog"))
	require.NoError(t, err)

	root := filepath.Join(dir, "objects")
	store := cache.NewDisk(root)
	require.NoError(t, store.Init())

	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return urlcache.New(cat, store, opts), cat, root
}

func fixture_origin(t *testing.T, handler func(string) string) *tests.Origin {
	t.Helper()

	origin, err := tests.NewOrigin(handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = origin.Close() })
	return origin
}

func TestFetch(t *testing.T) {
	origin := fixture_origin(t, tests.ConditionalHandler(lastModified, "<html>hello</html>"))
	client, cat, root := fixture_client(t, urlcache.Options{StrictTerminator: true})

	url := origin.URL("~x/index.html")
	result, err := client.Fetch(url)
	require.NoError(t, err)

	assert.Equal(t, 200, result.StatusCode)
	assert.False(t, result.NotModified)
	assert.Equal(t, lastModified, result.LastModified)
	assert.Equal(t, filepath.Join(root, "~x", "index.html"), result.FilePath)
	assert.Equal(t, len("<html>hello</html>"), result.Bytes)

	data, err := os.ReadFile(filepath.Join(root, "~x", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>hello</html>", string(data))

	date, ok := cat.Lookup(url)
	assert.True(t, ok)
	assert.Equal(t, lastModified, date)

	requests := origin.Requests()
	require.Len(t, requests, 1)
	host, _, err := net.SplitHostPort(origin.Addr())
	require.NoError(t, err)
	assert.Equal(t,
		"GET /~x/index.html HTTP/1.1\r\nHost: "+host+"\r\nIf-Modified-Since: Thu, 01 Jan 1970 00:00:00 GMT\r\n\r\n",
		requests[0])
}

func TestFetchLegacyTerminator(t *testing.T) {
	origin := fixture_origin(t, tests.ConditionalHandler(lastModified, "body"))
	client, _, _ := fixture_client(t, urlcache.Options{StrictTerminator: false})

	_, err := client.Fetch(origin.URL("index.html"))
	require.NoError(t, err)

	requests := origin.Requests()
	require.Len(t, requests, 1)
	assert.True(t, strings.HasSuffix(requests[0], "GMT\r\n\n"), "request was %q", requests[0])
}

func TestRefetchSendsCataloguedDateAndAppendsDuplicate(t *testing.T) {
	origin := fixture_origin(t, tests.ConditionalHandler(lastModified, "<html>v1</html>"))
	client, cat, root := fixture_client(t, urlcache.Options{StrictTerminator: true})

	url := origin.URL("docs/page.html")
	_, err := client.Fetch(url)
	require.NoError(t, err)

	result, err := client.Fetch(url)
	require.NoError(t, err)
	assert.True(t, result.NotModified)
	assert.Equal(t, 304, result.StatusCode)
	assert.Equal(t, lastModified, result.LastModified)

	requests := origin.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, requests[1], "If-Modified-Since: "+lastModified+"\r\n")

	// duplicates are kept, lookups use the first
	assert.Equal(t, []catalog.Entry{
		{URL: url, LastModified: lastModified},
		{URL: url, LastModified: lastModified},
	}, cat.Entries())

	// a 304 leaves the stored body alone
	data, err := os.ReadFile(filepath.Join(root, "docs", "page.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>v1</html>", string(data))
}

func TestFetchNotModifiedWithoutLastModified(t *testing.T) {
	origin := fixture_origin(t, func(string) string {
		return tests.RawResponse("304 Not Modified", "")
	})
	client, cat, _ := fixture_client(t, urlcache.Options{StrictTerminator: true})

	url := origin.URL("a.html")
	require.NoError(t, cat.Append(url, lastModified))

	result, err := client.Fetch(url)
	require.NoError(t, err)
	assert.Equal(t, lastModified, result.LastModified)
	assert.Equal(t, 2, cat.Len())
}

func TestFetchOverwritesChangedBody(t *testing.T) {
	var mu sync.Mutex
	body := "first version, longer than the second"
	modified := lastModified
	origin := fixture_origin(t, func(string) string {
		mu.Lock()
		defer mu.Unlock()
		return tests.RawResponse("200 OK", body, "Last-Modified: "+modified)
	})
	client, cat, root := fixture_client(t, urlcache.Options{StrictTerminator: true})

	url := origin.URL("page")
	_, err := client.Fetch(url)
	require.NoError(t, err)

	mu.Lock()
	body = "second"
	modified = "Wed, 21 Oct 2015 07:28:00 GMT"
	mu.Unlock()
	_, err = client.Fetch(url)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "page"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries := cat.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", entries[1].LastModified)

	date, _ := cat.Lookup(url)
	assert.Equal(t, lastModified, date)
}

func TestFetchMissingLastModified(t *testing.T) {
	origin := fixture_origin(t, func(string) string {
		return tests.RawResponse("200 OK", "body", "Content-Type: text/plain")
	})
	client, cat, root := fixture_client(t, urlcache.Options{StrictTerminator: true})

	_, err := client.Fetch(origin.URL("index.html"))
	assert.ErrorIs(t, err, urlcache.ErrProtocol)
	assert.Equal(t, 0, cat.Len())

	_, statErr := os.Stat(filepath.Join(root, "index.html"))
	assert.True(t, os.IsNotExist(statErr), "no body should be written")
}

func TestFetchMalformedResponse(t *testing.T) {
	origin := fixture_origin(t, func(string) string {
		return "not http at all"
	})
	client, _, _ := fixture_client(t, urlcache.Options{StrictTerminator: true})

	_, err := client.Fetch(origin.URL("index.html"))
	assert.ErrorIs(t, err, urlcache.ErrProtocol)
}

func TestFetchInvalidURL(t *testing.T) {
	client, _, _ := fixture_client(t, urlcache.Options{})

	_, err := client.Fetch("invalid")
	assert.ErrorIs(t, err, urlcache.ErrInvalidURL)

	var ucErr *urlcache.Error
	require.True(t, errors.As(err, &ucErr))
	assert.Equal(t, "invalid", ucErr.URL)
}

func TestFetchConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client, _, _ := fixture_client(t, urlcache.Options{})

	_, err = client.Fetch(addr + "/index.html")
	assert.ErrorIs(t, err, urlcache.ErrConnection)
}

func TestFetchTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// accept and never answer
	held := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			held <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case conn := <-held:
			_ = conn.Close()
		default:
		}
	})

	client, _, _ := fixture_client(t, urlcache.Options{Timeout: 200 * time.Millisecond})

	_, err = client.Fetch(ln.Addr().String() + "/slow.html")
	assert.ErrorIs(t, err, urlcache.ErrConnection)
}

func TestFetchStorageFailure(t *testing.T) {
	origin := fixture_origin(t, tests.ConditionalHandler(lastModified, "body"))
	client, cat, root := fixture_client(t, urlcache.Options{StrictTerminator: true})

	// a regular file where a directory is needed
	require.NoError(t, os.WriteFile(filepath.Join(root, "blocked"), []byte("x"), 0644))

	_, err := client.Fetch(origin.URL("blocked/index.html"))
	assert.ErrorIs(t, err, urlcache.ErrStorage)
	assert.Equal(t, 0, cat.Len())
}

func TestLookupLastModified(t *testing.T) {
	origin := fixture_origin(t, tests.ConditionalHandler(lastModified, "body"))
	client, _, _ := fixture_client(t, urlcache.Options{StrictTerminator: true})

	url := origin.URL("index.html")
	_, err := client.Fetch(url)
	require.NoError(t, err)

	got, err := client.LookupLastModified(url)
	require.NoError(t, err)
	assert.Equal(t, int64(1411079071), got.Unix())
}

func TestLookupLastModifiedNonGMTZone(t *testing.T) {
	client, cat, _ := fixture_client(t, urlcache.Options{})
	require.NoError(t, cat.Append("people.example.com/~x/index.html", "Thu, 18 Sep 2014 04:24:31 MDT"))
	require.NoError(t, cat.Append("example.com/a", "Thu, 18 Sep 2014 04:24:31 XYZ"))

	got, err := client.LookupLastModified("people.example.com/~x/index.html")
	require.NoError(t, err)
	assert.Equal(t, int64(1411035871), got.Unix())

	_, err = client.LookupLastModified("example.com/a")
	assert.ErrorIs(t, err, urlcache.ErrStorage)
}

func TestFetchSendsCataloguedZone(t *testing.T) {
	origin := fixture_origin(t, tests.ConditionalHandler(lastModified, "body"))
	client, cat, _ := fixture_client(t, urlcache.Options{StrictTerminator: true})

	url := origin.URL("index.html")
	require.NoError(t, cat.Append(url, "Thu, 18 Sep 2014 04:24:31 MDT"))

	_, err := client.Fetch(url)
	require.NoError(t, err)

	requests := origin.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0], "If-Modified-Since: Thu, 18 Sep 2014 04:24:31 MDT\r\n")
}

func TestLookupLastModifiedUnknown(t *testing.T) {
	client, _, _ := fixture_client(t, urlcache.Options{})

	_, err := client.LookupLastModified("never-fetched")
	assert.ErrorIs(t, err, urlcache.ErrNotFound)

	var ucErr *urlcache.Error
	assert.True(t, errors.As(err, &ucErr))
}

func TestLookupLastModifiedUnparseable(t *testing.T) {
	client, cat, _ := fixture_client(t, urlcache.Options{})
	require.NoError(t, cat.Append("example.com/a", "not a date"))

	_, err := client.LookupLastModified("example.com/a")
	assert.ErrorIs(t, err, urlcache.ErrStorage)
}
