package urlcache

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when the URL names no port
const DefaultPort = 80

// URL is a raw "host[:port]/path" string split into its parts. The scheme is
// expected to be stripped already; query strings and escapes are kept as-is
// in Path.
type URL struct {
	Host string
	Path string
	Port int
}

// ParseURL splits raw on its first "/" into authority and path, then the
// authority on ":" into host and port.
func ParseURL(raw string) (*URL, error) {
	authority, path, found := strings.Cut(raw, "/")
	if !found {
		return nil, fmt.Errorf("%w: %q has no path", ErrInvalidURL, raw)
	}

	host, portText, hasPort := strings.Cut(authority, ":")
	if host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}

	port := DefaultPort
	if hasPort {
		p, err := strconv.Atoi(portText)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("%w: %q has bad port %q", ErrInvalidURL, raw, portText)
		}
		port = p
	}

	return &URL{Host: host, Path: path, Port: port}, nil
}

// Address returns the host:port pair to dial
func (u *URL) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u *URL) String() string {
	if u.Port == DefaultPort {
		return u.Host + "/" + u.Path
	}
	return u.Host + ":" + strconv.Itoa(u.Port) + "/" + u.Path
}
