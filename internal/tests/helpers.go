package tests

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Origin is a fixture origin server speaking raw HTTP/1.1 over TCP. Each
// connection's request is read until the client half-closes its side, then
// answered with the handler's bytes and closed.
type Origin struct {
	listener net.Listener
	handler  func(request string) string

	mu       sync.Mutex
	requests []string

	wg sync.WaitGroup
}

// NewOrigin starts a fixture origin on a loopback port
func NewOrigin(handler func(request string) string) (*Origin, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	o := &Origin{listener: ln, handler: handler}
	o.wg.Add(1)
	go o.serve()
	return o, nil
}

func (o *Origin) serve() {
	defer o.wg.Done()
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			return
		}
		o.wg.Add(1)
		go o.handle(conn)
	}
}

func (o *Origin) handle(conn net.Conn) {
	defer o.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		return
	}
	request := string(data)

	o.mu.Lock()
	o.requests = append(o.requests, request)
	o.mu.Unlock()

	_, _ = io.WriteString(conn, o.handler(request))
}

// Addr returns host:port of the origin
func (o *Origin) Addr() string {
	return o.listener.Addr().String()
}

// URL returns a scheme-less URL for path on this origin
func (o *Origin) URL(path string) string {
	return o.Addr() + "/" + path
}

// Requests returns the raw requests received so far
func (o *Origin) Requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, len(o.requests))
	copy(out, o.requests)
	return out
}

// Close stops accepting and waits for open connections to finish
func (o *Origin) Close() error {
	err := o.listener.Close()
	o.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// RawResponse renders a response with the given status line suffix
// (e.g. "200 OK"), header lines ("Name: value") and body
func RawResponse(status, body string, headers ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %s\r\n", status)
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

// ConditionalHandler answers 304 when the request's If-Modified-Since equals
// lastModified, and 200 with body otherwise
func ConditionalHandler(lastModified, body string) func(string) string {
	return func(request string) string {
		if strings.Contains(request, "If-Modified-Since: "+lastModified+"\r\n") {
			return RawResponse("304 Not Modified", "", "Last-Modified: "+lastModified)
		}
		return RawResponse("200 OK", body,
			"Content-Type: text/html",
			fmt.Sprintf("Content-Length: %d", len(body)),
			"Last-Modified: "+lastModified,
		)
	}
}
