package urlcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

const readBufferSize = 16 * 1024

var headerTerminator = []byte("\r\n\r\n")

// ResponseFrame splits a raw response stream into header and body. It is an
// io.Writer: bytes are scanned for the first "\r\n\r\n" while the header is
// open, and everything after it goes to the body. The scan resumes where the
// previous write stopped, so a terminator split across writes is still found.
type ResponseFrame struct {
	header   bytes.Buffer
	body     bytes.Buffer
	inBody   bool
	boundary int

	maxHeaderBytes int
}

// NewResponseFrame returns an empty frame. maxHeaderBytes <= 0 disables the
// header size limit.
func NewResponseFrame(maxHeaderBytes int) *ResponseFrame {
	return &ResponseFrame{maxHeaderBytes: maxHeaderBytes}
}

func (f *ResponseFrame) Write(p []byte) (int, error) {
	if f.inBody {
		return f.body.Write(p)
	}

	prevLen := f.header.Len()
	scanFrom := max(0, prevLen-(len(headerTerminator)-1))
	f.header.Write(p)

	i := bytes.Index(f.header.Bytes()[scanFrom:], headerTerminator)
	if i < 0 {
		if f.maxHeaderBytes > 0 && f.header.Len() > f.maxHeaderBytes {
			return 0, fmt.Errorf("%w: header exceeds %d bytes", ErrProtocol, f.maxHeaderBytes)
		}
		return len(p), nil
	}

	end := scanFrom + i
	bodyStart := end + len(headerTerminator)
	f.boundary = bodyStart - prevLen
	f.body.Write(f.header.Bytes()[bodyStart:])
	f.header.Truncate(end)
	f.inBody = true
	return len(p), nil
}

// Complete reports whether the header/body boundary has been seen
func (f *ResponseFrame) Complete() bool {
	return f.inBody
}

// Boundary is the offset, within the write that completed the terminator,
// at which the body starts
func (f *ResponseFrame) Boundary() int {
	return f.boundary
}

// Header returns the header text without the terminating blank line
func (f *ResponseFrame) Header() string {
	return f.header.String()
}

// Body returns the bytes received after the boundary
func (f *ResponseFrame) Body() []byte {
	return f.body.Bytes()
}

// ReadResponse reads r until EOF into a frame. The peer closing the stream
// is the only end-of-body signal honoured.
func ReadResponse(r io.Reader, maxHeaderBytes int) (*ResponseFrame, error) {
	frame := NewResponseFrame(maxHeaderBytes)
	buf := make([]byte, readBufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := frame.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrConnection, err)
		}
	}

	if !frame.Complete() {
		return nil, fmt.Errorf("%w: end of stream before header/body boundary", ErrProtocol)
	}
	return frame, nil
}

// Header is a tokenized response header
type Header struct {
	Proto      string
	StatusCode int
	Status     string
	Fields     textproto.MIMEHeader
}

// ParseHeader tokenizes the status line and the header fields of text
func ParseHeader(text string) (*Header, error) {
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty response header", ErrProtocol)
	}

	proto, rest, _ := strings.Cut(lines[0], " ")
	if !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: malformed status line %q", ErrProtocol, lines[0])
	}
	codeText, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || len(codeText) != 3 {
		return nil, fmt.Errorf("%w: malformed status code in %q", ErrProtocol, lines[0])
	}

	return &Header{
		Proto:      proto,
		StatusCode: code,
		Status:     strings.TrimSpace(rest),
		Fields:     parseFields(lines[1:]),
	}, nil
}

// Get returns the first value of the named field, matched case-insensitively
func (h *Header) Get(name string) string {
	return h.Fields.Get(name)
}

// ExtractLastModified returns the Last-Modified value from header text, read
// up to the end of its line
func ExtractLastModified(headerText string) (string, error) {
	value := parseFields(splitLines(headerText)).Get("Last-Modified")
	if value == "" {
		return "", fmt.Errorf("%w: no Last-Modified header", ErrProtocol)
	}
	return value, nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// parseFields skips lines without a colon, which covers the status line
func parseFields(lines []string) textproto.MIMEHeader {
	fields := make(textproto.MIMEHeader)
	for _, line := range lines {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		fields.Add(textproto.CanonicalMIMEHeaderKey(name), strings.TrimSpace(value))
	}
	return fields
}
