package urlcache

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Client operation is an *Error whose
// cause wraps exactly one of these; test for them with errors.Is.
var (
	ErrInvalidURL = errors.New("invalid url")
	ErrConnection = errors.New("connection failed")
	ErrProtocol   = errors.New("protocol error")
	ErrStorage    = errors.New("storage error")
	ErrNotFound   = errors.New("url not in catalog")
)

// Error is the single error type surfaced by the client
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("error %s - %v", e.Op, e.Err)
	}
	return fmt.Sprintf("error %s %s - %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
