package overlay

import "errors"

var (
	ErrInvalidKey             = errors.New("invalid key expression")
	ErrSessionClosed          = errors.New("session is closed")
	ErrRouterClosed           = errors.New("router is closed")
	ErrDuplicateSession       = errors.New("session id already attached")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrUnsupportedCompression = errors.New("unsupported compression")
)
