package base

import "errors"

var ErrNothingToRead = errors.New("nothing to read")
var ErrNotOpened = errors.New("connection is not open")
var ErrCommunicationTimeout = errors.New("communication timeout")

// socket lifecycle
var (
	ErrAlreadyOpen        = errors.New("socket is already open")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrReadPending        = errors.New("read already pending")
	ErrCancelled          = errors.New("operation cancelled")
	ErrClosed             = errors.New("socket closed")
	ErrConnectionLost     = errors.New("connection lost")
)

// factory
var (
	ErrUnknownSocket  = errors.New("socket not created by this factory")
	ErrMediumMismatch = errors.New("medium not supported by this factory")
)

// framing
var (
	ErrIncomplete  = errors.New("incomplete frame")
	ErrFrameTooBig = errors.New("frame too big")
)
