package dlmsal

import "errors"

var (
	ErrTransportNotReady = errors.New("transport not connected")
	ErrInvalidState      = errors.New("invalid association state")
	ErrNotOpen           = errors.New("association not open")
	ErrTooManyPending    = errors.New("all invoke ids are in use")
	ErrPduTooBig         = errors.New("apdu exceeds negotiated size")
	ErrClosed            = errors.New("client closed")
)

// connection establishment, never returned for protocol failures
var (
	ErrConnectTimeout = errors.New("transport not connected in time")
	ErrConnectFailed  = errors.New("transport connect failed")
)

// abort reasons
var (
	ErrAborted        = errors.New("association aborted by server")
	ErrLinkLost       = errors.New("link layer disconnected")
	ErrBadAssociation = errors.New("association response invalid")
)
