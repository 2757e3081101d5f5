package dlmsal

import (
	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
)

// Confirmation is one of OpenConfirmation, GetConfirmation, SetConfirmation,
// ActionConfirmation, ReleaseConfirmation or AbortIndication.
type Confirmation interface {
	confirmation()
}

// Handler receives every confirmation of a client on the goroutine driving its socket. It must
// not block. The result is advisory, false is only logged.
type Handler func(c Confirmation) bool

type OpenConfirmation struct {
	ServerAddress uint16
	SystemTitle   []byte
	Negotiated    apdu.InitiateResponse
}

// GetResult holds either the value read or the reason it could not be read.
type GetResult struct {
	Success   bool
	Data      apdu.Data
	Error     apdu.AccessResult
	Exception *apdu.ExceptionResponse // set when the server answered with an exception
}

type GetConfirmation struct {
	Token  RequestToken
	Result GetResult
}

type SetConfirmation struct {
	Token     RequestToken
	Success   bool
	Code      *apdu.AccessResult
	Exception *apdu.ExceptionResponse
}

type ActionConfirmation struct {
	Token      RequestToken
	Success    bool
	Code       *apdu.ActionResult
	ReturnData *apdu.Data
	Exception  *apdu.ExceptionResponse
}

// ReleaseConfirmation reports a completed release, ServerAddress is valid with HasAddress.
type ReleaseConfirmation struct {
	ServerAddress uint16
	HasAddress    bool
}

// AbortIndication ends the association, no confirmation follows for requests still pending.
type AbortIndication struct {
	ServerAddress uint16
	Associated    bool
	Reason        error
}

func (OpenConfirmation) confirmation()    {}
func (GetConfirmation) confirmation()     {}
func (SetConfirmation) confirmation()     {}
func (ActionConfirmation) confirmation()  {}
func (ReleaseConfirmation) confirmation() {}
func (AbortIndication) confirmation()     {}

// Handlers routes confirmations to optional per kind functions, a missing function counts
// as handled.
type Handlers struct {
	Open    func(OpenConfirmation) bool
	Get     func(GetConfirmation) bool
	Set     func(SetConfirmation) bool
	Action  func(ActionConfirmation) bool
	Release func(ReleaseConfirmation) bool
	Abort   func(AbortIndication) bool
}

func (h *Handlers) Handle(c Confirmation) bool {
	switch v := c.(type) {
	case OpenConfirmation:
		if h.Open != nil {
			return h.Open(v)
		}
	case GetConfirmation:
		if h.Get != nil {
			return h.Get(v)
		}
	case SetConfirmation:
		if h.Set != nil {
			return h.Set(v)
		}
	case ActionConfirmation:
		if h.Action != nil {
			return h.Action(v)
		}
	case ReleaseConfirmation:
		if h.Release != nil {
			return h.Release(v)
		}
	case AbortIndication:
		if h.Abort != nil {
			return h.Abort(v)
		}
	default:
		return false
	}
	return true
}
