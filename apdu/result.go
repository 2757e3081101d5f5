package apdu

import "strconv"

// AccessResult is the Data-Access-Result of get and set.
type AccessResult byte

const (
	AccessSuccess                 AccessResult = 0
	AccessHardwareFault           AccessResult = 1
	AccessTemporaryFailure        AccessResult = 2
	AccessReadWriteDenied         AccessResult = 3
	AccessObjectUndefined         AccessResult = 4
	AccessObjectClassInconsistent AccessResult = 9
	AccessObjectUnavailable       AccessResult = 11
	AccessTypeUnmatched           AccessResult = 12
	AccessScopeAccessViolated     AccessResult = 13
	AccessDataBlockUnavailable    AccessResult = 14
	AccessLongGetAborted          AccessResult = 15
	AccessNoLongGetInProgress     AccessResult = 16
	AccessLongSetAborted          AccessResult = 17
	AccessNoLongSetInProgress     AccessResult = 18
	AccessDataBlockNumberInvalid  AccessResult = 19
	AccessOtherReason             AccessResult = 250
)

func (s AccessResult) String() string {
	switch s {
	case AccessSuccess:
		return "success"
	case AccessHardwareFault:
		return "hardware-fault"
	case AccessTemporaryFailure:
		return "temporary-failure"
	case AccessReadWriteDenied:
		return "read-write-denied"
	case AccessObjectUndefined:
		return "object-undefined"
	case AccessObjectClassInconsistent:
		return "object-class-inconsistent"
	case AccessObjectUnavailable:
		return "object-unavailable"
	case AccessTypeUnmatched:
		return "type-unmatched"
	case AccessScopeAccessViolated:
		return "scope-of-access-violated"
	case AccessDataBlockUnavailable:
		return "data-block-unavailable"
	case AccessLongGetAborted:
		return "long-get-aborted"
	case AccessNoLongGetInProgress:
		return "no-long-get-in-progress"
	case AccessLongSetAborted:
		return "long-set-aborted"
	case AccessNoLongSetInProgress:
		return "no-long-set-in-progress"
	case AccessDataBlockNumberInvalid:
		return "data-block-number-invalid"
	case AccessOtherReason:
		return "other-reason"
	default:
		return "access-result(" + strconv.Itoa(int(s)) + ")"
	}
}

// ActionResult is the result of an action request.
type ActionResult byte

const (
	ActionSuccess                 ActionResult = 0
	ActionHardwareFault           ActionResult = 1
	ActionTemporaryFailure        ActionResult = 2
	ActionReadWriteDenied         ActionResult = 3
	ActionObjectUndefined         ActionResult = 4
	ActionObjectClassInconsistent ActionResult = 9
	ActionObjectUnavailable       ActionResult = 11
	ActionTypeUnmatched           ActionResult = 12
	ActionScopeAccessViolated     ActionResult = 13
	ActionDataBlockUnavailable    ActionResult = 14
	ActionLongActionAborted       ActionResult = 15
	ActionNoLongActionInProgress  ActionResult = 16
	ActionOtherReason             ActionResult = 250
)

func (s ActionResult) String() string {
	switch s {
	case ActionSuccess:
		return "success"
	case ActionHardwareFault:
		return "hardware-fault"
	case ActionTemporaryFailure:
		return "temporary-failure"
	case ActionReadWriteDenied:
		return "read-write-denied"
	case ActionObjectUndefined:
		return "object-undefined"
	case ActionObjectClassInconsistent:
		return "object-class-inconsistent"
	case ActionObjectUnavailable:
		return "object-unavailable"
	case ActionTypeUnmatched:
		return "type-unmatched"
	case ActionScopeAccessViolated:
		return "scope-of-access-violated"
	case ActionDataBlockUnavailable:
		return "data-block-unavailable"
	case ActionLongActionAborted:
		return "long-action-aborted"
	case ActionNoLongActionInProgress:
		return "no-long-action-in-progress"
	case ActionOtherReason:
		return "other-reason"
	default:
		return "action-result(" + strconv.Itoa(int(s)) + ")"
	}
}
