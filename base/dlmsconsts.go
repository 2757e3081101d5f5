package base

import "fmt"

const DlmsVersion = 0x06

type Authentication byte

const (
	AuthenticationNone Authentication = 0 // No authentication is used.
	AuthenticationLow  Authentication = 1 // Low authentication is used.
)

type AssociationResult byte

const (
	AssociationResultAccepted          AssociationResult = 0
	AssociationResultPermanentRejected AssociationResult = 1
	AssociationResultTransientRejected AssociationResult = 2
)

type SourceDiagnostic byte

const (
	SourceDiagnosticNone                                       SourceDiagnostic = 0
	SourceDiagnosticNoReasonGiven                              SourceDiagnostic = 1
	SourceDiagnosticApplicationContextNameNotSupported         SourceDiagnostic = 2
	SourceDiagnosticCallingAPTitleNotRecognized                SourceDiagnostic = 3
	SourceDiagnosticCallingAPInvocationIdentifierNotRecognized SourceDiagnostic = 4
	SourceDiagnosticCallingAEQualifierNotRecognized            SourceDiagnostic = 5
	SourceDiagnosticCallingAEInvocationIdentifierNotRecognized SourceDiagnostic = 6
	SourceDiagnosticCalledAPTitleNotRecognized                 SourceDiagnostic = 7
	SourceDiagnosticCalledAPInvocationIdentifierNotRecognized  SourceDiagnostic = 8
	SourceDiagnosticCalledAEQualifierNotRecognized             SourceDiagnostic = 9
	SourceDiagnosticCalledAEInvocationIdentifierNotRecognized  SourceDiagnostic = 10
	SourceDiagnosticAuthenticationMechanismNameNotRecognized   SourceDiagnostic = 11
	SourceDiagnosticAuthenticationMechanismNameRequired        SourceDiagnostic = 12
	SourceDiagnosticAuthenticationFailure                      SourceDiagnostic = 13
	SourceDiagnosticAuthenticationRequired                     SourceDiagnostic = 14
)

type ApplicationContext byte

// Application context definitions
const (
	ApplicationContextLNNoCiphering ApplicationContext = 1
	ApplicationContextSNNoCiphering ApplicationContext = 2
	ApplicationContextLNCiphering   ApplicationContext = 3
)

// AARQ/AARE field tags
const (
	PduTypeApplicationContextName     = 1
	PduTypeCalledAPTitle              = 2
	PduTypeCalledAEQualifier          = 3
	PduTypeCalledAPInvocationID       = 4
	PduTypeCallingAPTitle             = 6
	PduTypeSenderAcseRequirements     = 10
	PduTypeMechanismName              = 11
	PduTypeCallingAuthenticationValue = 12
	PduTypeUserInformation            = 30
)

const (
	BERTypeContext     = 0x80
	BERTypeConstructed = 0x20
)

// Conformance block bits requested by the access point
const (
	ConformanceBlockBlockTransferWithGetOrRead = 0b000000000001000000000000
	ConformanceBlockGet                        = 0b000000000000000000010000
	ConformanceBlockSet                        = 0b000000000000000000001000
	ConformanceBlockSelectiveAccess            = 0b000000000000000000000100
	ConformanceBlockAction                     = 0b000000000000000000000001

	ConformanceBlockDefault = ConformanceBlockGet | ConformanceBlockSet | ConformanceBlockAction | ConformanceBlockSelectiveAccess | ConformanceBlockBlockTransferWithGetOrRead
)

type CosemTag byte

const (
	TagInitiateRequest       CosemTag = 1
	TagInitiateResponse      CosemTag = 8
	TagConfirmedServiceError CosemTag = 14
	TagDataNotification      CosemTag = 15
	TagAARQ                  CosemTag = 96
	TagAARE                  CosemTag = 97
	TagRLRQ                  CosemTag = 98
	TagRLRE                  CosemTag = 99
	TagABRT                  CosemTag = 100
	// --- APDUs used for data communication services
	TagGetRequest               CosemTag = 192
	TagSetRequest               CosemTag = 193
	TagEventNotificationRequest CosemTag = 194
	TagActionRequest            CosemTag = 195
	TagGetResponse              CosemTag = 196
	TagSetResponse              CosemTag = 197
	TagActionResponse           CosemTag = 199
	TagExceptionResponse        CosemTag = 216
)

type ReleaseRequestReason byte

const ReleaseRequestReasonNormal ReleaseRequestReason = 0

type ReleaseResponseReason byte

const ReleaseResponseReasonNormal ReleaseResponseReason = 0

func (t CosemTag) String() string {
	switch t {
	case TagAARQ:
		return "aarq"
	case TagAARE:
		return "aare"
	case TagRLRQ:
		return "rlrq"
	case TagRLRE:
		return "rlre"
	case TagABRT:
		return "abort"
	case TagGetRequest:
		return "get-request"
	case TagSetRequest:
		return "set-request"
	case TagActionRequest:
		return "action-request"
	case TagGetResponse:
		return "get-response"
	case TagSetResponse:
		return "set-response"
	case TagActionResponse:
		return "action-response"
	case TagEventNotificationRequest:
		return "event-notification"
	case TagDataNotification:
		return "data-notification"
	case TagExceptionResponse:
		return "exception-response"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

func (r AssociationResult) String() string {
	switch r {
	case AssociationResultAccepted:
		return "accepted"
	case AssociationResultPermanentRejected:
		return "rejected-permanent"
	case AssociationResultTransientRejected:
		return "rejected-transient"
	default:
		return fmt.Sprintf("result(%d)", byte(r))
	}
}

func (d SourceDiagnostic) String() string {
	switch d {
	case SourceDiagnosticNone:
		return "null"
	case SourceDiagnosticNoReasonGiven:
		return "no-reason-given"
	case SourceDiagnosticApplicationContextNameNotSupported:
		return "application-context-name-not-supported"
	case SourceDiagnosticCallingAPTitleNotRecognized:
		return "calling-AP-title-not-recognized"
	case SourceDiagnosticCallingAPInvocationIdentifierNotRecognized:
		return "calling-AP-invocation-identifier-not-recognized"
	case SourceDiagnosticCallingAEQualifierNotRecognized:
		return "calling-AE-qualifier-not-recognized"
	case SourceDiagnosticCallingAEInvocationIdentifierNotRecognized:
		return "calling-AE-invocation-identifier-not-recognized"
	case SourceDiagnosticCalledAPTitleNotRecognized:
		return "called-AP-title-not-recognized"
	case SourceDiagnosticCalledAPInvocationIdentifierNotRecognized:
		return "called-AP-invocation-identifier-not-recognized"
	case SourceDiagnosticCalledAEQualifierNotRecognized:
		return "called-AE-qualifier-not-recognized"
	case SourceDiagnosticCalledAEInvocationIdentifierNotRecognized:
		return "called-AE-invocation-identifier-not-recognized"
	case SourceDiagnosticAuthenticationMechanismNameNotRecognized:
		return "authentication-mechanism-name-not-recognised"
	case SourceDiagnosticAuthenticationMechanismNameRequired:
		return "authentication-mechanism-name-required"
	case SourceDiagnosticAuthenticationFailure:
		return "authentication-failure"
	case SourceDiagnosticAuthenticationRequired:
		return "authentication-required"
	default:
		return fmt.Sprintf("diagnostic(%d)", byte(d))
	}
}
