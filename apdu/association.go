package apdu

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"k8s.io/utils/ptr"
)

// InitiateRequest is the xDLMS part of AARQ and of the optional RLRQ user information.
type InitiateRequest struct {
	Conformance    uint32
	MaxPduRecvSize uint16
}

// AARQ holds what the client proposes, the authentication value is opaque here.
type AARQ struct {
	ApplicationContext  base.ApplicationContext
	Authentication      base.Authentication
	AuthenticationValue []byte
	SystemTitle         []byte
	Initiate            InitiateRequest
}

type InitiateResponse struct {
	NegotiatedQualityOfService byte
	NegotiatedConformance      uint32
	ServerMaxReceivePduSize    uint16
	VAAddress                  int16
}

type ConfirmedServiceError struct {
	Service      byte
	ServiceError byte
	Value        byte
}

func (e ConfirmedServiceError) Error() string {
	return fmt.Sprintf("confirmed service error %d/%d/%d", e.Service, e.ServiceError, e.Value)
}

type AARE struct {
	ApplicationContext base.ApplicationContext
	Result             base.AssociationResult
	SourceDiagnostic   base.SourceDiagnostic
	SystemTitle        []byte
	Initiate           *InitiateResponse
	ServiceError       *ConfirmedServiceError
}

const (
	tagAppContextName = base.BERTypeContext | base.BERTypeConstructed | base.PduTypeApplicationContextName // 0xa1
	tagResult         = base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCalledAPTitle          // 0xa2
	tagSourceDiag     = base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCalledAEQualifier     // 0xa3
	tagRespAPTitle    = base.BERTypeContext | base.BERTypeConstructed | base.PduTypeCalledAPInvocationID  // 0xa4
	tagUserInfo       = base.BERTypeContext | base.BERTypeConstructed | base.PduTypeUserInformation       // 0xbe
	tagReleaseReason  = base.BERTypeContext                                                               // 0x80
)

var appContextPrefix = []byte{0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01}

func EncodeAARQ(r *AARQ) []byte {
	var content bytes.Buffer

	content.WriteByte(tagAppContextName)
	content.WriteByte(0x09)
	content.Write(appContextPrefix)
	content.WriteByte(byte(r.ApplicationContext))

	if len(r.SystemTitle) > 0 {
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeCallingAPTitle, 0x04, r.SystemTitle)
	}
	if r.Authentication != base.AuthenticationNone {
		encodetag(&content, base.BERTypeContext|base.PduTypeSenderAcseRequirements, []byte{0x07, 0x80})
		content.WriteByte(base.BERTypeContext | base.PduTypeMechanismName)
		content.Write([]byte{0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x02})
		content.WriteByte(byte(r.Authentication))
		encodetag2(&content, base.BERTypeContext|base.BERTypeConstructed|base.PduTypeCallingAuthenticationValue, 0x80, r.AuthenticationValue)
	}
	encodetag2(&content, tagUserInfo, 0x04, encodeInitiateRequest(&r.Initiate))

	var out bytes.Buffer
	encodetag(&out, byte(base.TagAARQ), content.Bytes())
	return out.Bytes()
}

func encodeInitiateRequest(s *InitiateRequest) []byte {
	xdlms := make([]byte, 14)
	xdlms[0] = byte(base.TagInitiateRequest)
	xdlms[1] = 0x00 // no dedicated key
	xdlms[2] = 0x00 // response allowed, default
	xdlms[3] = 0x00 // no proposed quality of service
	xdlms[4] = base.DlmsVersion
	xdlms[5] = 0x5f
	xdlms[6] = 0x1f
	xdlms[7] = 0x04
	binary.BigEndian.PutUint32(xdlms[8:], s.Conformance&0xffffff)
	binary.BigEndian.PutUint16(xdlms[12:], s.MaxPduRecvSize)
	return xdlms
}

func DecodeAARE(src []byte) (*AARE, error) {
	tag, _, data, err := decodetag(src)
	if err != nil {
		return nil, fmt.Errorf("unable to parse aare: %w", err)
	}
	if tag != byte(base.TagAARE) {
		return nil, fmt.Errorf("unexpected tag: 0x%02x", tag)
	}

	var out AARE
	var uidata []byte
	seenResult := false
	for len(data) > 0 {
		t, l, v, err := decodetag(data)
		if err != nil {
			return nil, fmt.Errorf("unable to parse aare: %w", err)
		}
		data = data[l:]
		switch t {
		case tagAppContextName:
			if len(v) != 9 || !bytes.Equal(v[:8], appContextPrefix) {
				return nil, fmt.Errorf("invalid A1 tag content")
			}
			out.ApplicationContext = base.ApplicationContext(v[8])
		case tagResult:
			if len(v) != 3 || v[0] != 0x02 || v[1] != 0x01 {
				return nil, fmt.Errorf("invalid A2 tag content")
			}
			out.Result = base.AssociationResult(v[2])
			seenResult = true
		case tagSourceDiag:
			if len(v) != 5 || !bytes.Equal(v[1:4], []byte{0x03, 0x02, 0x01}) {
				return nil, fmt.Errorf("invalid A3 tag content")
			}
			out.SourceDiagnostic = base.SourceDiagnostic(v[4])
		case tagRespAPTitle:
			it, _, title, err := decodetag(v)
			if err != nil {
				return nil, err
			}
			if it != 0x04 {
				return nil, fmt.Errorf("invalid A4 tag content")
			}
			out.SystemTitle = bytes.Clone(title)
		case tagUserInfo:
			uidata = v
		default: // acse requirements, mechanism name, responder authentication value
		}
	}
	if !seenResult {
		return nil, fmt.Errorf("no association result in aare")
	}
	if uidata != nil {
		it, _, inner, err := decodetag(uidata)
		if err != nil {
			return nil, err
		}
		if it != 0x04 || len(inner) == 0 {
			return nil, fmt.Errorf("invalid BE tag content")
		}
		out.Initiate, out.ServiceError, err = decodeUserInformation(inner)
		if err != nil {
			return nil, fmt.Errorf("unable to parse user information: %w", err)
		}
	}
	return &out, nil
}

func decodeUserInformation(d []byte) (*InitiateResponse, *ConfirmedServiceError, error) {
	switch base.CosemTag(d[0]) {
	case base.TagInitiateResponse:
		ir, err := decodeInitiateResponse(d[1:])
		if err != nil {
			return nil, nil, err
		}
		return &ir, nil, nil
	case base.TagConfirmedServiceError:
		if len(d) < 4 {
			return nil, nil, fmt.Errorf("invalid service error length")
		}
		return nil, &ConfirmedServiceError{Service: d[1], ServiceError: d[2], Value: d[3]}, nil
	}
	return nil, nil, fmt.Errorf("unexpected user information tag %02x", d[0])
}

func decodeInitiateResponse(src []byte) (out InitiateResponse, err error) {
	if len(src) < 1 {
		return out, fmt.Errorf("invalid initial response length")
	}
	if src[0] != 0 {
		if len(src) < 2 {
			return out, fmt.Errorf("invalid initial response length")
		}
		out.NegotiatedQualityOfService = src[1]
		src = src[2:]
	} else {
		src = src[1:]
	}
	if len(src) < 12 {
		return out, fmt.Errorf("invalid initial response length")
	}
	if src[0] != base.DlmsVersion {
		return out, fmt.Errorf("wrong dlms version %d", src[0])
	}
	if !bytes.Equal(src[1:5], []byte{0x5f, 0x1f, 0x04, 0x00}) {
		return out, fmt.Errorf("invalid initial response content")
	}
	out.NegotiatedConformance = binary.BigEndian.Uint32(src[4:8])
	out.ServerMaxReceivePduSize = binary.BigEndian.Uint16(src[8:10])
	out.VAAddress = int16(binary.BigEndian.Uint16(src[10:12]))
	return out, nil
}

// Accepted checks the response against the proposed context, nil means the association is open.
func (a *AARE) Accepted(proposed base.ApplicationContext) error {
	if a.Result != base.AssociationResultAccepted {
		return fmt.Errorf("association rejected: %v, diagnostic %v", a.Result, a.SourceDiagnostic)
	}
	switch a.SourceDiagnostic {
	case base.SourceDiagnosticNone, base.SourceDiagnosticAuthenticationRequired:
	default:
		return fmt.Errorf("invalid source diagnostic: %v", a.SourceDiagnostic)
	}
	if a.ServiceError != nil {
		return *a.ServiceError
	}
	if a.ApplicationContext != proposed {
		return fmt.Errorf("application contextes differ: %v != %v", a.ApplicationContext, proposed)
	}
	if a.Initiate == nil {
		return fmt.Errorf("no initiate response")
	}
	return nil
}

// EncodeRLRQ encodes a release request with reason normal, the initiate request is optional.
func EncodeRLRQ(init *InitiateRequest) []byte {
	var content bytes.Buffer
	content.Write([]byte{tagReleaseReason, 0x01, byte(base.ReleaseRequestReasonNormal)})
	if init != nil {
		encodetag2(&content, tagUserInfo, 0x04, encodeInitiateRequest(init))
	}
	var out bytes.Buffer
	encodetag(&out, byte(base.TagRLRQ), content.Bytes())
	return out.Bytes()
}

type RLRE struct {
	Reason   *base.ReleaseResponseReason
	Initiate *InitiateResponse
}

func DecodeRLRE(src []byte) (*RLRE, error) {
	tag, _, data, err := decodetag(src)
	if err != nil {
		return nil, fmt.Errorf("unable to parse rlre: %w", err)
	}
	if tag != byte(base.TagRLRE) {
		return nil, fmt.Errorf("unexpected tag: 0x%02x", tag)
	}
	var out RLRE
	for len(data) > 0 {
		t, l, v, err := decodetag(data)
		if err != nil {
			return nil, fmt.Errorf("unable to parse rlre: %w", err)
		}
		data = data[l:]
		switch t {
		case tagReleaseReason:
			if len(v) != 1 {
				return nil, fmt.Errorf("invalid release reason")
			}
			out.Reason = ptr.To(base.ReleaseResponseReason(v[0]))
		case tagUserInfo:
			it, _, inner, err := decodetag(v)
			if err != nil {
				return nil, err
			}
			if it == 0x04 && len(inner) > 0 && inner[0] == byte(base.TagInitiateResponse) {
				ir, err := decodeInitiateResponse(inner[1:])
				if err != nil {
					return nil, err
				}
				out.Initiate = &ir
			}
		}
	}
	return &out, nil
}

// ABRT is an A-ABORT, the source is absent when the server omits it.
type ABRT struct {
	Source *byte
}

func EncodeABRT(source byte) []byte {
	return []byte{byte(base.TagABRT), 0x03, base.BERTypeContext, 0x01, source}
}

func DecodeABRT(src []byte) (*ABRT, error) {
	tag, _, data, err := decodetag(src)
	if err != nil {
		return nil, fmt.Errorf("unable to parse abort: %w", err)
	}
	if tag != byte(base.TagABRT) {
		return nil, fmt.Errorf("unexpected tag: 0x%02x", tag)
	}
	var out ABRT
	for len(data) > 0 {
		t, l, v, err := decodetag(data)
		if err != nil {
			return nil, fmt.Errorf("unable to parse abort: %w", err)
		}
		data = data[l:]
		if t == base.BERTypeContext && len(v) == 1 {
			out.Source = ptr.To(v[0])
		}
	}
	return &out, nil
}
