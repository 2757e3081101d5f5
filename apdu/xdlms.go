package apdu

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
)

type GetRequestTag byte

const (
	TagGetRequestNormal   GetRequestTag = 1
	TagGetRequestNext     GetRequestTag = 2
	TagGetRequestWithList GetRequestTag = 3
)

type GetResponseTag byte

const (
	TagGetResponseNormal        GetResponseTag = 1
	TagGetResponseWithDataBlock GetResponseTag = 2
	TagGetResponseWithList      GetResponseTag = 3
)

type SetRequestTag byte

const (
	TagSetRequestNormal SetRequestTag = 1
)

type SetResponseTag byte

const (
	TagSetResponseNormal SetResponseTag = 1
)

type ActionRequestTag byte

const (
	TagActionRequestNormal ActionRequestTag = 1
)

type ActionResponseTag byte

const (
	TagActionResponseNormal ActionResponseTag = 1
)

const (
	invokeIDMask  = 0x0f
	invokeService = 0x40 // confirmed
	invokePrio    = 0x80
)

// MaxInvokeID is the highest value the invoke id field can carry.
const MaxInvokeID = invokeIDMask

// InvokeIDAndPriority builds the byte sent in every confirmed request.
func InvokeIDAndPriority(id byte, high bool) byte {
	b := id&invokeIDMask | invokeService
	if high {
		b |= invokePrio
	}
	return b
}

// InvokeID extracts the invoke id from an invoke-id-and-priority byte.
func InvokeID(iip byte) byte {
	return iip & invokeIDMask
}

// SelectiveAccess restricts a get to part of the attribute, e.g. a profile generic range.
type SelectiveAccess struct {
	Selector   byte
	Parameters Data
}

type GetRequest struct {
	InvokeID  byte
	Priority  bool
	Attribute AttributeDescriptor
	Access    *SelectiveAccess
}

type SetRequest struct {
	InvokeID  byte
	Priority  bool
	Attribute AttributeDescriptor
	Value     Data
}

type ActionRequest struct {
	InvokeID  byte
	Priority  bool
	Method    MethodDescriptor
	Parameter *Data
}

func encodeDescriptor(dst *bytes.Buffer, classID uint16, instance string, id int8) error {
	obis, err := ParseObis(instance)
	if err != nil {
		return err
	}
	dst.WriteByte(byte(classID >> 8))
	dst.WriteByte(byte(classID))
	dst.Write(obis.Bytes())
	dst.WriteByte(byte(id))
	return nil
}

func EncodeGetRequest(r *GetRequest) ([]byte, error) {
	var out bytes.Buffer
	out.WriteByte(byte(base.TagGetRequest))
	out.WriteByte(byte(TagGetRequestNormal))
	out.WriteByte(InvokeIDAndPriority(r.InvokeID, r.Priority))
	if err := encodeDescriptor(&out, r.Attribute.ClassID, r.Attribute.Instance, r.Attribute.Attribute); err != nil {
		return nil, err
	}
	if r.Access == nil {
		out.WriteByte(0)
		return out.Bytes(), nil
	}
	out.WriteByte(1)
	out.WriteByte(r.Access.Selector)
	if err := encodeData(&out, r.Access.Parameters); err != nil {
		return nil, fmt.Errorf("unable to encode access parameters: %w", err)
	}
	return out.Bytes(), nil
}

// EncodeGetRequestNext asks for the block following the one just received.
func EncodeGetRequestNext(invokeID byte, priority bool, block uint32) []byte {
	out := make([]byte, 7)
	out[0] = byte(base.TagGetRequest)
	out[1] = byte(TagGetRequestNext)
	out[2] = InvokeIDAndPriority(invokeID, priority)
	binary.BigEndian.PutUint32(out[3:], block)
	return out
}

func EncodeSetRequest(r *SetRequest) ([]byte, error) {
	var out bytes.Buffer
	out.WriteByte(byte(base.TagSetRequest))
	out.WriteByte(byte(TagSetRequestNormal))
	out.WriteByte(InvokeIDAndPriority(r.InvokeID, r.Priority))
	if err := encodeDescriptor(&out, r.Attribute.ClassID, r.Attribute.Instance, r.Attribute.Attribute); err != nil {
		return nil, err
	}
	out.WriteByte(0) // no selective access
	if err := encodeData(&out, r.Value); err != nil {
		return nil, fmt.Errorf("unable to encode value: %w", err)
	}
	return out.Bytes(), nil
}

func EncodeActionRequest(r *ActionRequest) ([]byte, error) {
	var out bytes.Buffer
	out.WriteByte(byte(base.TagActionRequest))
	out.WriteByte(byte(TagActionRequestNormal))
	out.WriteByte(InvokeIDAndPriority(r.InvokeID, r.Priority))
	if err := encodeDescriptor(&out, r.Method.ClassID, r.Method.Instance, r.Method.Method); err != nil {
		return nil, err
	}
	if r.Parameter == nil {
		out.WriteByte(0)
		return out.Bytes(), nil
	}
	out.WriteByte(1)
	if err := encodeData(&out, *r.Parameter); err != nil {
		return nil, fmt.Errorf("unable to encode parameter: %w", err)
	}
	return out.Bytes(), nil
}

// GetResponse is one decoded get response. For a data block Raw carries the block content,
// otherwise Data is set on success and Result on failure.
type GetResponse struct {
	InvokeID    byte
	Block       bool
	Last        bool
	BlockNumber uint32
	Raw         []byte
	Data        Data
	Result      AccessResult
}

type SetResponse struct {
	InvokeID byte
	Result   AccessResult
}

// ActionResponse carries the action result and the optional return parameters.
type ActionResponse struct {
	InvokeID   byte
	Result     ActionResult
	Data       *Data
	DataResult AccessResult
}

// ExceptionResponse is sent by the server instead of a service response.
type ExceptionResponse struct {
	StateError   byte
	ServiceError byte
}

func (e ExceptionResponse) Error() string {
	return fmt.Sprintf("exception received: %d/%d", e.StateError, e.ServiceError)
}

// Peek returns the APDU tag and, for the LN service responses, the invoke id.
func Peek(src []byte) (tag base.CosemTag, invokeID byte, hasID bool, err error) {
	if len(src) == 0 {
		return 0, 0, false, ErrEmpty
	}
	tag = base.CosemTag(src[0])
	switch tag {
	case base.TagGetResponse, base.TagSetResponse, base.TagActionResponse:
		if len(src) < 3 {
			return tag, 0, false, fmt.Errorf("%w: %v header", ErrTruncated, tag)
		}
		return tag, InvokeID(src[2]), true, nil
	}
	return tag, 0, false, nil
}

func responseHeader(src []byte, tag base.CosemTag, minlen int) error {
	if len(src) < minlen {
		return fmt.Errorf("%w: %v", ErrTruncated, tag)
	}
	if base.CosemTag(src[0]) != tag {
		return fmt.Errorf("unexpected tag: 0x%02x", src[0])
	}
	return nil
}

func DecodeGetResponse(src []byte) (*GetResponse, error) {
	if err := responseHeader(src, base.TagGetResponse, 4); err != nil {
		return nil, err
	}
	out := GetResponse{InvokeID: InvokeID(src[2])}
	switch GetResponseTag(src[1]) {
	case TagGetResponseNormal:
		if src[3] != 0 {
			if len(src) < 5 {
				return nil, fmt.Errorf("%w: data access result", ErrTruncated)
			}
			out.Result = AccessResult(src[4])
			return &out, nil
		}
		d, _, err := DecodeData(src[4:])
		if err != nil {
			return nil, err
		}
		out.Data = d
		return &out, nil
	case TagGetResponseWithDataBlock:
		if len(src) < 9 {
			return nil, fmt.Errorf("%w: data block header", ErrTruncated)
		}
		out.Block = true
		out.Last = src[3] != 0
		out.BlockNumber = binary.BigEndian.Uint32(src[4:8])
		if src[8] != 0 {
			if len(src) < 10 {
				return nil, fmt.Errorf("%w: data access result", ErrTruncated)
			}
			out.Result = AccessResult(src[9])
			return &out, nil
		}
		l, c, err := decodelength(src[9:])
		if err != nil {
			return nil, err
		}
		if len(src) < 9+c+int(l) {
			return nil, fmt.Errorf("%w: raw data block", ErrTruncated)
		}
		out.Raw = bytes.Clone(src[9+c : 9+c+int(l)])
		return &out, nil
	}
	return nil, fmt.Errorf("unexpected response tag: 0x%02x", src[1])
}

func DecodeSetResponse(src []byte) (*SetResponse, error) {
	if err := responseHeader(src, base.TagSetResponse, 4); err != nil {
		return nil, err
	}
	if SetResponseTag(src[1]) != TagSetResponseNormal {
		return nil, fmt.Errorf("unexpected response tag: 0x%02x", src[1])
	}
	return &SetResponse{InvokeID: InvokeID(src[2]), Result: AccessResult(src[3])}, nil
}

func DecodeActionResponse(src []byte) (*ActionResponse, error) {
	if err := responseHeader(src, base.TagActionResponse, 4); err != nil {
		return nil, err
	}
	if ActionResponseTag(src[1]) != TagActionResponseNormal {
		return nil, fmt.Errorf("unexpected response tag: 0x%02x", src[1])
	}
	out := ActionResponse{InvokeID: InvokeID(src[2]), Result: ActionResult(src[3])}
	if len(src) == 4 || src[4] == 0 {
		return &out, nil
	}
	if len(src) < 7 {
		return nil, fmt.Errorf("%w: return parameters", ErrTruncated)
	}
	if src[5] != 0 {
		out.DataResult = AccessResult(src[6])
		return &out, nil
	}
	d, _, err := DecodeData(src[6:])
	if err != nil {
		return nil, err
	}
	out.Data = &d
	return &out, nil
}

func DecodeException(src []byte) (*ExceptionResponse, error) {
	if len(src) == 0 || base.CosemTag(src[0]) != base.TagExceptionResponse {
		return nil, fmt.Errorf("not an exception response")
	}
	// servers are known to send the tag alone, treat missing bytes as zero
	var e ExceptionResponse
	if len(src) > 1 {
		e.StateError = src[1]
	}
	if len(src) > 2 {
		e.ServiceError = src[2]
	}
	return &e, nil
}

// CaptureObject is the structure describing one captured column of a profile generic.
func CaptureObject(classID uint16, obis Obis, attribute int8, dataIndex uint16) Data {
	return NewStructure(
		Data{Tag: TagLongUnsigned, Value: classID},
		Data{Tag: TagOctetString, Value: obis},
		Data{Tag: TagInteger, Value: attribute},
		Data{Tag: TagLongUnsigned, Value: dataIndex},
	)
}

// RangeAccess selects profile entries between from and to by the clock column, all columns.
func RangeAccess(from, to DateTime) *SelectiveAccess {
	return &SelectiveAccess{
		Selector: 1,
		Parameters: NewStructure(
			CaptureObject(8, Obis{A: 0, B: 0, C: 1, D: 0, E: 0, F: 255}, 2, 0),
			Data{Tag: TagOctetString, Value: from},
			Data{Tag: TagOctetString, Value: to},
			Data{Tag: TagArray, Value: []Data{}},
		),
	}
}
