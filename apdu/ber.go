// Package apdu encodes and decodes the DLMS/COSEM application layer PDUs used by the client
// engine: association control (AARQ/AARE, RLRQ/RLRE, ABRT), the LN get/set/action services,
// exception responses and the COSEM data type.
package apdu

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
)

var (
	ErrTruncated = errors.New("truncated apdu")
	ErrEmpty     = errors.New("empty apdu")
)

func codedlength(l uint) int {
	switch {
	case l < 128:
		return 1
	case l < 256:
		return 2
	case l < 65536:
		return 3
	case l < 16777216:
		return 4
	}
	return 5
}

func encodelength(dst *bytes.Buffer, l uint) {
	switch codedlength(l) {
	case 1:
		dst.WriteByte(byte(l))
	case 2:
		dst.WriteByte(0x81)
		dst.WriteByte(byte(l))
	case 3:
		dst.WriteByte(0x82)
		dst.WriteByte(byte(l >> 8))
		dst.WriteByte(byte(l))
	case 4:
		dst.WriteByte(0x83)
		dst.WriteByte(byte(l >> 16))
		dst.WriteByte(byte(l >> 8))
		dst.WriteByte(byte(l))
	default:
		dst.WriteByte(0x84)
		dst.WriteByte(byte(l >> 24))
		dst.WriteByte(byte(l >> 16))
		dst.WriteByte(byte(l >> 8))
		dst.WriteByte(byte(l))
	}
}

func encodetag(dst *bytes.Buffer, tag byte, data []byte) {
	dst.WriteByte(tag)
	encodelength(dst, uint(len(data)))
	dst.Write(data)
}

// encodetag2 writes tag { innertag data }, the usual shape of ACSE context fields.
func encodetag2(dst *bytes.Buffer, tag byte, innertag byte, data []byte) {
	dst.WriteByte(tag)
	encodelength(dst, uint(len(data)+1+codedlength(uint(len(data)))))
	dst.WriteByte(innertag)
	encodelength(dst, uint(len(data)))
	dst.Write(data)
}

// decodelength returns the length and the bytes it took.
func decodelength(src []byte) (uint, int, error) {
	if len(src) == 0 {
		return 0, 0, fmt.Errorf("%w: missing length", ErrTruncated)
	}
	b := src[0]
	if b < 128 {
		return uint(b), 1, nil
	}
	if b == 128 {
		return 0, 0, fmt.Errorf("unsupported infinite length")
	}
	c := int(b & 0x7f)
	if c > 4 {
		return 0, 0, fmt.Errorf("too much bytes for length")
	}
	if len(src) < c+1 {
		return 0, 0, fmt.Errorf("%w: length bytes", ErrTruncated)
	}
	r := uint(0)
	for i := 1; i <= c; i++ {
		r = (r << 8) | uint(src[i])
	}
	return r, c + 1, nil
}

// decodetag splits one tag-length-value, returning the tag, bytes consumed and the value.
func decodetag(src []byte) (byte, int, []byte, error) {
	if len(src) < 2 {
		return 0, 0, nil, fmt.Errorf("%w: no data available", ErrTruncated)
	}
	if src[0] == byte(base.TagExceptionResponse) {
		if len(src) < 3 {
			return 0, 0, nil, fmt.Errorf("%w: no data for exception available", ErrTruncated)
		}
		return 0, 0, nil, fmt.Errorf("exception received: %d/%d", src[1], src[2])
	}

	tag := src[0]
	dlen, c, err := decodelength(src[1:])
	if err != nil {
		return 0, 0, nil, err
	}
	if len(src) < c+1+int(dlen) {
		return 0, 0, nil, fmt.Errorf("%w: no data left in source", ErrTruncated)
	}
	return tag, c + 1 + int(dlen), src[1+c : 1+c+int(dlen)], nil
}
