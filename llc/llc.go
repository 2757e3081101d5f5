// Package llc adds and strips the IEC 62056-46 LLC header carried in HDLC I-frames.
package llc

import (
	"bytes"
	"fmt"
)

var (
	sendHeader    = []byte{0xe6, 0xe6, 0x00}
	receiveHeader = []byte{0xe6, 0xe7, 0x00}
)

// HeaderSize is the length of both LLC headers.
const HeaderSize = 3

// Append appends the command header and the apdu to dst.
func Append(dst []byte, apdu []byte) []byte {
	dst = append(dst, sendHeader...)
	return append(dst, apdu...)
}

// Strip checks the response header and returns the apdu behind it.
func Strip(src []byte) ([]byte, error) {
	if len(src) < HeaderSize {
		return nil, fmt.Errorf("too short LLC frame: %d bytes", len(src))
	}
	if !bytes.Equal(src[:HeaderSize], receiveHeader) {
		return nil, fmt.Errorf("invalid LLC received header % X", src[:HeaderSize])
	}
	return src[HeaderSize:], nil
}

// StripCommand is Strip for the command direction, used by server side simulators.
func StripCommand(src []byte) ([]byte, error) {
	if len(src) < HeaderSize || !bytes.Equal(src[:HeaderSize], sendHeader) {
		return nil, fmt.Errorf("invalid LLC command header")
	}
	return src[HeaderSize:], nil
}

// AppendResponse appends the response header and the apdu to dst.
func AppendResponse(dst []byte, apdu []byte) []byte {
	dst = append(dst, receiveHeader...)
	return append(dst, apdu...)
}
