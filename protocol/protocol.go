// Package protocol defines the binary wire format of the encrypted
// file-transfer protocol: fixed-layout little-endian headers, the request
// and response code enumerations, and the codecs for every message body.
//
// Encoding and decoding are pure and perform no I/O. A decode failure is
// always reported as an error wrapping ErrMalformedFrame and leaves the
// target message zeroed, so callers can distinguish "parsed" from "not
// parsed" without inspecting individual fields.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// ServerVersion is the protocol version stamped on every response.
	ServerVersion = 3

	// ClientIDSize is the size of the opaque client identity token.
	ClientIDSize = 16
	// NameSize is the fixed width of the NUL-padded client name field.
	NameSize = 255
	// FileNameSize is the fixed width of the NUL-padded file name field.
	FileNameSize = 255
	// PublicKeySize is the fixed width of the asymmetric public key field.
	PublicKeySize = 160
	// SealedKeySize is the size of an RSA-sealed symmetric key blob.
	SealedKeySize = 128
	// ContentSizeSize is the width of the content-length field.
	ContentSizeSize = 4
	// ChecksumSize is the width of the CRC-32 checksum field.
	ChecksumSize = 4

	// RequestHeaderSize is the total request header size including the
	// client identity prefix.
	RequestHeaderSize = ClientIDSize + 1 + 2 + 4
	// ResponseHeaderSize is the response header size (no identity prefix).
	ResponseHeaderSize = 1 + 2 + 4
)

// Request codes. Registration ignores the client-identity header slot.
const (
	RequestRegistration         uint16 = 1100
	RequestSendPublicKey        uint16 = 1101
	RequestSendFile             uint16 = 1103
	RequestCRCValid             uint16 = 1104
	RequestCRCInvalid           uint16 = 1105
	RequestCRCInvalidFourthTime uint16 = 1106
)

// Response codes.
const (
	ResponseRegistrationSuccess uint16 = 2100
	ResponseRegistrationFailed  uint16 = 2101
	ResponseEncryptedKey        uint16 = 2102
	ResponseFileReceivedWithCRC uint16 = 2103
	ResponseMessageReceived     uint16 = 2104
	ResponseGenericError        uint16 = 9999
)

// ErrMalformedFrame indicates a header or payload failed to decode.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// RequestHeader is the fixed 23-byte prefix of every request.
type RequestHeader struct {
	ClientID    [ClientIDSize]byte
	Version     uint8
	Code        uint16
	PayloadSize uint32
}

// DecodeRequestHeader parses the request header from the start of data.
// On failure the returned header is zeroed.
func DecodeRequestHeader(data []byte) (RequestHeader, error) {
	if len(data) < RequestHeaderSize {
		return RequestHeader{}, fmt.Errorf("%w: request header needs %d bytes, have %d",
			ErrMalformedFrame, RequestHeaderSize, len(data))
	}

	var header RequestHeader
	copy(header.ClientID[:], data[:ClientIDSize])
	header.Version = data[ClientIDSize]
	header.Code = binary.LittleEndian.Uint16(data[ClientIDSize+1:])
	header.PayloadSize = binary.LittleEndian.Uint32(data[ClientIDSize+3:])
	return header, nil
}

// ResponseHeader is the fixed 7-byte prefix of every response.
type ResponseHeader struct {
	Version     uint8
	Code        uint16
	PayloadSize uint32
}

// Encode serializes the response header.
func (h ResponseHeader) Encode() []byte {
	buf := make([]byte, ResponseHeaderSize)
	buf[0] = h.Version
	binary.LittleEndian.PutUint16(buf[1:], h.Code)
	binary.LittleEndian.PutUint32(buf[3:], h.PayloadSize)
	return buf
}

// DecodeResponseHeader parses a response header from the start of data.
// On failure the returned header is zeroed.
func DecodeResponseHeader(data []byte) (ResponseHeader, error) {
	if len(data) < ResponseHeaderSize {
		return ResponseHeader{}, fmt.Errorf("%w: response header needs %d bytes, have %d",
			ErrMalformedFrame, ResponseHeaderSize, len(data))
	}

	return ResponseHeader{
		Version:     data[0],
		Code:        binary.LittleEndian.Uint16(data[1:]),
		PayloadSize: binary.LittleEndian.Uint32(data[3:]),
	}, nil
}

// HeaderOnly encodes a response that carries no payload, such as a
// registration failure or the generic error.
func HeaderOnly(code uint16) []byte {
	return ResponseHeader{Version: ServerVersion, Code: code}.Encode()
}

// decodeFixedString reads a NUL-padded text field of the given width,
// truncating at the first NUL and requiring valid UTF-8.
func decodeFixedString(data []byte, width int) (string, error) {
	if len(data) < width {
		return "", fmt.Errorf("%w: text field needs %d bytes, have %d",
			ErrMalformedFrame, width, len(data))
	}

	field := data[:width]
	for i, b := range field {
		if b == 0 {
			field = field[:i]
			break
		}
	}
	if !utf8.Valid(field) {
		return "", fmt.Errorf("%w: text field is not valid UTF-8", ErrMalformedFrame)
	}
	return string(field), nil
}

// encodeFixedString writes s into a NUL-padded field of the given width.
// Over-long values are truncated to width bytes.
func encodeFixedString(s string, width int) []byte {
	field := make([]byte, width)
	copy(field, s)
	return field
}
