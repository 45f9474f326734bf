package protocol

import (
	"encoding/binary"
	"fmt"
)

// RegistrationRequest asks the server to mint a new client identity.
// Payload: name (255 bytes, NUL-padded).
type RegistrationRequest struct {
	Header RequestHeader
	Name   string
}

// Decode parses a registration request from a full request frame.
func (r *RegistrationRequest) Decode(data []byte) error {
	header, err := DecodeRequestHeader(data)
	if err != nil {
		*r = RegistrationRequest{}
		return err
	}

	name, err := decodeFixedString(data[RequestHeaderSize:], NameSize)
	if err != nil {
		*r = RegistrationRequest{}
		return fmt.Errorf("registration name: %w", err)
	}

	r.Header = header
	r.Name = name
	return nil
}

// Encode serializes the request for client-side use.
func (r *RegistrationRequest) Encode() []byte {
	r.Header.Code = RequestRegistration
	r.Header.PayloadSize = NameSize
	buf := encodeRequestHeader(r.Header)
	return append(buf, encodeFixedString(r.Name, NameSize)...)
}

// PublicKeyRequest submits the client's asymmetric public key and starts a
// key exchange. The client is addressed by name: at this point in the
// sequence the requester may not yet hold a server-confirmed identity
// binding. Payload: name (255) + public key (160).
type PublicKeyRequest struct {
	Header    RequestHeader
	Name      string
	PublicKey [PublicKeySize]byte
}

// Decode parses a public-key request from a full request frame.
func (r *PublicKeyRequest) Decode(data []byte) error {
	header, err := DecodeRequestHeader(data)
	if err != nil {
		*r = PublicKeyRequest{}
		return err
	}

	name, err := decodeFixedString(data[RequestHeaderSize:], NameSize)
	if err != nil {
		*r = PublicKeyRequest{}
		return fmt.Errorf("public key request name: %w", err)
	}

	keyField := data[RequestHeaderSize+NameSize:]
	if len(keyField) < PublicKeySize {
		*r = PublicKeyRequest{}
		return fmt.Errorf("%w: public key needs %d bytes, have %d",
			ErrMalformedFrame, PublicKeySize, len(keyField))
	}

	r.Header = header
	r.Name = name
	copy(r.PublicKey[:], keyField)
	return nil
}

// Encode serializes the request for client-side use.
func (r *PublicKeyRequest) Encode() []byte {
	r.Header.Code = RequestSendPublicKey
	r.Header.PayloadSize = NameSize + PublicKeySize
	buf := encodeRequestHeader(r.Header)
	buf = append(buf, encodeFixedString(r.Name, NameSize)...)
	return append(buf, r.PublicKey[:]...)
}

// FileSendRequest carries encrypted file content. Payload: client ID (16) +
// content size (4) + file name (255) + encrypted content (content size bytes).
type FileSendRequest struct {
	Header      RequestHeader
	ClientID    [ClientIDSize]byte
	ContentSize uint32
	FileName    string
	Content     []byte
}

// Decode parses a file-send request from a full request frame. The declared
// content size must fit within the frame or the frame is malformed.
func (r *FileSendRequest) Decode(data []byte) error {
	header, err := DecodeRequestHeader(data)
	if err != nil {
		*r = FileSendRequest{}
		return err
	}

	rest := data[RequestHeaderSize:]
	if len(rest) < ClientIDSize+ContentSizeSize+FileNameSize {
		*r = FileSendRequest{}
		return fmt.Errorf("%w: file send payload needs %d bytes, have %d",
			ErrMalformedFrame, ClientIDSize+ContentSizeSize+FileNameSize, len(rest))
	}

	var clientID [ClientIDSize]byte
	copy(clientID[:], rest[:ClientIDSize])
	contentSize := binary.LittleEndian.Uint32(rest[ClientIDSize:])

	fileName, err := decodeFixedString(rest[ClientIDSize+ContentSizeSize:], FileNameSize)
	if err != nil {
		*r = FileSendRequest{}
		return fmt.Errorf("file send name: %w", err)
	}

	content := rest[ClientIDSize+ContentSizeSize+FileNameSize:]
	if uint64(len(content)) < uint64(contentSize) {
		*r = FileSendRequest{}
		return fmt.Errorf("%w: content declares %d bytes, have %d",
			ErrMalformedFrame, contentSize, len(content))
	}

	r.Header = header
	r.ClientID = clientID
	r.ContentSize = contentSize
	r.FileName = fileName
	r.Content = append([]byte(nil), content[:contentSize]...)
	return nil
}

// Encode serializes the request for client-side use.
func (r *FileSendRequest) Encode() []byte {
	r.ContentSize = uint32(len(r.Content))
	r.Header.Code = RequestSendFile
	r.Header.PayloadSize = uint32(ClientIDSize + ContentSizeSize + FileNameSize + len(r.Content))
	buf := encodeRequestHeader(r.Header)
	buf = append(buf, r.ClientID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, r.ContentSize)
	buf = append(buf, encodeFixedString(r.FileName, FileNameSize)...)
	return append(buf, r.Content...)
}

// ChecksumRequest is the shared shape of the three CRC confirmation
// requests (valid, invalid-retrying, invalid-giving-up). Payload: client ID
// (16) + file name (255).
type ChecksumRequest struct {
	Header   RequestHeader
	ClientID [ClientIDSize]byte
	FileName string
}

// Decode parses a checksum confirmation request from a full request frame.
func (r *ChecksumRequest) Decode(data []byte) error {
	header, err := DecodeRequestHeader(data)
	if err != nil {
		*r = ChecksumRequest{}
		return err
	}

	rest := data[RequestHeaderSize:]
	if len(rest) < ClientIDSize {
		*r = ChecksumRequest{}
		return fmt.Errorf("%w: checksum payload needs %d bytes, have %d",
			ErrMalformedFrame, ClientIDSize, len(rest))
	}

	var clientID [ClientIDSize]byte
	copy(clientID[:], rest[:ClientIDSize])

	fileName, err := decodeFixedString(rest[ClientIDSize:], FileNameSize)
	if err != nil {
		*r = ChecksumRequest{}
		return fmt.Errorf("checksum request name: %w", err)
	}

	r.Header = header
	r.ClientID = clientID
	r.FileName = fileName
	return nil
}

// Encode serializes the request for client-side use. The caller sets
// Header.Code to one of the three CRC request codes.
func (r *ChecksumRequest) Encode() []byte {
	r.Header.PayloadSize = ClientIDSize + FileNameSize
	buf := encodeRequestHeader(r.Header)
	buf = append(buf, r.ClientID[:]...)
	return append(buf, encodeFixedString(r.FileName, FileNameSize)...)
}

// RegistrationSuccessResponse returns the freshly minted client identity.
type RegistrationSuccessResponse struct {
	ClientID [ClientIDSize]byte
}

// Encode serializes the response.
func (r *RegistrationSuccessResponse) Encode() []byte {
	header := ResponseHeader{
		Version:     ServerVersion,
		Code:        ResponseRegistrationSuccess,
		PayloadSize: ClientIDSize,
	}
	return append(header.Encode(), r.ClientID[:]...)
}

// Decode parses the response for client-side use.
func (r *RegistrationSuccessResponse) Decode(data []byte) error {
	if err := decodeResponse(data, ResponseRegistrationSuccess, ClientIDSize); err != nil {
		return err
	}
	copy(r.ClientID[:], data[ResponseHeaderSize:])
	return nil
}

// EncryptedKeyResponse returns the symmetric key sealed under the client's
// public key alongside the client identity.
type EncryptedKeyResponse struct {
	ClientID  [ClientIDSize]byte
	SealedKey [SealedKeySize]byte
}

// Encode serializes the response.
func (r *EncryptedKeyResponse) Encode() []byte {
	header := ResponseHeader{
		Version:     ServerVersion,
		Code:        ResponseEncryptedKey,
		PayloadSize: ClientIDSize + SealedKeySize,
	}
	buf := append(header.Encode(), r.ClientID[:]...)
	return append(buf, r.SealedKey[:]...)
}

// Decode parses the response for client-side use.
func (r *EncryptedKeyResponse) Decode(data []byte) error {
	if err := decodeResponse(data, ResponseEncryptedKey, ClientIDSize+SealedKeySize); err != nil {
		return err
	}
	copy(r.ClientID[:], data[ResponseHeaderSize:])
	copy(r.SealedKey[:], data[ResponseHeaderSize+ClientIDSize:])
	return nil
}

// FileReceivedResponse acknowledges a decrypted upload and reports the
// CRC-32 of the plaintext so the client can cross-check independently.
type FileReceivedResponse struct {
	ClientID    [ClientIDSize]byte
	ContentSize uint32
	FileName    string
	Checksum    uint32
}

// Encode serializes the response.
func (r *FileReceivedResponse) Encode() []byte {
	header := ResponseHeader{
		Version:     ServerVersion,
		Code:        ResponseFileReceivedWithCRC,
		PayloadSize: ClientIDSize + ContentSizeSize + FileNameSize + ChecksumSize,
	}
	buf := append(header.Encode(), r.ClientID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, r.ContentSize)
	buf = append(buf, encodeFixedString(r.FileName, FileNameSize)...)
	return binary.LittleEndian.AppendUint32(buf, r.Checksum)
}

// Decode parses the response for client-side use.
func (r *FileReceivedResponse) Decode(data []byte) error {
	if err := decodeResponse(data, ResponseFileReceivedWithCRC,
		ClientIDSize+ContentSizeSize+FileNameSize+ChecksumSize); err != nil {
		return err
	}

	payload := data[ResponseHeaderSize:]
	fileName, err := decodeFixedString(payload[ClientIDSize+ContentSizeSize:], FileNameSize)
	if err != nil {
		*r = FileReceivedResponse{}
		return fmt.Errorf("file received name: %w", err)
	}

	copy(r.ClientID[:], payload)
	r.ContentSize = binary.LittleEndian.Uint32(payload[ClientIDSize:])
	r.FileName = fileName
	r.Checksum = binary.LittleEndian.Uint32(payload[ClientIDSize+ContentSizeSize+FileNameSize:])
	return nil
}

// MessageReceivedResponse acknowledges a checksum confirmation request.
type MessageReceivedResponse struct {
	ClientID [ClientIDSize]byte
}

// Encode serializes the response.
func (r *MessageReceivedResponse) Encode() []byte {
	header := ResponseHeader{
		Version:     ServerVersion,
		Code:        ResponseMessageReceived,
		PayloadSize: ClientIDSize,
	}
	return append(header.Encode(), r.ClientID[:]...)
}

// Decode parses the response for client-side use.
func (r *MessageReceivedResponse) Decode(data []byte) error {
	if err := decodeResponse(data, ResponseMessageReceived, ClientIDSize); err != nil {
		return err
	}
	copy(r.ClientID[:], data[ResponseHeaderSize:])
	return nil
}

func encodeRequestHeader(h RequestHeader) []byte {
	buf := make([]byte, RequestHeaderSize)
	copy(buf, h.ClientID[:])
	buf[ClientIDSize] = h.Version
	binary.LittleEndian.PutUint16(buf[ClientIDSize+1:], h.Code)
	binary.LittleEndian.PutUint32(buf[ClientIDSize+3:], h.PayloadSize)
	return buf
}

func decodeResponse(data []byte, wantCode uint16, wantPayload int) error {
	header, err := DecodeResponseHeader(data)
	if err != nil {
		return err
	}
	if header.Code != wantCode {
		return fmt.Errorf("%w: expected response code %d, got %d",
			ErrMalformedFrame, wantCode, header.Code)
	}
	if len(data)-ResponseHeaderSize < wantPayload {
		return fmt.Errorf("%w: response payload needs %d bytes, have %d",
			ErrMalformedFrame, wantPayload, len(data)-ResponseHeaderSize)
	}
	return nil
}
