package server

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"filevault/crypto"
	"filevault/protocol"
	"filevault/storage"
)

// errIllegalTransition indicates a request that is not legal from the
// client's current lifecycle state.
var errIllegalTransition = errors.New("server: request not legal in current client state")

// handleRegistration mints a new client identity. Any validation or
// storage failure answers with the registration-failed code instead of the
// generic error: the client is expected to retry with a different name.
func (s *Server) handleRegistration(_ protocol.RequestHeader, frame []byte) ([]byte, []byte, error) {
	var req protocol.RegistrationRequest
	if err := req.Decode(frame); err != nil {
		return nil, nil, fmt.Errorf("decode registration request: %w", err)
	}

	if !validClientName(req.Name) {
		log.Printf("registration: rejected name %q", req.Name)
		return protocol.HeaderOnly(protocol.ResponseRegistrationFailed), nil, nil
	}

	exists, err := s.store.ClientNameExists(req.Name)
	if err != nil {
		log.Printf("registration: name lookup for %q: %v", req.Name, err)
		return protocol.HeaderOnly(protocol.ResponseRegistrationFailed), nil, nil
	}
	if exists {
		log.Printf("registration: name %q already exists", req.Name)
		return protocol.HeaderOnly(protocol.ResponseRegistrationFailed), nil, nil
	}

	id := uuid.New()
	client := storage.Client{
		ID:       id[:],
		Name:     req.Name,
		State:    storage.StateRegistered,
		LastSeen: time.Now().UnixMilli(),
	}
	if err := s.store.StoreClient(client); err != nil {
		// Covers the duplicate-name race: the UNIQUE constraint rejects the
		// second insert and the second client sees a registration failure.
		log.Printf("registration: store client %q: %v", req.Name, err)
		return protocol.HeaderOnly(protocol.ResponseRegistrationFailed), nil, nil
	}
	log.Printf("registered client %q", req.Name)

	response := protocol.RegistrationSuccessResponse{ClientID: id}
	return response.Encode(), id[:], nil
}

// handleSendPublicKey stores the client's public key, mints a fresh
// symmetric key, and answers with the key sealed under the public key. The
// client is addressed by name. A repeated exchange mints a new symmetric
// key and overwrites the stored one.
func (s *Server) handleSendPublicKey(_ protocol.RequestHeader, frame []byte) ([]byte, []byte, error) {
	var req protocol.PublicKeyRequest
	if err := req.Decode(frame); err != nil {
		return nil, nil, fmt.Errorf("decode public key request: %w", err)
	}

	id, err := s.store.FindClientIDByName(req.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("public key: client %q: %w", req.Name, err)
	}
	state, err := s.store.GetState(id)
	if err != nil {
		return nil, id, fmt.Errorf("public key: state of %q: %w", req.Name, err)
	}
	if state == storage.StateAbandoned {
		return nil, id, fmt.Errorf("public key: client %q: %w", req.Name, errIllegalTransition)
	}

	publicKey, err := crypto.ParsePublicKey(req.PublicKey[:])
	if err != nil {
		return nil, id, fmt.Errorf("public key: parse key of %q: %w", req.Name, err)
	}

	symmetricKey, err := crypto.NewSymmetricKey()
	if err != nil {
		return nil, id, err
	}
	sealed, err := crypto.SealKey(publicKey, symmetricKey)
	if err != nil {
		return nil, id, fmt.Errorf("public key: seal key for %q: %w", req.Name, err)
	}
	if len(sealed) != protocol.SealedKeySize {
		return nil, id, fmt.Errorf("public key: sealed key is %d bytes, wire format requires %d",
			len(sealed), protocol.SealedKeySize)
	}

	// The raw key is persisted before the client confirms receipt. If this
	// response is lost the key is orphaned but harmless: the upload that
	// would use it fails on the client's side, and the next exchange
	// overwrites it.
	if err := s.store.SetPublicKey(id, req.PublicKey[:]); err != nil {
		return nil, id, fmt.Errorf("public key: store key of %q: %w", req.Name, err)
	}
	if err := s.store.SetSymmetricKey(id, symmetricKey); err != nil {
		return nil, id, fmt.Errorf("public key: store symmetric key of %q: %w", req.Name, err)
	}
	if err := s.store.SetState(id, storage.StateKeyExchanged); err != nil {
		return nil, id, err
	}
	log.Printf("key exchange completed for client %q", req.Name)

	response := protocol.EncryptedKeyResponse{}
	copy(response.ClientID[:], id)
	copy(response.SealedKey[:], sealed)
	return response.Encode(), id, nil
}

// handleSendFile decrypts uploaded content with the client's stored
// symmetric key, writes it to disk, records the file unverified, and
// answers with the plaintext CRC-32 for the client to cross-check.
func (s *Server) handleSendFile(_ protocol.RequestHeader, frame []byte) ([]byte, []byte, error) {
	var req protocol.FileSendRequest
	if err := req.Decode(frame); err != nil {
		return nil, nil, fmt.Errorf("decode file send request: %w", err)
	}
	id := req.ClientID[:]

	state, err := s.store.GetState(id)
	if err != nil {
		return nil, id, fmt.Errorf("file send: client state: %w", err)
	}
	// upload_pending re-enters here when the client retries after a
	// checksum mismatch.
	if state != storage.StateKeyExchanged && state != storage.StateUploadPending {
		return nil, id, fmt.Errorf("file send in state %q: %w", state, errIllegalTransition)
	}

	symmetricKey, err := s.store.GetSymmetricKey(id)
	if err != nil {
		return nil, id, fmt.Errorf("file send: symmetric key: %w", err)
	}
	plaintext, err := crypto.DecryptContent(symmetricKey, req.Content)
	if err != nil {
		// No partial file is ever stored.
		return nil, id, fmt.Errorf("file send %q: %w", req.FileName, err)
	}
	checksum := crypto.Checksum(plaintext)

	clientName, err := s.store.FindClientNameByID(id)
	if err != nil {
		return nil, id, fmt.Errorf("file send: client name: %w", err)
	}

	fileName := filepath.Base(req.FileName)
	if fileName == "." || fileName == string(filepath.Separator) {
		return nil, id, fmt.Errorf("file send: unusable file name %q", req.FileName)
	}
	pathName := path.Join(clientName, fileName)

	if err := s.writeFile(pathName, plaintext); err != nil {
		return nil, id, fmt.Errorf("file send %q: %w", pathName, err)
	}

	record := storage.FileRecord{
		ClientID: id,
		FileName: fileName,
		PathName: pathName,
		Verified: false,
	}
	if err := s.store.UpsertFileRecord(record); err != nil {
		return nil, id, err
	}
	if err := s.store.SetState(id, storage.StateUploadPending); err != nil {
		return nil, id, err
	}
	log.Printf("received file %q from client %q (%d bytes, crc %08x)",
		fileName, clientName, len(plaintext), checksum)

	response := protocol.FileReceivedResponse{
		ContentSize: uint32(len(plaintext)),
		FileName:    fileName,
		Checksum:    checksum,
	}
	copy(response.ClientID[:], id)
	return response.Encode(), id, nil
}

// handleCRCValid marks the client's file verified and acknowledges.
func (s *Server) handleCRCValid(_ protocol.RequestHeader, frame []byte) ([]byte, []byte, error) {
	req, id, err := s.decodeChecksumRequest(frame)
	if err != nil {
		return nil, id, err
	}

	file, err := s.store.GetFileRecord(id)
	if err != nil {
		return nil, id, fmt.Errorf("crc valid %q: %w", req.FileName, err)
	}
	if err := s.store.SetFileVerified(file.PathName, true); err != nil {
		return nil, id, err
	}
	if err := s.store.SetState(id, storage.StateVerified); err != nil {
		return nil, id, err
	}
	log.Printf("file %q verified", file.PathName)

	response := protocol.MessageReceivedResponse{}
	copy(response.ClientID[:], id)
	return response.Encode(), id, nil
}

// handleCRCInvalid is purely informational: the client announces a
// checksum mismatch and will resend the file. The server keeps no retry
// counter and acknowledges with a bare header.
func (s *Server) handleCRCInvalid(_ protocol.RequestHeader, frame []byte) ([]byte, []byte, error) {
	req, id, err := s.decodeChecksumRequest(frame)
	if err != nil {
		return nil, id, err
	}
	log.Printf("client reported checksum mismatch for %q, awaiting resend", req.FileName)

	return protocol.HeaderOnly(protocol.ResponseMessageReceived), id, nil
}

// handleCRCInvalidFourthTime is the close-out signal: the client has
// exhausted its retry budget. The file record stays unverified permanently
// and the client state becomes terminal.
func (s *Server) handleCRCInvalidFourthTime(_ protocol.RequestHeader, frame []byte) ([]byte, []byte, error) {
	req, id, err := s.decodeChecksumRequest(frame)
	if err != nil {
		return nil, id, err
	}

	if err := s.store.SetState(id, storage.StateAbandoned); err != nil {
		return nil, id, err
	}
	log.Printf("client abandoned verification of %q, file stays unverified", req.FileName)

	response := protocol.MessageReceivedResponse{}
	copy(response.ClientID[:], id)
	return response.Encode(), id, nil
}

// decodeChecksumRequest decodes one of the three CRC confirmation requests
// and checks that the addressed client has an upload pending.
func (s *Server) decodeChecksumRequest(frame []byte) (protocol.ChecksumRequest, []byte, error) {
	var req protocol.ChecksumRequest
	if err := req.Decode(frame); err != nil {
		return req, nil, fmt.Errorf("decode checksum request: %w", err)
	}
	id := req.ClientID[:]

	state, err := s.store.GetState(id)
	if err != nil {
		return req, id, fmt.Errorf("checksum request: client state: %w", err)
	}
	if state != storage.StateUploadPending {
		return req, id, fmt.Errorf("checksum request in state %q: %w", state, errIllegalTransition)
	}
	return req, id, nil
}

func (s *Server) writeFile(pathName string, content []byte) error {
	if s.filesDir == "" {
		return nil
	}

	target := filepath.Join(s.filesDir, filepath.FromSlash(pathName))
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("create file directory: %w", err)
	}
	if err := os.WriteFile(target, content, 0o600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// validClientName reports whether a requested name is acceptable:
// non-empty, shorter than the wire field, and alphabetic or space only.
func validClientName(name string) bool {
	if name == "" || len(name) >= protocol.NameSize {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == ' ':
		default:
			return false
		}
	}
	return true
}
