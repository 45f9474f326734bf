package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"filevault/crypto"
	"filevault/protocol"
	"filevault/storage"
)

func TestRegistrationMintsIdentity(t *testing.T) {
	srv, store := newTestServer(t)

	response := mustHandle(t, srv, encodeRegistration(t, "alice"))
	var success protocol.RegistrationSuccessResponse
	if err := success.Decode(response); err != nil {
		t.Fatalf("decode registration response: %v", err)
	}
	if success.ClientID == ([16]byte{}) {
		t.Fatal("expected a non-zero client identity")
	}

	exists, err := store.ClientIDExists(success.ClientID[:])
	if err != nil {
		t.Fatalf("ClientIDExists failed: %v", err)
	}
	if !exists {
		t.Fatal("minted identity was not persisted")
	}

	state, err := store.GetState(success.ClientID[:])
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != storage.StateRegistered {
		t.Fatalf("state %q, want %q", state, storage.StateRegistered)
	}
}

func TestRegistrationDuplicateNameFails(t *testing.T) {
	srv, _ := newTestServer(t)

	mustHandle(t, srv, encodeRegistration(t, "alice"))

	response := mustHandle(t, srv, encodeRegistration(t, "alice"))
	assertResponseCode(t, response, protocol.ResponseRegistrationFailed)
}

func TestRegistrationRejectsInvalidNames(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, name := range []string{"", "alice123", "alice!", "a\tb"} {
		response := mustHandle(t, srv, encodeRegistration(t, name))
		assertResponseCode(t, response, protocol.ResponseRegistrationFailed)
	}

	// Alphabetic names with spaces are fine.
	response := mustHandle(t, srv, encodeRegistration(t, "Alice Smith"))
	assertResponseCode(t, response, protocol.ResponseRegistrationSuccess)
}

func TestKeyExchangeSealsFreshKey(t *testing.T) {
	srv, store := newTestServer(t)
	registerClient(t, srv, "alice")
	private := mustGenerateRSAKey(t)

	response := mustHandle(t, srv, encodePublicKey(t, "alice", private))
	var sealed protocol.EncryptedKeyResponse
	if err := sealed.Decode(response); err != nil {
		t.Fatalf("decode encrypted key response: %v", err)
	}

	symmetricKey := unsealKey(t, private, sealed.SealedKey[:])
	stored, err := store.GetSymmetricKey(sealed.ClientID[:])
	if err != nil {
		t.Fatalf("GetSymmetricKey failed: %v", err)
	}
	if !bytes.Equal(stored, symmetricKey) {
		t.Fatal("stored symmetric key differs from sealed key")
	}

	state, err := store.GetState(sealed.ClientID[:])
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != storage.StateKeyExchanged {
		t.Fatalf("state %q, want %q", state, storage.StateKeyExchanged)
	}
}

func TestKeyExchangeMintsDistinctKeysPerClient(t *testing.T) {
	srv, store := newTestServer(t)
	registerClient(t, srv, "alice")
	registerClient(t, srv, "bob")
	private := mustGenerateRSAKey(t)

	var keys [][]byte
	for _, name := range []string{"alice", "bob"} {
		response := mustHandle(t, srv, encodePublicKey(t, name, private))
		var sealed protocol.EncryptedKeyResponse
		if err := sealed.Decode(response); err != nil {
			t.Fatalf("decode encrypted key response for %q: %v", name, err)
		}
		stored, err := store.GetSymmetricKey(sealed.ClientID[:])
		if err != nil {
			t.Fatalf("GetSymmetricKey for %q failed: %v", name, err)
		}
		keys = append(keys, stored)
	}
	if bytes.Equal(keys[0], keys[1]) {
		t.Fatal("two clients received the same symmetric key")
	}
}

func TestKeyExchangeRegeneratesKey(t *testing.T) {
	srv, store := newTestServer(t)
	registerClient(t, srv, "alice")
	private := mustGenerateRSAKey(t)

	first := exchangeKeys(t, srv, store, "alice", private)
	second := exchangeKeys(t, srv, store, "alice", private)
	if bytes.Equal(first, second) {
		t.Fatal("repeated key exchange reused the previous key")
	}
}

func TestKeyExchangeUnknownClient(t *testing.T) {
	srv, _ := newTestServer(t)
	private := mustGenerateRSAKey(t)

	if _, _, err := srv.handleSendPublicKey(protocol.RequestHeader{}, encodePublicKey(t, "ghost", private)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileUploadRoundTrip(t *testing.T) {
	srv, store := newTestServer(t)
	registerClient(t, srv, "alice")
	private := mustGenerateRSAKey(t)
	key := exchangeKeys(t, srv, store, "alice", private)

	id, err := store.FindClientIDByName("alice")
	if err != nil {
		t.Fatalf("FindClientIDByName failed: %v", err)
	}

	content := bytes.Repeat([]byte("filevault"), 512)
	response := mustHandle(t, srv, encodeFileSend(t, id, "backup.bin", key, content))

	var received protocol.FileReceivedResponse
	if err := received.Decode(response); err != nil {
		t.Fatalf("decode file received response: %v", err)
	}
	if received.FileName != "backup.bin" {
		t.Fatalf("response file name %q, want backup.bin", received.FileName)
	}
	if received.ContentSize != uint32(len(content)) {
		t.Fatalf("response content size %d, want %d", received.ContentSize, len(content))
	}
	if received.Checksum != crypto.Checksum(content) {
		t.Fatalf("response checksum %08x, want %08x", received.Checksum, crypto.Checksum(content))
	}

	record, err := store.GetFileRecord(id)
	if err != nil {
		t.Fatalf("GetFileRecord failed: %v", err)
	}
	if record.Verified {
		t.Fatal("fresh upload must be unverified")
	}
	if record.PathName != "alice/backup.bin" {
		t.Fatalf("path name %q, want alice/backup.bin", record.PathName)
	}

	stored, err := os.ReadFile(filepath.Join(srv.filesDir, "alice", "backup.bin"))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("stored file differs from uploaded plaintext")
	}
}

func TestFileUploadRequiresKeyExchange(t *testing.T) {
	srv, store := newTestServer(t)
	registerClient(t, srv, "alice")

	id, err := store.FindClientIDByName("alice")
	if err != nil {
		t.Fatalf("FindClientIDByName failed: %v", err)
	}

	frame := encodeFileSend(t, id, "a.bin", bytes.Repeat([]byte{1}, 16), []byte("data"))
	if _, _, err := srv.handleSendFile(protocol.RequestHeader{}, frame); !errors.Is(err, errIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestFileUploadBadCiphertext(t *testing.T) {
	srv, store := newTestServer(t)
	registerClient(t, srv, "alice")
	private := mustGenerateRSAKey(t)
	exchangeKeys(t, srv, store, "alice", private)

	id, err := store.FindClientIDByName("alice")
	if err != nil {
		t.Fatalf("FindClientIDByName failed: %v", err)
	}

	request := protocol.FileSendRequest{FileName: "a.bin", Content: []byte("not a block multiple")}
	copy(request.ClientID[:], id)
	if _, _, err := srv.handleSendFile(protocol.RequestHeader{}, request.Encode()); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure, got %v", err)
	}

	// No file record is created for a failed decrypt.
	if _, err := store.GetFileRecord(id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no file record, got %v", err)
	}
}

func TestChecksumValidVerifiesFile(t *testing.T) {
	srv, store := newTestServer(t)
	id := uploadFile(t, srv, store, "alice", "a.bin", []byte("payload"))

	response := mustHandle(t, srv, encodeChecksum(t, protocol.RequestCRCValid, id, "a.bin"))
	assertResponseCode(t, response, protocol.ResponseMessageReceived)

	record, err := store.GetFileRecord(id)
	if err != nil {
		t.Fatalf("GetFileRecord failed: %v", err)
	}
	if !record.Verified {
		t.Fatal("expected file to be verified")
	}

	state, err := store.GetState(id)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != storage.StateVerified {
		t.Fatalf("state %q, want %q", state, storage.StateVerified)
	}
}

func TestChecksumInvalidKeepsUploadPending(t *testing.T) {
	srv, store := newTestServer(t)
	id := uploadFile(t, srv, store, "alice", "a.bin", []byte("payload"))

	response := mustHandle(t, srv, encodeChecksum(t, protocol.RequestCRCInvalid, id, "a.bin"))
	header, err := protocol.DecodeResponseHeader(response)
	if err != nil {
		t.Fatalf("decode response header: %v", err)
	}
	if header.Code != protocol.ResponseMessageReceived {
		t.Fatalf("response code %d, want %d", header.Code, protocol.ResponseMessageReceived)
	}
	if header.PayloadSize != 0 {
		t.Fatalf("crc-invalid ack carries %d payload bytes, want 0", header.PayloadSize)
	}

	// The client is expected to resend the file; the state must allow it.
	state, err := store.GetState(id)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != storage.StateUploadPending {
		t.Fatalf("state %q, want %q", state, storage.StateUploadPending)
	}
}

func TestChecksumAbandonmentIsTerminal(t *testing.T) {
	srv, store := newTestServer(t)
	id := uploadFile(t, srv, store, "alice", "a.bin", []byte("payload"))

	response := mustHandle(t, srv, encodeChecksum(t, protocol.RequestCRCInvalidFourthTime, id, "a.bin"))
	assertResponseCode(t, response, protocol.ResponseMessageReceived)

	record, err := store.GetFileRecord(id)
	if err != nil {
		t.Fatalf("GetFileRecord failed: %v", err)
	}
	if record.Verified {
		t.Fatal("abandoned file must stay unverified")
	}

	state, err := store.GetState(id)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != storage.StateAbandoned {
		t.Fatalf("state %q, want %q", state, storage.StateAbandoned)
	}

	// Terminal: no further checksum confirmation is accepted.
	frame := encodeChecksum(t, protocol.RequestCRCValid, id, "a.bin")
	if _, _, err := srv.handleCRCValid(protocol.RequestHeader{}, frame); !errors.Is(err, errIllegalTransition) {
		t.Fatalf("expected illegal transition after abandonment, got %v", err)
	}
}

func TestChecksumRequiresUploadPending(t *testing.T) {
	srv, store := newTestServer(t)
	registerClient(t, srv, "alice")

	id, err := store.FindClientIDByName("alice")
	if err != nil {
		t.Fatalf("FindClientIDByName failed: %v", err)
	}

	frame := encodeChecksum(t, protocol.RequestCRCValid, id, "a.bin")
	if _, _, err := srv.handleCRCValid(protocol.RequestHeader{}, frame); !errors.Is(err, errIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestValidClientName(t *testing.T) {
	valid := []string{"alice", "Alice Smith", "B"}
	for _, name := range valid {
		if !validClientName(name) {
			t.Fatalf("expected %q to be valid", name)
		}
	}

	invalid := []string{"", "alice1", "a_b", "a\nb", "héllo", string(make([]byte, 255))}
	for _, name := range invalid {
		if validClientName(name) {
			t.Fatalf("expected %q to be invalid", name)
		}
	}
}

// --- helpers ---

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}

	srv, err := Listen("127.0.0.1:0", store, Options{
		FilesDir: filepath.Join(dataDir, "files"),
	})
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Fatalf("close test server: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return srv, store
}

// mustHandle routes a frame through the dispatch table the way a
// connection would, failing the test on handler errors.
func mustHandle(t *testing.T, srv *Server, frame []byte) []byte {
	t.Helper()

	header, err := protocol.DecodeRequestHeader(frame)
	if err != nil {
		t.Fatalf("decode request header: %v", err)
	}
	handler, ok := srv.handlers[header.Code]
	if !ok {
		t.Fatalf("no handler for code %d", header.Code)
	}

	response, _, err := handler(header, frame)
	if err != nil {
		t.Fatalf("handler for code %d failed: %v", header.Code, err)
	}
	return response
}

func registerClient(t *testing.T, srv *Server, name string) {
	t.Helper()

	response := mustHandle(t, srv, encodeRegistration(t, name))
	assertResponseCode(t, response, protocol.ResponseRegistrationSuccess)
}

// exchangeKeys performs a key exchange for name and returns the stored
// symmetric key.
func exchangeKeys(t *testing.T, srv *Server, store *storage.Store, name string, private *rsa.PrivateKey) []byte {
	t.Helper()

	response := mustHandle(t, srv, encodePublicKey(t, name, private))
	var sealed protocol.EncryptedKeyResponse
	if err := sealed.Decode(response); err != nil {
		t.Fatalf("decode encrypted key response: %v", err)
	}

	key, err := store.GetSymmetricKey(sealed.ClientID[:])
	if err != nil {
		t.Fatalf("GetSymmetricKey failed: %v", err)
	}
	return key
}

// uploadFile registers name, exchanges keys, and uploads content, leaving
// the client in the upload-pending state. Returns the client ID.
func uploadFile(t *testing.T, srv *Server, store *storage.Store, name, fileName string, content []byte) []byte {
	t.Helper()

	registerClient(t, srv, name)
	key := exchangeKeys(t, srv, store, name, mustGenerateRSAKey(t))

	id, err := store.FindClientIDByName(name)
	if err != nil {
		t.Fatalf("FindClientIDByName failed: %v", err)
	}

	response := mustHandle(t, srv, encodeFileSend(t, id, fileName, key, content))
	assertResponseCode(t, response, protocol.ResponseFileReceivedWithCRC)
	return id
}

func encodeRegistration(t *testing.T, name string) []byte {
	t.Helper()

	request := protocol.RegistrationRequest{Name: name}
	request.Header.Version = protocol.ServerVersion
	return request.Encode()
}

func encodePublicKey(t *testing.T, name string, private *rsa.PrivateKey) []byte {
	t.Helper()

	request := protocol.PublicKeyRequest{Name: name}
	der := x509.MarshalPKCS1PublicKey(&private.PublicKey)
	if len(der) > protocol.PublicKeySize {
		t.Fatalf("public key DER is %d bytes, exceeds the %d-byte field", len(der), protocol.PublicKeySize)
	}
	copy(request.PublicKey[:], der)
	request.Header.Version = protocol.ServerVersion
	return request.Encode()
}

func encodeFileSend(t *testing.T, id []byte, fileName string, key, content []byte) []byte {
	t.Helper()

	ciphertext, err := crypto.EncryptContent(key, content)
	if err != nil {
		t.Fatalf("encrypt upload content: %v", err)
	}

	request := protocol.FileSendRequest{FileName: fileName, Content: ciphertext}
	copy(request.ClientID[:], id)
	request.Header.Version = protocol.ServerVersion
	copy(request.Header.ClientID[:], id)
	return request.Encode()
}

func encodeChecksum(t *testing.T, code uint16, id []byte, fileName string) []byte {
	t.Helper()

	request := protocol.ChecksumRequest{FileName: fileName}
	copy(request.ClientID[:], id)
	request.Header.Code = code
	request.Header.Version = protocol.ServerVersion
	copy(request.Header.ClientID[:], id)
	return request.Encode()
}

func assertResponseCode(t *testing.T, response []byte, want uint16) {
	t.Helper()

	header, err := protocol.DecodeResponseHeader(response)
	if err != nil {
		t.Fatalf("decode response header: %v", err)
	}
	if header.Code != want {
		t.Fatalf("response code %d, want %d", header.Code, want)
	}
}

func mustGenerateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	private, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return private
}

func unsealKey(t *testing.T, private *rsa.PrivateKey, sealed []byte) []byte {
	t.Helper()

	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, private, sealed, nil)
	if err != nil {
		t.Fatalf("unseal symmetric key: %v", err)
	}
	return key
}
