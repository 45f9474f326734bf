package storage

import "errors"

// Field widths enforced on stored records, matching the wire format.
const (
	ClientIDSize     = 16
	MaxNameSize      = 255
	PublicKeySize    = 160
	SymmetricKeySize = 16
)

// ClientState is the explicit lifecycle tag stored with each client record.
// Transition legality is a direct check against this tag rather than an
// inference from which optional fields happen to be populated.
type ClientState string

const (
	// StateRegistered: identity minted, no key material yet.
	StateRegistered ClientState = "registered"
	// StateKeyExchanged: public key stored, symmetric key minted.
	StateKeyExchanged ClientState = "key_exchanged"
	// StateUploadPending: file decrypted and stored, checksum unconfirmed.
	StateUploadPending ClientState = "upload_pending"
	// StateVerified: client confirmed the checksum.
	StateVerified ClientState = "verified"
	// StateAbandoned: client exhausted its retry budget. Terminal; the file
	// record stays unverified permanently.
	StateAbandoned ClientState = "abandoned"
)

// Valid reports whether the state is one of the known lifecycle tags.
func (s ClientState) Valid() bool {
	switch s {
	case StateRegistered, StateKeyExchanged, StateUploadPending, StateVerified, StateAbandoned:
		return true
	}
	return false
}

// Client is one client identity row.
type Client struct {
	ID           []byte
	Name         string
	PublicKey    []byte
	SymmetricKey []byte
	State        ClientState
	LastSeen     int64
}

// Validate checks the invariants a client row must satisfy before insert.
func (c Client) Validate() error {
	if len(c.ID) != ClientIDSize {
		return errors.New("client ID must be 16 bytes")
	}
	if c.Name == "" || len(c.Name) >= MaxNameSize {
		return errors.New("client name must be non-empty and shorter than 255 bytes")
	}
	if !c.State.Valid() {
		return errors.New("unknown client state")
	}
	if c.LastSeen == 0 {
		return errors.New("last seen timestamp is required")
	}
	return nil
}

// FileRecord is the single outstanding file per client. The row is keyed by
// client ID; a re-upload overwrites it.
type FileRecord struct {
	ClientID []byte
	FileName string
	PathName string
	Verified bool
}

// Validate checks the invariants a file row must satisfy before upsert.
func (f FileRecord) Validate() error {
	if len(f.ClientID) != ClientIDSize {
		return errors.New("file record client ID must be 16 bytes")
	}
	if f.FileName == "" || len(f.FileName) >= MaxNameSize {
		return errors.New("file name must be non-empty and shorter than 255 bytes")
	}
	if f.PathName == "" || len(f.PathName) >= MaxNameSize {
		return errors.New("path name must be non-empty and shorter than 255 bytes")
	}
	return nil
}
