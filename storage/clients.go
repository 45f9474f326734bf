package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ClientNameExists reports whether a client with the given name exists.
func (s *Store) ClientNameExists(name string) (bool, error) {
	return s.exists("SELECT 1 FROM clients WHERE name = ?", name)
}

// ClientIDExists reports whether a client with the given ID exists.
func (s *Store) ClientIDExists(id []byte) (bool, error) {
	return s.exists("SELECT 1 FROM clients WHERE id = ?", id)
}

func (s *Store) exists(query string, arg any) (bool, error) {
	var one int
	err := s.db.QueryRow(query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence query: %w", err)
	}
	return true, nil
}

// StoreClient inserts a new client row. The UNIQUE constraint on name makes
// duplicate registration a storage error even under concurrent requests.
func (s *Store) StoreClient(client Client) error {
	if err := client.Validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO clients (id, name, public_key, symmetric_key, state, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)`,
		client.ID,
		client.Name,
		client.PublicKey,
		client.SymmetricKey,
		string(client.State),
		client.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("insert client %q: %w", client.Name, err)
	}

	return nil
}

// FindClientIDByName returns the ID of the client with the given name.
func (s *Store) FindClientIDByName(name string) ([]byte, error) {
	var id []byte
	err := s.db.QueryRow("SELECT id FROM clients WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find client by name %q: %w", name, err)
	}
	return id, nil
}

// FindClientNameByID returns the name of the client with the given ID.
func (s *Store) FindClientNameByID(id []byte) (string, error) {
	var name string
	err := s.db.QueryRow("SELECT name FROM clients WHERE id = ?", id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find client by ID: %w", err)
	}
	return name, nil
}

// SetPublicKey stores the client's asymmetric public key material.
func (s *Store) SetPublicKey(id, key []byte) error {
	return s.updateClient("UPDATE clients SET public_key = ? WHERE id = ?", key, id)
}

// SetSymmetricKey stores the server-minted symmetric key. Only the server
// ever sets this; a repeated key exchange overwrites the previous key.
func (s *Store) SetSymmetricKey(id, key []byte) error {
	if len(key) != SymmetricKeySize {
		return errors.New("symmetric key must be 16 bytes")
	}
	return s.updateClient("UPDATE clients SET symmetric_key = ? WHERE id = ?", key, id)
}

// GetSymmetricKey returns the stored symmetric key for a client.
// ErrNotFound covers both a missing client and a client with no key yet.
func (s *Store) GetSymmetricKey(id []byte) ([]byte, error) {
	var key []byte
	err := s.db.QueryRow("SELECT symmetric_key FROM clients WHERE id = ?", id).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get symmetric key: %w", err)
	}
	if len(key) == 0 {
		return nil, ErrNotFound
	}
	return key, nil
}

// SetLastSeen records the timestamp of the client's most recent request.
func (s *Store) SetLastSeen(id []byte, timestamp int64) error {
	return s.updateClient("UPDATE clients SET last_seen = ? WHERE id = ?", timestamp, id)
}

// SetState moves the client to a new lifecycle state.
func (s *Store) SetState(id []byte, state ClientState) error {
	if !state.Valid() {
		return fmt.Errorf("unknown client state %q", state)
	}
	return s.updateClient("UPDATE clients SET state = ? WHERE id = ?", string(state), id)
}

// GetState returns the client's current lifecycle state.
func (s *Store) GetState(id []byte) (ClientState, error) {
	var state string
	err := s.db.QueryRow("SELECT state FROM clients WHERE id = ?", id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get client state: %w", err)
	}
	return ClientState(state), nil
}

func (s *Store) updateClient(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update client rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
