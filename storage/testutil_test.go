package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustStoreClient(t *testing.T, store *Store, name string) []byte {
	t.Helper()

	id := uuid.New()
	err := store.StoreClient(Client{
		ID:       id[:],
		Name:     name,
		State:    StateRegistered,
		LastSeen: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("store client %q: %v", name, err)
	}
	return id[:]
}
