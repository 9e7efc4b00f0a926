package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tomassalina/koopay/escrow"
)

// slotKey is the single durable slot holding the currently selected escrow.
// Every mutation re-serialises the full snapshot back to the key, mirroring
// the dashboard's explicit load/persist/clear contract.
var slotKey = []byte("escrow/current")

// ErrNoEscrow is returned when no escrow is currently selected.
var ErrNoEscrow = errors.New("store: no escrow selected")

// EscrowStore owns the "current escrow" slot the rest of the system operates
// on. Only the actions layer and the initial selection step may write to it;
// reads always return a deep copy so callers cannot mutate shared state.
type EscrowStore struct {
	mu      sync.Mutex
	db      Database
	current *escrow.Escrow
}

// NewEscrowStore wraps the supplied database. Call Load to hydrate the slot
// before first use.
func NewEscrowStore(db Database) *EscrowStore {
	return &EscrowStore{db: db}
}

// Load hydrates the in-memory slot from durable storage. A missing slot is
// not an error; the store simply starts empty.
func (s *EscrowStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(slotKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			s.current = nil
			return nil
		}
		return fmt.Errorf("store: load escrow slot: %w", err)
	}
	var esc escrow.Escrow
	if err := json.Unmarshal(raw, &esc); err != nil {
		return fmt.Errorf("store: corrupt escrow slot: %w", err)
	}
	s.current = &esc
	return nil
}

// Current returns a deep copy of the selected escrow, or ErrNoEscrow when
// the slot is empty.
func (s *EscrowStore) Current() (*escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoEscrow
	}
	return s.current.Clone(), nil
}

// Set replaces the selected escrow and persists the snapshot.
func (s *EscrowStore) Set(esc *escrow.Escrow) error {
	if esc == nil {
		return fmt.Errorf("store: nil escrow")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := esc.Clone()
	if err := s.persistLocked(clone); err != nil {
		return err
	}
	s.current = clone
	return nil
}

// Mutate applies fn to a copy of the selected escrow and persists the result
// atomically. When fn returns an error the slot is left untouched, which is
// what keeps local state consistent with the last known-good external state.
func (s *EscrowStore) Mutate(fn func(*escrow.Escrow) error) (*escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoEscrow
	}
	draft := s.current.Clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	if err := s.persistLocked(draft); err != nil {
		return nil, err
	}
	s.current = draft
	return draft.Clone(), nil
}

// Clear empties the slot. This is the only way an escrow leaves local state;
// it is never deleted implicitly.
func (s *EscrowStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(slotKey); err != nil {
		return fmt.Errorf("store: clear escrow slot: %w", err)
	}
	s.current = nil
	return nil
}

func (s *EscrowStore) persistLocked(esc *escrow.Escrow) error {
	raw, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("store: encode escrow: %w", err)
	}
	if err := s.db.Put(slotKey, raw); err != nil {
		return fmt.Errorf("store: persist escrow: %w", err)
	}
	return nil
}
