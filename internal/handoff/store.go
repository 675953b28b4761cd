// internal/handoff/store.go
package handoff

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Well-known key names of the two halves of a record.
const (
	KeyPendingScreenshot = "pendingScreenshot"
	KeyOriginalTabID     = "originalTabId"
)

var (
	// ErrEmpty is returned when no record is pending.
	ErrEmpty = errors.New("handoff: no pending record")
	// ErrStale is returned when the slot holds a newer write than the caller's ticket.
	ErrStale = errors.New("handoff: record superseded by a newer write")
)

// Ticket identifies one write to the store. A read must present the ticket
// of the write it expects; any later write invalidates it.
type Ticket uint64

// Record is the payload and correlation id handed between contexts.
type Record struct {
	// Payload is the captured image as a data URL.
	Payload string
	// CorrelationID identifies the tab that initiated the flow. It is empty
	// once the helper has removed its key.
	CorrelationID string
	Seq           Ticket
}

// Store is a single-slot transient key-value store. At most one record is
// outstanding; a new Put replaces the previous record entirely.
type Store struct {
	logger *zap.Logger

	mu   sync.Mutex
	seq  Ticket
	slot *Record
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger.Named("handoff")}
}

// Put writes a new record, overwriting any previous one, and returns its ticket.
func (s *Store) Put(payload, correlationID string) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if s.slot != nil {
		s.logger.Warn("Overwriting unconsumed record.",
			zap.Uint64("previous_seq", uint64(s.slot.Seq)),
			zap.Uint64("seq", uint64(s.seq)))
	}
	s.slot = &Record{Payload: payload, CorrelationID: correlationID, Seq: s.seq}

	s.logger.Debug("Record stored.",
		zap.Uint64("seq", uint64(s.seq)),
		zap.Int(KeyPendingScreenshot, len(payload)),
		zap.String(KeyOriginalTabID, correlationID))
	return s.seq
}

// Get returns the record written under ticket t without consuming it.
func (s *Store) Get(t Ticket) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(t); err != nil {
		return Record{}, err
	}
	return *s.slot, nil
}

// Take returns the record written under ticket t and clears the slot.
func (s *Store) Take(t Ticket) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(t); err != nil {
		return Record{}, err
	}
	rec := *s.slot
	s.slot = nil
	s.logger.Debug("Record consumed.", zap.Uint64("seq", uint64(t)))
	return rec, nil
}

// ClearCorrelation removes the originalTabId half of the record written under
// ticket t and keeps the payload for a later Take.
func (s *Store) ClearCorrelation(t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(t); err != nil {
		return err
	}
	s.slot.CorrelationID = ""
	return nil
}

// Clear drops the record if it is still the one written under ticket t.
// It reports whether anything was removed; a newer record is left alone.
func (s *Store) Clear(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.check(t) != nil {
		return false
	}
	s.slot = nil
	s.logger.Debug("Record cleared.", zap.Uint64("seq", uint64(t)))
	return true
}

// Pending reports whether any record is outstanding.
func (s *Store) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot != nil
}

// check must be called with s.mu held.
func (s *Store) check(t Ticket) error {
	if s.slot == nil {
		return ErrEmpty
	}
	if s.slot.Seq != t {
		return fmt.Errorf("%w: ticket %d, current %d", ErrStale, t, s.slot.Seq)
	}
	return nil
}
