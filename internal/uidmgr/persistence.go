package uidmgr

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
)

// ReservationRecord is one persisted CID -> UID mapping. spec.md §3 permits
// (but does not require) UID reservations to outlive a broker restart; this
// is the on-disk/external shape of a reservation when a Store is wired in.
type ReservationRecord struct {
	CID          uuid.UUID
	Manufacturer uint16
	Device       uint32
}

// ReservationStore is the optional UID-reservation persistence interface,
// generalized from core/mdp/persistence.go's PersistenceStore (store/
// retrieve/delete/list/close keyed by an ID) from MDP's per-request records
// to RDMnet's per-CID UID reservations. Manager works with a nil Store
// (the default, fully volatile per spec.md §1 Non-goals) exactly as well as
// a real one.
type ReservationStore interface {
	SaveReservation(rec ReservationRecord) error
	LoadReservations() ([]ReservationRecord, error)
	DeleteReservation(cid uuid.UUID) error
	Close() error
}

// MemoryReservationStore is the in-memory default ReservationStore,
// grounded directly on core/mdp/persistence.go's MemoryPersistenceStore:
// same lock shape, same store/retrieve/delete/list/close operation set,
// generalized to a fixed-shape record instead of a TTL-bearing Request.
// It exists so code that always wires a Store (e.g. to test restart-style
// stickiness without a real backing file) doesn't need a special case for
// "no persistence" -- Manager's own nil-Store path already covers that.
type MemoryReservationStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]ReservationRecord
}

// NewMemoryReservationStore returns an empty MemoryReservationStore.
func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{records: make(map[uuid.UUID]ReservationRecord)}
}

// SaveReservation upserts rec.
func (s *MemoryReservationStore) SaveReservation(rec ReservationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CID] = rec
	log.WithFields(log.Fields{"cid": rec.CID, "uid": fmt.Sprintf("%04x:%08x", rec.Manufacturer, rec.Device)}).
		Debug("persisted uid reservation")
	return nil
}

// LoadReservations returns every persisted reservation, in no particular
// order.
func (s *MemoryReservationStore) LoadReservations() ([]ReservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ReservationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// DeleteReservation forgets cid's reservation, if any.
func (s *MemoryReservationStore) DeleteReservation(cid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, cid)
	return nil
}

// Close clears the store.
func (s *MemoryReservationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[uuid.UUID]ReservationRecord)
	return nil
}

// AttachStore wires store as this Manager's persistence backend and primes
// its CID/UID reservation tables from whatever it already holds (e.g. from
// a prior broker run), with currently-connected left false until each CID
// actually reconnects. Call before the broker starts accepting clients.
func (m *Manager) AttachStore(store ReservationStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
	if store == nil {
		return nil
	}
	recs, err := store.LoadReservations()
	if err != nil {
		return fmt.Errorf("uidmgr: failed to load persisted reservations: %w", err)
	}
	for _, rec := range recs {
		uid := rdmuid.UID{Manufacturer: rec.Manufacturer, Device: rec.Device}
		if _, exists := m.byUID[uid]; exists {
			continue
		}
		r := &reservation{uid: uid, connected: false}
		m.byUID[uid] = r
		m.byCID[rec.CID] = r
	}
	return nil
}
