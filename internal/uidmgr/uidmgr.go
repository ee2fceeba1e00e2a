// Package uidmgr implements the UID Manager: static UID registration,
// dynamic UID allocation with CID-keyed sticky reuse across reconnects, and
// a configurable capacity on the total number of reservations.
package uidmgr

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ETCLabs/RDMnet-sub004/internal/brokererrors"
	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
)

// reservation is one CID -> UID entry, possibly outliving the client that
// requested it (spec.md §3 UID Reservation).
type reservation struct {
	uid        rdmuid.UID
	connected  bool
	ownerHandle int
}

// Manager allocates and tracks RDM UIDs for a single broker manufacturer ID.
type Manager struct {
	mu sync.RWMutex

	brokerManufacturer uint16
	capacity           int // 0 = unbounded

	nextDeviceID uint32

	byUID map[rdmuid.UID]*reservation
	byCID map[uuid.UUID]*reservation

	// store persists dynamic reservations across restarts when non-nil
	// (spec.md §3: optional, not required). Wired via AttachStore.
	store ReservationStore
}

// New returns a Manager that allocates dynamic UIDs under brokerManufacturer
// with at most capacity live reservations (0 = unbounded).
func New(brokerManufacturer uint16, capacity int) *Manager {
	return &Manager{
		brokerManufacturer: brokerManufacturer,
		capacity:           capacity,
		nextDeviceID:       1,
		byUID:              make(map[rdmuid.UID]*reservation),
		byCID:              make(map[uuid.UUID]*reservation),
	}
}

// AddStatic registers a client-supplied static UID for handle. It fails with
// brokererrors.ErrDuplicateUID if the UID is already connected, or
// brokererrors.ErrCapacityExceeded if the manager is at capacity.
func (m *Manager) AddStatic(handle int, uid rdmuid.UID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.byUID[uid]; ok {
		if r.connected {
			return brokererrors.ErrDuplicateUID
		}
		r.connected = true
		r.ownerHandle = handle
		return nil
	}
	if m.capacity > 0 && len(m.byUID) >= m.capacity {
		return brokererrors.ErrCapacityExceeded
	}
	m.byUID[uid] = &reservation{uid: uid, connected: true, ownerHandle: handle}
	return nil
}

// AddDynamic assigns (or reuses, per CID stickiness) a dynamic UID for cid,
// owned by handle.
func (m *Manager) AddDynamic(handle int, cid uuid.UUID) (rdmuid.UID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.byCID[cid]; ok {
		if r.connected {
			return rdmuid.UID{}, brokererrors.ErrDuplicateUID
		}
		r.connected = true
		r.ownerHandle = handle
		return r.uid, nil
	}

	if m.capacity > 0 && len(m.byUID) >= m.capacity {
		return rdmuid.UID{}, brokererrors.ErrCapacityExceeded
	}

	uid, err := m.allocateLocked()
	if err != nil {
		return rdmuid.UID{}, err
	}
	r := &reservation{uid: uid, connected: true, ownerHandle: handle}
	m.byUID[uid] = r
	m.byCID[cid] = r
	if m.store != nil {
		if err := m.store.SaveReservation(ReservationRecord{CID: cid, Manufacturer: uid.Manufacturer, Device: uid.Device}); err != nil {
			return rdmuid.UID{}, err
		}
	}
	return uid, nil
}

// allocateLocked searches upward from nextDeviceID for a free device ID,
// skipping the reserved 0 and broadcast (0xFFFFFFFF) values and wrapping on
// overflow. Callers must hold m.mu.
func (m *Manager) allocateLocked() (rdmuid.UID, error) {
	start := m.nextDeviceID
	for {
		id := m.nextDeviceID
		m.advanceLocked()

		if id != 0 && id != 0xFFFFFFFF {
			candidate := rdmuid.UID{Manufacturer: m.brokerManufacturer, Device: id}
			if _, inUse := m.byUID[candidate]; !inUse {
				return candidate, nil
			}
		}
		if m.nextDeviceID == start {
			return rdmuid.UID{}, errors.New("uidmgr: no free dynamic device ids")
		}
	}
}

func (m *Manager) advanceLocked() {
	if m.nextDeviceID == 0xFFFFFFFE {
		m.nextDeviceID = 1
		return
	}
	m.nextDeviceID++
}

// Remove drops uid's reservation entirely (no sticky reuse afterward).
func (m *Manager) Remove(uid rdmuid.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byUID[uid]
	if !ok {
		return
	}
	delete(m.byUID, uid)
	for cid, cr := range m.byCID {
		if cr == r {
			delete(m.byCID, cid)
			if m.store != nil {
				_ = m.store.DeleteReservation(cid)
			}
			break
		}
	}
}

// Disconnect marks uid's reservation not-currently-connected without
// forgetting it, so a later reconnect with the same CID can reuse it.
func (m *Manager) Disconnect(uid rdmuid.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byUID[uid]; ok {
		r.connected = false
	}
}

// Lookup returns the handle currently holding uid, if connected.
func (m *Manager) Lookup(uid rdmuid.UID) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byUID[uid]
	if !ok || !r.connected {
		return 0, false
	}
	return r.ownerHandle, true
}
