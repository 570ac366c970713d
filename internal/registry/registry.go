// Package registry implements the Reservation Registry: a process-wide
// handle -> Reservation mapping. It is purely data — no I/O, no OS
// resources — and is mutated by the admission engine, the release handler,
// and the reaper, which never run concurrently under the single-threaded
// dispatch model. The admin surface (internal/admin) also lists and
// force-reaps reservations through the engine from its own HTTP
// goroutines, outside that loop; the mutex keeps the map consistent for
// those calls and for tests that don't go through the actor loop.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Holder is the narrow view of a holder child process the registry needs
// to keep alongside a reservation. It is satisfied by holder.Handle.
type Holder interface {
	Pid() int
	IsAlive() bool
}

// Reservation is the in-memory record created when a client is granted a
// device.
type Reservation struct {
	Handle      string
	DeviceIndex int
	Exclusive   bool
	Holder      Holder
}

// Registry tracks every live reservation.
type Registry struct {
	mu           sync.Mutex
	reservations map[string]*Reservation
}

func New() *Registry {
	return &Registry{reservations: make(map[string]*Reservation)}
}

// NewHandle generates a fresh, never-reused reservation handle: a type-1
// (time-based) UUID rendered as hex.
func NewHandle() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	// uuid.NewUUID() renders as canonical hyphenated hex via String();
	// kept as-is since it's still a hex rendering and matches what a
	// human operator expects to see in logs/CLI output.
	return id.String(), nil
}

// Insert records a new reservation. Callers must have already verified
// handle uniqueness is impossible to violate (fresh UUIDs make collision
// practically unreachable); Insert overwrites silently if called twice with
// the same handle, which production code paths never do.
func (r *Registry) Insert(res *Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reservations[res.Handle] = res
}

// Get returns the reservation for handle, or ok=false if unknown — an
// unknown handle on release is reported back to the caller, not treated as
// an error.
func (r *Registry) Get(handle string) (*Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[handle]
	return res, ok
}

// Remove deletes handle from the registry. No-op if already absent.
func (r *Registry) Remove(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reservations, handle)
}

// DeviceInUse scans for any live reservation pinning device i. This is the
// one O(n) operation the registry exposes.
func (r *Registry) DeviceInUse(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.reservations {
		if res.DeviceIndex == i {
			return true
		}
	}
	return false
}

// ExclusiveHolderOf reports whether device i currently has an exclusive
// reservation on it. A device must never carry both an exclusive
// reservation and any other reservation simultaneously.
func (r *Registry) ExclusiveHolderOf(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.reservations {
		if res.DeviceIndex == i && res.Exclusive {
			return true
		}
	}
	return false
}

// Snapshot returns a point-in-time copy of all reservations, used by the
// reaper loop so it can check liveness without holding the registry lock
// across is_alive probes.
func (r *Registry) Snapshot() []*Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Reservation, 0, len(r.reservations))
	for _, res := range r.reservations {
		out = append(out, res)
	}
	return out
}

// Len returns the number of live reservations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reservations)
}
