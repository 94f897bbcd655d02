// Package lock provides a striped set of mutexes keyed by VM id, giving the
// Provisioner a short-lived serialization point around each VM's
// read-modify-write transitions (spec.md §5) without taking a single
// process-wide lock.
package lock

import (
	"sync"

	"github.com/google/uuid"
)

// stripes is the number of independent mutexes the key space is hashed
// into. A fixed power of two keeps the modulo a cheap mask.
const stripes = 256

// KeyedMutex serializes operations scoped to the same uuid key.
type KeyedMutex struct {
	mus [stripes]sync.Mutex
}

// New builds a KeyedMutex ready for use.
func New() *KeyedMutex {
	return &KeyedMutex{}
}

// Lock acquires the mutex stripe for id.
func (m *KeyedMutex) Lock(id uuid.UUID) {
	m.stripeFor(id).Lock()
}

// Unlock releases the mutex stripe for id.
func (m *KeyedMutex) Unlock(id uuid.UUID) {
	m.stripeFor(id).Unlock()
}

// WithLock runs fn while holding the stripe for id.
func (m *KeyedMutex) WithLock(id uuid.UUID, fn func() error) error {
	m.Lock(id)
	defer m.Unlock(id)
	return fn()
}

func (m *KeyedMutex) stripeFor(id uuid.UUID) *sync.Mutex {
	var h uint32
	for _, b := range id {
		h = h*31 + uint32(b)
	}
	return &m.mus[h%stripes]
}
