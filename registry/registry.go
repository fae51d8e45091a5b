// Package registry is the persisted source of truth for container ownership
// and quota. Each user maps to an entry holding a display-language preference
// and the list of container records; writers go through an atomic per-user
// read-modify-write.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	hivehost "github.com/hivehost/hivehost"
)

// Container status values. Status reflects the last successful lifecycle
// transition, not live runtime truth.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusUnknown = "unknown"
)

// Record is the persisted unit of ownership: one hosted bot and its backing
// runtime container.
type Record struct {
	BotID       string    `json:"botId"`
	ContainerID string    `json:"containerId"`
	Name        string    `json:"name"`
	Language    string    `json:"language"`
	MainFile    string    `json:"mainFile"`
	RAM         int       `json:"ram"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// UserEntry is one user's persisted state. Writes replace the whole entry.
type UserEntry struct {
	Language   string   `json:"language,omitempty"`
	Containers []Record `json:"containers"`
}

// ContainerName derives the stable container name for a user's bot. It
// survives recreation on update.
func ContainerName(userID, botID string) string {
	return fmt.Sprintf("bot-%s-%s", userID, botID)
}

// ImageName derives the image tag for a user's bot. Tags must be lowercase.
func ImageName(userID, botID string) string {
	return strings.ToLower(fmt.Sprintf("bot-host-%s-%s", userID, botID))
}

// Store persists user entries. Implementations must make GetUser/PutUser
// individually atomic; the Registry layers per-user mutual exclusion on top.
type Store interface {
	Init() error
	Close() error

	// GetUser returns the entry for a user, or a zero entry if absent.
	GetUser(userID string) (UserEntry, error)

	// PutUser replaces the entry for a user.
	PutUser(userID string, e UserEntry) error

	// Users lists all user ids with a stored entry.
	Users() ([]string, error)
}

// Registry enforces ownership, quota, and record invariants over a Store.
type Registry struct {
	store  Store
	quota  int
	minRAM int
	maxRAM int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Registry with the given per-user container quota and the
// memory bounds every stored record must satisfy.
func New(store Store, quota, minRAM, maxRAM int) *Registry {
	return &Registry{
		store:  store,
		quota:  quota,
		minRAM: minRAM,
		maxRAM: maxRAM,
		locks:  make(map[string]*sync.Mutex),
	}
}

// validRAM checks the stored-record memory invariant.
func (r *Registry) validRAM(ram int) error {
	if ram < r.minRAM || ram > r.maxRAM {
		return fmt.Errorf("ram %dMB outside [%d, %d]: %w", ram, r.minRAM, r.maxRAM, hivehost.ErrValidation)
	}
	return nil
}

// Quota returns the per-user container limit.
func (r *Registry) Quota() int {
	return r.quota
}

// userLock returns the mutex guarding one user's read-modify-write cycle.
func (r *Registry) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[userID] = l
	}
	return l
}

// mutate runs fn against the user's entry under the user lock and persists
// the result. If fn returns an error the entry is not written.
func (r *Registry) mutate(userID string, fn func(*UserEntry) error) error {
	l := r.userLock(userID)
	l.Lock()
	defer l.Unlock()

	entry, err := r.store.GetUser(userID)
	if err != nil {
		return err
	}
	if err := fn(&entry); err != nil {
		return err
	}
	return r.store.PutUser(userID, entry)
}

// Containers returns the user's container records.
func (r *Registry) Containers(userID string) ([]Record, error) {
	entry, err := r.store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	return entry.Containers, nil
}

// Count returns how many containers the user owns.
func (r *Registry) Count(userID string) (int, error) {
	recs, err := r.Containers(userID)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// HasCapacity reports whether the user may provision another container.
func (r *Registry) HasCapacity(userID string) (bool, error) {
	n, err := r.Count(userID)
	if err != nil {
		return false, err
	}
	return n < r.quota, nil
}

// Get returns the record with the given container id, ErrNotFound otherwise.
func (r *Registry) Get(userID, containerID string) (Record, error) {
	recs, err := r.Containers(userID)
	if err != nil {
		return Record{}, err
	}
	for _, rec := range recs {
		if rec.ContainerID == containerID {
			return rec, nil
		}
	}
	return Record{}, hivehost.ErrNotFound
}

// Add appends a record, enforcing the quota, the memory bounds, and
// (user, botId) uniqueness.
func (r *Registry) Add(userID string, rec Record) error {
	if err := r.validRAM(rec.RAM); err != nil {
		return err
	}
	return r.mutate(userID, func(e *UserEntry) error {
		if len(e.Containers) >= r.quota {
			return hivehost.ErrQuotaExceeded
		}
		for _, existing := range e.Containers {
			if existing.BotID == rec.BotID {
				return fmt.Errorf("bot %s already hosted: %w", rec.BotID, hivehost.ErrValidation)
			}
			if existing.ContainerID == rec.ContainerID {
				return fmt.Errorf("container %s already registered: %w", rec.ContainerID, hivehost.ErrValidation)
			}
		}
		e.Containers = append(e.Containers, rec)
		return nil
	})
}

// Replace overwrites the record currently stored under oldContainerID. The
// update workflow uses this to swap in a rebuilt container's id.
func (r *Registry) Replace(userID, oldContainerID string, rec Record) error {
	if err := r.validRAM(rec.RAM); err != nil {
		return err
	}
	return r.mutate(userID, func(e *UserEntry) error {
		for i, existing := range e.Containers {
			if existing.ContainerID == oldContainerID {
				e.Containers[i] = rec
				return nil
			}
		}
		return hivehost.ErrNotFound
	})
}

// SetStatus updates one record's status field.
func (r *Registry) SetStatus(userID, containerID, status string) error {
	return r.mutate(userID, func(e *UserEntry) error {
		for i := range e.Containers {
			if e.Containers[i].ContainerID == containerID {
				e.Containers[i].Status = status
				return nil
			}
		}
		return hivehost.ErrNotFound
	})
}

// SetRAM updates one record's RAM allocation and status. The new allocation
// must be within the registry's bounds.
func (r *Registry) SetRAM(userID, containerID string, ram int, status string) error {
	if err := r.validRAM(ram); err != nil {
		return err
	}
	return r.mutate(userID, func(e *UserEntry) error {
		for i := range e.Containers {
			if e.Containers[i].ContainerID == containerID {
				e.Containers[i].RAM = ram
				e.Containers[i].Status = status
				return nil
			}
		}
		return hivehost.ErrNotFound
	})
}

// Remove deletes one record. The backing container must already be gone.
func (r *Registry) Remove(userID, containerID string) error {
	return r.mutate(userID, func(e *UserEntry) error {
		for i := range e.Containers {
			if e.Containers[i].ContainerID == containerID {
				e.Containers = append(e.Containers[:i], e.Containers[i+1:]...)
				return nil
			}
		}
		return hivehost.ErrNotFound
	})
}

// SetLanguage stores the user's display-language preference.
func (r *Registry) SetLanguage(userID, lang string) error {
	return r.mutate(userID, func(e *UserEntry) error {
		e.Language = lang
		return nil
	})
}

// UserLanguage returns the user's display-language preference, or "" if unset.
func (r *Registry) UserLanguage(userID string) (string, error) {
	entry, err := r.store.GetUser(userID)
	if err != nil {
		return "", err
	}
	return entry.Language, nil
}

// All returns every user's records, keyed by user id. Used by the status
// monitor sweep.
func (r *Registry) All() (map[string][]Record, error) {
	users, err := r.store.Users()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Record, len(users))
	for _, u := range users {
		recs, err := r.Containers(u)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			out[u] = recs
		}
	}
	return out, nil
}
