// Package registry tracks which identities are online and the connection
// handle that currently represents each of them.
//
// The registry keeps two mappings, id -> Identity and Identity -> Handle,
// updated together under one lock so no reader ever observes one without the
// other. An Identity is keyed by its id alone; the username is carried data.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/metrics"
	"github.com/cyberinferno/chatrelay/protocol"
)

var (
	// ErrDuplicateIdentity is returned when the id already has a live handle.
	ErrDuplicateIdentity = errors.New("identity already connected")
	// ErrNotFound is returned by Lookup for an id that is not online.
	ErrNotFound = errors.New("identity not found")
)

// Identity is an authenticated chat participant. Two identities with the
// same ID are the same participant.
type Identity struct {
	ID       int
	Username string
}

// Handle is the live connection representing an identity.
type Handle interface {
	WriteLines(lines ...string) error
	IsClosed() bool
}

// BroadcastResult summarizes one presence broadcast.
type BroadcastResult struct {
	Delivered int
	Failed    int
	Pruned    int
}

// Registry is the process-wide routing table. The zero value is not usable;
// construct with New.
type Registry struct {
	log     logger.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	identities map[int]Identity
	handles    map[int]Handle
}

// New returns an empty Registry.
//
// Parameters:
//   - log: Logger for pruning and delivery failures; nil means discard
//   - m: Metrics to update; nil disables
//
// Returns:
//   - A Registry safe for concurrent use
func New(log logger.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = logger.Nop()
	}

	return &Registry{
		log:        log,
		metrics:    m,
		identities: make(map[int]Identity),
		handles:    make(map[int]Handle),
	}
}

// Register inserts both mappings for id. A previous handle for the same id
// that has already closed is replaced.
//
// Parameters:
//   - id: The authenticated identity
//   - h: Its live connection
//
// Returns:
//   - nil, or an error wrapping ErrDuplicateIdentity if id has a live handle
func (r *Registry) Register(id Identity, h Handle) error {
	if h == nil {
		return fmt.Errorf("register identity %d: nil handle", id.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.handles[id.ID]; ok && !current.IsClosed() {
		return fmt.Errorf("register identity %d: %w", id.ID, ErrDuplicateIdentity)
	}

	r.identities[id.ID] = id
	r.handles[id.ID] = h
	r.metrics.SetConnectedClients(len(r.handles))
	return nil
}

// Lookup returns the handle currently representing id.
//
// Returns:
//   - The handle, or ErrNotFound
func (r *Registry) Lookup(id int) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]
	if !ok {
		return nil, ErrNotFound
	}

	return h, nil
}

// Identity returns the identity registered under id.
func (r *Registry) Identity(id int) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.identities[id]
	return identity, ok
}

// Remove deletes both mappings for id. Removing an absent id is a no-op.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(id)
}

// RemoveHandle deletes id only while h is still the handle registered for
// it, so a stale connection's teardown never evicts a newer session.
//
// Returns:
//   - true if the mappings were removed
func (r *Registry) RemoveHandle(id int, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.handles[id]; !ok || current != h {
		return false
	}

	r.removeLocked(id)
	return true
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handles)
}

// Identities returns the online identities ordered by id.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Identity, 0, len(r.identities))
	for _, identity := range r.identities {
		out = append(out, identity)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BroadcastPresence sends USER_CONNECTED for newcomer to every other
// registered handle. Handles found closed are pruned instead of written.
// Deliveries run in parallel; a failing or panicking recipient only counts
// as Failed.
//
// Parameters:
//   - newcomer: The identity that just authenticated
//
// Returns:
//   - Counts of delivered, failed and pruned recipients
func (r *Registry) BroadcastPresence(newcomer Identity) BroadcastResult {
	type recipient struct {
		id     int
		handle Handle
	}

	var result BroadcastResult
	var recipients []recipient

	r.mu.Lock()
	for id, h := range r.handles {
		if id == newcomer.ID {
			continue
		}

		if h.IsClosed() {
			r.removeLocked(id)
			result.Pruned++
			continue
		}

		recipients = append(recipients, recipient{id: id, handle: h})
	}
	r.mu.Unlock()

	r.metrics.HandlesPruned(result.Pruned)
	if result.Pruned > 0 {
		r.log.Debug("pruned closed handles during presence broadcast", logger.F("pruned", result.Pruned))
	}

	frame := protocol.UserConnected(newcomer.ID, newcomer.Username)
	var delivered, failed atomic.Int32
	var g errgroup.Group
	for _, rc := range recipients {
		rc := rc
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic delivering presence: %v", p)
				}

				if err != nil {
					failed.Add(1)
					r.log.Warn("presence delivery failed", logger.F("recipient_id", rc.id), logger.Err(err))
					return
				}

				delivered.Add(1)
			}()

			return rc.handle.WriteLines(frame...)
		})
	}

	// Failures are counted above; the group error carries nothing more.
	_ = g.Wait()

	result.Delivered = int(delivered.Load())
	result.Failed = int(failed.Load())
	return result
}

// removeLocked deletes both mappings; caller holds r.mu.
func (r *Registry) removeLocked(id int) {
	delete(r.identities, id)
	delete(r.handles, id)
	r.metrics.SetConnectedClients(len(r.handles))
}
