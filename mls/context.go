package mls

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the serialized state for a group from durable storage.
// It returns ErrGroupNotFound when no state exists for the group.
type Loader func(ctx context.Context, groupID []byte) ([]byte, error)

// groupEntry pairs a live group with its own mutex so operations on
// different groups never contend with each other.
type groupEntry struct {
	mu    sync.Mutex
	state GroupState
}

// Context is the single owned registry of live group state. Exactly one
// Context exists per client; every component receives it by injection.
//
// The registry map is guarded by an RWMutex and no storage or network I/O
// ever happens under it. A group not yet in the map is loaded through
// singleflight, so concurrent deliveries for the same group trigger at
// most one durable load.
type Context struct {
	engine  Engine
	cred    Credential
	sigPriv ed25519.PrivateKey
	loader  Loader

	mu     sync.RWMutex
	groups map[string]*groupEntry

	loads singleflight.Group
}

// NewContext creates the registry for one credential. loader may be nil
// for tests that register groups directly.
func NewContext(engine Engine, cred Credential, sigPriv ed25519.PrivateKey, loader Loader) *Context {
	return &Context{
		engine:  engine,
		cred:    cred,
		sigPriv: sigPriv,
		loader:  loader,
		groups:  make(map[string]*groupEntry),
	}
}

// Engine returns the engine this context creates groups with.
func (c *Context) Engine() Engine { return c.engine }

// Credential returns the local credential.
func (c *Context) Credential() Credential { return c.cred }

// SigningKey returns the local signature private key.
func (c *Context) SigningKey() ed25519.PrivateKey { return c.sigPriv }

// Register inserts a live group into the registry, replacing any previous
// entry for the same ID.
func (c *Context) Register(gs GroupState) {
	key := GroupIDKey(gs.ID())

	c.mu.Lock()
	c.groups[key] = &groupEntry{state: gs}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"group_id": key,
		"epoch":    gs.Epoch(),
	}).Debug("Group registered")
}

// Remove drops a group from the registry. Durable state is untouched.
func (c *Context) Remove(groupID []byte) {
	key := GroupIDKey(groupID)
	c.mu.Lock()
	delete(c.groups, key)
	c.mu.Unlock()
}

// Contains reports whether the group is live in the registry, without
// triggering a load.
func (c *Context) Contains(groupID []byte) bool {
	c.mu.RLock()
	_, ok := c.groups[GroupIDKey(groupID)]
	c.mu.RUnlock()
	return ok
}

// GroupIDs returns the IDs of all live groups.
func (c *Context) GroupIDs() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([][]byte, 0, len(c.groups))
	for _, e := range c.groups {
		ids = append(ids, e.state.ID())
	}
	return ids
}

// WithGroup runs fn with exclusive access to the group's state, loading it
// from durable storage first if it is not live. The per-group mutex is
// held for the duration of fn; the registry lock is not.
func (c *Context) WithGroup(ctx context.Context, groupID []byte, fn func(GroupState) error) error {
	entry, err := c.entry(ctx, groupID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.state)
}

// entry returns the live entry for the group, performing at most one
// concurrent durable load per group.
func (c *Context) entry(ctx context.Context, groupID []byte) (*groupEntry, error) {
	key := GroupIDKey(groupID)

	c.mu.RLock()
	entry, ok := c.groups[key]
	c.mu.RUnlock()
	if ok {
		return entry, nil
	}

	if c.loader == nil {
		return nil, ErrGroupNotFound
	}

	// Loading happens outside every lock. singleflight collapses
	// concurrent loads of the same group into one storage read.
	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		// Re-check: another caller may have registered the group
		// between our read miss and the flight starting.
		c.mu.RLock()
		entry, ok := c.groups[key]
		c.mu.RUnlock()
		if ok {
			return entry, nil
		}

		data, err := c.loader(ctx, groupID)
		if err != nil {
			return nil, err
		}
		gs, err := c.engine.LoadGroup(data, c.cred, c.sigPriv)
		if err != nil {
			return nil, fmt.Errorf("load group %s: %w", key, err)
		}

		entry = &groupEntry{state: gs}
		c.mu.Lock()
		if existing, ok := c.groups[key]; ok {
			entry = existing
		} else {
			c.groups[key] = entry
		}
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "entry",
			"group_id": key,
			"epoch":    gs.Epoch(),
		}).Debug("Group loaded from storage")
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*groupEntry), nil
}
