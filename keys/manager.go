// Package keys manages the key package lifecycle: generation, the
// in-process private-material cache, the durable mirror, and server pool
// replenishment. A bundle's private key must be retrievable when the
// matching Welcome arrives, possibly after a restart; losing it is the
// desync condition the recovery flow repairs.
package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/groupsync/mls"
	"github.com/opd-ai/groupsync/storage"
	"github.com/opd-ai/groupsync/transport"
)

// Default pool parameters, overridable per call.
const (
	DefaultPoolTarget    = 50
	DefaultPoolThreshold = 10
)

// generateConcurrency bounds parallel bundle generation during
// replenishment.
const generateConcurrency = 4

// ErrBundleNotFound means no private material exists for a key package
// reference, in memory or durably.
var ErrBundleNotFound = errors.New("keys: no bundle for reference")

// Manager owns all key package bundles for one credential.
type Manager struct {
	engine  mls.Engine
	store   *storage.Store
	trans   transport.Transport
	cred    mls.Credential
	sigPriv ed25519.PrivateKey

	mu      sync.RWMutex
	bundles map[string]*mls.KeyPackageBundle
}

// NewManager creates the manager. Call Load to warm the cache from
// durable storage after a restart.
func NewManager(engine mls.Engine, store *storage.Store, trans transport.Transport, cred mls.Credential, sigPriv ed25519.PrivateKey) *Manager {
	return &Manager{
		engine:  engine,
		store:   store,
		trans:   trans,
		cred:    cred,
		sigPriv: sigPriv,
		bundles: make(map[string]*mls.KeyPackageBundle),
	}
}

// Load warms the in-memory cache with every unconsumed bundle on disk.
func (m *Manager) Load(ctx context.Context) error {
	refs, err := m.store.AvailableBundleRefs(ctx, m.cred.DisplayID())
	if err != nil {
		return fmt.Errorf("list bundles: %w", err)
	}

	loaded := 0
	for _, ref := range refs {
		blob, err := m.store.LoadBundle(ctx, ref)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"ref":      ref,
				"error":    err.Error(),
			}).Warn("Skipping unreadable bundle")
			continue
		}
		var b mls.KeyPackageBundle
		if err := json.Unmarshal(blob, &b); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"ref":      ref,
				"error":    err.Error(),
			}).Warn("Skipping corrupt bundle")
			continue
		}
		m.mu.Lock()
		m.bundles[ref] = &b
		m.mu.Unlock()
		loaded++
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"identity": m.cred.DisplayID(),
		"loaded":   loaded,
	}).Info("Key package bundles loaded")
	return nil
}

// CreateKeyPackage generates one bundle. The private material is cached in
// memory and mirrored to durable storage before the bundle is returned, so
// it exists everywhere before any copy of the public package leaves this
// process.
func (m *Manager) CreateKeyPackage(ctx context.Context) (*mls.KeyPackageBundle, error) {
	bundle, err := m.engine.NewKeyPackageBundle(m.cred, m.sigPriv)
	if err != nil {
		return nil, fmt.Errorf("generate bundle: %w", err)
	}
	key := bundle.RefKey()

	m.mu.Lock()
	m.bundles[key] = bundle
	m.mu.Unlock()

	blob, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	if err := m.store.SaveBundle(ctx, m.cred.DisplayID(), key, blob); err != nil {
		return nil, fmt.Errorf("persist bundle: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateKeyPackage",
		"identity": m.cred.DisplayID(),
		"ref":      key,
	}).Debug("Key package created")
	return bundle, nil
}

// Bundle returns the private bundle for a key package reference, falling
// back to durable storage when the in-memory cache misses (e.g. after a
// restart). ErrBundleNotFound means this device never created the
// package, or lost it.
func (m *Manager) Bundle(ctx context.Context, ref []byte) (*mls.KeyPackageBundle, error) {
	key := hex.EncodeToString(ref)

	m.mu.RLock()
	b, ok := m.bundles[key]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}

	blob, err := m.store.LoadBundle(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	var bundle mls.KeyPackageBundle
	if err := json.Unmarshal(blob, &bundle); err != nil {
		return nil, fmt.Errorf("unmarshal bundle: %w", err)
	}

	m.mu.Lock()
	m.bundles[key] = &bundle
	m.mu.Unlock()
	return &bundle, nil
}

// AnyBundleFor returns the first cached bundle matching one of the refs a
// Welcome offers, or ErrBundleNotFound.
func (m *Manager) AnyBundleFor(ctx context.Context, refs [][]byte) (*mls.KeyPackageBundle, error) {
	for _, ref := range refs {
		b, err := m.Bundle(ctx, ref)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrBundleNotFound) {
			return nil, err
		}
	}
	return nil, ErrBundleNotFound
}

// Consume marks a bundle as used by a completed join. The bundle stays
// loadable so a redelivered Welcome resolves to the same join instead of
// failing.
func (m *Manager) Consume(ctx context.Context, ref []byte) error {
	key := hex.EncodeToString(ref)
	if err := m.store.MarkBundleConsumed(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("mark bundle consumed: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Consume",
		"ref":      key,
	}).Debug("Key package bundle consumed")
	return nil
}

// EnsurePool tops up the server-side pool to target when it has dropped
// below threshold. Generation runs concurrently but every bundle is cached
// and persisted before its public package is uploaded; cancellation
// between steps leaves the pool accounting consistent because uploads are
// idempotent.
func (m *Manager) EnsurePool(ctx context.Context, target, threshold int) error {
	stats, err := m.trans.GetKeyPackageStats(ctx, string(m.cred.Identity))
	if err != nil {
		return fmt.Errorf("query pool stats: %w", err)
	}
	if stats.Available >= threshold {
		return nil
	}
	need := target - stats.Available
	if need <= 0 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":  "EnsurePool",
		"identity":  m.cred.DisplayID(),
		"available": stats.Available,
		"threshold": threshold,
		"target":    target,
		"need":      need,
	}).Info("Replenishing key package pool")

	packages := make([][]byte, need)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(generateConcurrency)
	for i := 0; i < need; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bundle, err := m.CreateKeyPackage(gctx)
			if err != nil {
				return err
			}
			raw, err := mls.EncodeKeyPackage(bundle.KeyPackage)
			if err != nil {
				return err
			}
			packages[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("generate bundles: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.trans.PublishKeyPackages(ctx, string(m.cred.Identity), packages); err != nil {
		return fmt.Errorf("upload key packages: %w", err)
	}
	return nil
}

// CachedCount returns the number of bundles in the in-memory cache.
func (m *Manager) CachedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bundles)
}
