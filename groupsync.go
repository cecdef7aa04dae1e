// Package groupsync synchronizes end-to-end encrypted group conversations
// against a relay server. It layers commit coordination, Welcome
// processing, an epoch sync gate, key package lifecycle, and reinstall
// recovery on top of a pluggable group cryptography engine.
package groupsync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupsync/keys"
	"github.com/opd-ai/groupsync/keystore"
	"github.com/opd-ai/groupsync/mls"
	"github.com/opd-ai/groupsync/mls/suite"
	"github.com/opd-ai/groupsync/storage"
	"github.com/opd-ai/groupsync/transport"
)

// storageKeyLabel domain-separates the database encryption key derived
// from the signing seed.
const storageKeyLabel = "groupsync storage key v1"

// Client is the top-level handle. One Client serves one identity on one
// device; all methods are safe for concurrent use.
type Client struct {
	cred  mls.Credential
	mctx  *mls.Context
	store *storage.Store
	trans transport.Transport

	keys        *keys.Manager
	gate        *EpochSyncGate
	coordinator *CommitCoordinator
	welcome     *WelcomeProcessor
	recovery    *RecoveryCoordinator
	events      *EventBus

	sendCache *sendCache

	poolTarget    int
	poolThreshold int
}

// New opens (or initializes) the local state for opts.Identity and wires
// the synchronization components together. The signing seed is loaded
// from the keystore, or generated and saved on first run; the group
// database is encrypted with a key derived from that seed.
func New(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.withDefaults()

	ks := opts.Keystore
	if ks == nil {
		var err error
		ks, err = keystore.NewFileKeystore(opts.DataDir, opts.MasterPassword)
		if err != nil {
			return nil, fmt.Errorf("open keystore: %w", err)
		}
	}
	seed, err := loadOrCreateSeed(ks)
	if err != nil {
		return nil, err
	}
	sigPriv := ed25519.NewKeyFromSeed(seed[:])

	device := opts.Device
	if device == "" {
		device, err = loadOrCreateDevice(opts.DataDir)
		if err != nil {
			return nil, err
		}
	}
	cred := mls.NewCredential(sigPriv, opts.Identity, device)

	encKey := deriveStorageKey(seed)
	store, err := storage.Open(opts.DataDir, encKey[:])
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	engine := opts.Engine
	if engine == nil {
		engine, err = suite.New()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("init cipher suite: %w", err)
		}
	}

	identity := cred.DisplayID()
	loader := func(ctx context.Context, groupID []byte) ([]byte, error) {
		data, err := store.LoadGroup(ctx, identity, mls.GroupIDKey(groupID))
		if errors.Is(err, storage.ErrNotFound) {
			return nil, mls.ErrGroupNotFound
		}
		return data, err
	}
	mctx := mls.NewContext(engine, cred, sigPriv, loader)

	events := NewEventBus()
	km := keys.NewManager(engine, store, opts.Transport, cred, sigPriv)
	gate := newEpochSyncGate(store, opts.Transport, events, identity, opts.EpochPollInterval, opts.EpochPollTimeout)
	coordinator := newCommitCoordinator(mctx, store, opts.Transport, gate, identity)

	sc, err := newSendCache()
	if err != nil {
		store.Close()
		return nil, err
	}
	seen, err := newSeenCache()
	if err != nil {
		store.Close()
		return nil, err
	}
	welcome, err := newWelcomeProcessor(mctx, km, store, gate, events, identity, sc, seen)
	if err != nil {
		store.Close()
		return nil, err
	}
	recovery := newRecoveryCoordinator(km, store, opts.Transport, gate, events, welcome, identity,
		opts.WelcomePollInterval, opts.WelcomePollTimeout)

	c := &Client{
		cred:          cred,
		mctx:          mctx,
		store:         store,
		trans:         opts.Transport,
		keys:          km,
		gate:          gate,
		coordinator:   coordinator,
		welcome:       welcome,
		recovery:      recovery,
		events:        events,
		sendCache:     sc,
		poolTarget:    opts.PoolTarget,
		poolThreshold: opts.PoolThreshold,
	}
	if c.poolTarget <= 0 {
		c.poolTarget = keys.DefaultPoolTarget
	}
	if c.poolThreshold <= 0 {
		c.poolThreshold = keys.DefaultPoolThreshold
	}

	// Desync during Welcome processing feeds straight back into recovery:
	// the rejoin runs in the background so the failing ProcessWelcome call
	// can return its error without waiting on the server round trips.
	welcome.onDesync = func(convoID string) {
		logrus.WithFields(logrus.Fields{
			"function": "onDesync",
			"convo_id": convoID,
		}).Warn("Key package desync, starting rejoin")
		go func() {
			if err := recovery.Rejoin(context.Background(), convoID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "onDesync",
					"convo_id": convoID,
					"error":    err.Error(),
				}).Error("Automatic rejoin failed")
			}
		}()
	}

	ctx := context.Background()
	if err := gate.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := km.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"identity": identity,
	}).Info("Client initialized")
	return c, nil
}

func loadOrCreateSeed(ks keystore.Keystore) ([32]byte, error) {
	var seed [32]byte
	got, err := ks.Get()
	if err == nil {
		return *got, nil
	}
	if !errors.Is(err, keystore.ErrNoKey) {
		return seed, fmt.Errorf("load signing seed: %w", err)
	}
	if _, err := rand.Read(seed[:]); err != nil {
		return seed, fmt.Errorf("generate signing seed: %w", err)
	}
	if err := ks.Save(seed); err != nil {
		return seed, fmt.Errorf("save signing seed: %w", err)
	}
	return seed, nil
}

// loadOrCreateDevice reads the persisted device suffix, generating a
// random one on first run. The suffix lives next to the database, so a
// wiped install gets a fresh suffix while restarts keep the old one.
func loadOrCreateDevice(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "device")
	if raw, err := os.ReadFile(path); err == nil {
		device := strings.TrimSpace(string(raw))
		if device != "" {
			return device, nil
		}
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate device suffix: %w", err)
	}
	device := hex.EncodeToString(buf[:])
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(device+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist device suffix: %w", err)
	}
	return device, nil
}

func deriveStorageKey(seed [32]byte) [32]byte {
	h := sha256.New()
	h.Write(seed[:])
	h.Write([]byte(storageKeyLabel))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Identity returns the device-qualified identity this client operates as.
func (c *Client) Identity() string { return c.cred.DisplayID() }

// Events returns the client's event bus for subscription.
func (c *Client) Events() *EventBus { return c.events }

// ConversationState returns the conversation's gate state, or "" if the
// conversation is unknown.
func (c *Client) ConversationState(convoID string) string { return c.gate.State(convoID) }

// Close releases the local database. The client must not be used after
// Close.
func (c *Client) Close() error { return c.store.Close() }

// CreateGroup registers a conversation on the server for the listed bare
// identities, creates the local one-member group at epoch 0, and marks
// the conversation active. Members besides the creator are admitted later
// via AddMembers.
func (c *Client) CreateGroup(ctx context.Context, members []string) (string, error) {
	self := bareIdentity(c.cred.DisplayID())
	all := make([]string, 0, len(members)+1)
	all = append(all, self)
	for _, m := range members {
		if m != self {
			all = append(all, m)
		}
	}

	convoID, err := c.trans.CreateConversation(ctx, all)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	groupID := []byte(convoID)

	gs, err := c.mctx.Engine().CreateGroup(groupID, c.cred, c.mctx.SigningKey())
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	data, err := gs.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize group: %w", err)
	}
	if err := c.store.SaveGroup(ctx, c.cred.DisplayID(), mls.GroupIDKey(groupID), uint64(gs.Epoch()), data); err != nil {
		return "", fmt.Errorf("persist group: %w", err)
	}
	c.mctx.Register(gs)

	if err := c.gate.MarkActive(ctx, convoID, mls.GroupIDKey(groupID)); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"convo_id": convoID,
		"members":  len(all),
	}).Info("Conversation created")
	return convoID, nil
}

// AddMembers claims one published key package per identity and commits
// the additions. The conversation is gated until the server acknowledges
// the new epoch.
func (c *Client) AddMembers(ctx context.Context, convoID string, identities []string) error {
	if len(identities) == 0 {
		return fmt.Errorf("add members: no identities given")
	}
	claimed, err := c.trans.ClaimKeyPackages(ctx, identities)
	if err != nil {
		return fmt.Errorf("claim key packages: %w", err)
	}

	kps := make([]mls.KeyPackage, 0, len(identities))
	for _, id := range identities {
		raw, ok := claimed[id]
		if !ok {
			return fmt.Errorf("add members: no key package claimed for %s", id)
		}
		kp, err := mls.DecodeKeyPackage(raw)
		if err != nil {
			return fmt.Errorf("decode key package for %s: %w", id, err)
		}
		kps = append(kps, kp)
	}
	return c.coordinator.AddMembers(ctx, convoID, kps)
}

// RemoveMembers commits the removal of the listed bare identities.
func (c *Client) RemoveMembers(ctx context.Context, convoID string, identities []string) error {
	return c.coordinator.RemoveMembers(ctx, convoID, identities)
}

// SendMessage encrypts plaintext for the conversation's current epoch and
// relays it. The wire bytes are cached against their plaintext before the
// send, so the client's own ciphertext echoed back by the server is never
// decrypted. Fails with ErrConversationNotReady while the conversation is
// not active.
func (c *Client) SendMessage(ctx context.Context, convoID string, plaintext []byte) (uint64, error) {
	if err := c.gate.EnsureActive(convoID); err != nil {
		return 0, err
	}
	groupID := []byte(convoID)

	var wire []byte
	err := c.mctx.WithGroup(ctx, groupID, func(gs mls.GroupState) error {
		var perr error
		wire, perr = gs.Protect(plaintext)
		return perr
	})
	if err != nil {
		return 0, fmt.Errorf("protect message: %w", err)
	}

	if err := c.sendCache.Put(groupID, wire, plaintext); err != nil {
		return 0, err
	}
	seq, err := c.trans.SendMessage(ctx, convoID, wire)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return seq, nil
}

// SyncMessages fetches relayed messages after sinceSeq and decrypts them.
// Own messages come back from the send cache; stale-epoch messages and
// duplicates are skipped.
func (c *Client) SyncMessages(ctx context.Context, convoID string, sinceSeq uint64) ([]IncomingMessage, error) {
	msgs, err := c.trans.FetchMessages(ctx, convoID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return c.welcome.ProcessIncoming(ctx, convoID, msgs)
}

// ProcessWelcome consumes a Welcome payload delivered out of band and
// returns the joined conversation's ID. Idempotent under redelivery.
func (c *Client) ProcessWelcome(ctx context.Context, welcomeBytes []byte) (string, error) {
	return c.welcome.ProcessWelcome(ctx, welcomeBytes)
}

// FetchWelcome polls the server once for a pending Welcome addressed to
// this device and processes it. Returns transport.ErrNoWelcome when none
// is pending.
func (c *Client) FetchWelcome(ctx context.Context, convoID string) (string, error) {
	welcomeBytes, err := c.trans.GetWelcome(ctx, convoID, c.cred.DisplayID())
	if err != nil {
		return "", err
	}
	return c.welcome.ProcessWelcome(ctx, welcomeBytes)
}

// ProcessCommit applies a commit authored by another member.
func (c *Client) ProcessCommit(ctx context.Context, convoID string, commitBytes []byte) error {
	return c.welcome.ProcessCommitMessage(ctx, convoID, commitBytes)
}

// SyncCommits fetches the commits other members merged since the local
// epoch and applies them in order, bringing this member up to the
// server's epoch. Returns the number of commits applied, and
// mls.ErrRemovedFromGroup when one of them removed this member.
func (c *Client) SyncCommits(ctx context.Context, convoID string) (int, error) {
	groupID := []byte(convoID)
	var localEpoch uint64
	err := c.mctx.WithGroup(ctx, groupID, func(gs mls.GroupState) error {
		localEpoch = uint64(gs.Epoch())
		return nil
	})
	if err != nil {
		return 0, err
	}

	commits, err := c.trans.FetchCommits(ctx, convoID, localEpoch)
	if err != nil {
		return 0, fmt.Errorf("fetch commits: %w", err)
	}
	applied := 0
	for _, commit := range commits {
		if err := c.welcome.ProcessCommitMessage(ctx, convoID, commit); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// EnsureKeyPackages tops up this identity's server-side key package pool
// when it has fallen below the threshold.
func (c *Client) EnsureKeyPackages(ctx context.Context) error {
	return c.keys.EnsurePool(ctx, c.poolTarget, c.poolThreshold)
}

// DetectAndRecover checks whether this install lost its group database
// and, if so, rejoins every conversation the server still expects this
// identity in. Returns the recovered conversation IDs.
func (c *Client) DetectAndRecover(ctx context.Context) ([]string, error) {
	return c.recovery.DetectAndRecover(ctx)
}

// ServiceRejoinRequests answers pending rejoin requests for a
// conversation this client is an active member of, admitting each
// requester with a fresh commit and Welcome. Returns the number of
// requests serviced.
func (c *Client) ServiceRejoinRequests(ctx context.Context, convoID string) (int, error) {
	reqs, err := c.trans.FetchRejoinRequests(ctx, convoID)
	if err != nil {
		return 0, fmt.Errorf("fetch rejoin requests: %w", err)
	}
	serviced := 0
	for _, req := range reqs {
		kp, err := mls.DecodeKeyPackage(req.KeyPackage)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "ServiceRejoinRequests",
				"convo_id":   convoID,
				"request_id": req.ID,
				"error":      err.Error(),
			}).Warn("Skipping rejoin request with bad key package")
			continue
		}
		if err := c.coordinator.AddMembers(ctx, convoID, []mls.KeyPackage{kp}); err != nil {
			return serviced, fmt.Errorf("admit rejoin %s: %w", req.ID, err)
		}
		serviced++
	}
	return serviced, nil
}
