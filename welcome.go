package groupsync

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupsync/keys"
	"github.com/opd-ai/groupsync/mls"
	"github.com/opd-ai/groupsync/storage"
	"github.com/opd-ai/groupsync/transport"
)

// IncomingMessage is one decrypted (or send-cache-served) message from a
// sync batch.
type IncomingMessage struct {
	Seq       uint64
	Plaintext []byte
	// Own is true when the message was authored by this client and the
	// plaintext came from the send cache rather than decryption.
	Own bool
}

// WelcomeProcessor consumes inbound Welcomes and inbound message batches.
// Welcome processing is idempotent under at-least-once delivery: a
// payload hash cache and a durable processed-welcome index both map back
// to the joined group, and the group object itself is re-verified live
// before a cache hit short-circuits.
type WelcomeProcessor struct {
	mctx     *mls.Context
	keys     *keys.Manager
	store    *storage.Store
	gate     *EpochSyncGate
	events   *EventBus
	identity string

	sendCache *sendCache
	seen      *seenCache
	dedup     *lru.Cache[string, string]

	// onDesync is invoked when a Welcome cannot be consumed because the
	// private bundle is gone; it starts the recovery flow.
	onDesync func(convoID string)

	ownRef []byte
}

func newWelcomeProcessor(mctx *mls.Context, km *keys.Manager, store *storage.Store, gate *EpochSyncGate, events *EventBus, identity string, sc *sendCache, seen *seenCache) (*WelcomeProcessor, error) {
	dedup, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	ownRef, err := mctx.Credential().Ref()
	if err != nil {
		return nil, err
	}
	return &WelcomeProcessor{
		mctx:      mctx,
		keys:      km,
		store:     store,
		gate:      gate,
		events:    events,
		identity:  identity,
		sendCache: sc,
		seen:      seen,
		dedup:     dedup,
		ownRef:    ownRef,
	}, nil
}

func welcomeHash(welcomeBytes []byte) (string, error) {
	mh, err := multihash.Sum(welcomeBytes, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash welcome: %w", err)
	}
	return mh.B58String(), nil
}

// ProcessWelcome consumes one Welcome payload and returns the
// conversation ID of the joined group. Delivering the same payload twice
// returns the same ID and performs at most one underlying join.
func (p *WelcomeProcessor) ProcessWelcome(ctx context.Context, welcomeBytes []byte) (string, error) {
	hash, err := welcomeHash(welcomeBytes)
	if err != nil {
		return "", err
	}

	// Dedup cache first, then the durable index; both only count if the
	// group object is actually live (or loadable) right now.
	if groupKey, ok := p.dedup.Get(hash); ok {
		if convoID, ok := p.liveGroup(ctx, groupKey); ok {
			logrus.WithFields(logrus.Fields{
				"function": "ProcessWelcome",
				"convo_id": convoID,
			}).Debug("Duplicate welcome ignored")
			return convoID, nil
		}
	}
	if groupKey, err := p.store.ProcessedWelcomeGroup(ctx, hash); err == nil {
		if convoID, ok := p.liveGroup(ctx, groupKey); ok {
			p.dedup.Add(hash, groupKey)
			return convoID, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("check welcome index: %w", err)
	}

	return p.join(ctx, hash, welcomeBytes)
}

// liveGroup implements the read-check / unlocked-load phases: a cache hit
// is honored only when the group object exists in the live map or can be
// loaded from storage. Loading happens with no map lock held.
func (p *WelcomeProcessor) liveGroup(ctx context.Context, groupKey string) (string, bool) {
	groupID, err := hex.DecodeString(groupKey)
	if err != nil {
		return "", false
	}
	if p.mctx.Contains(groupID) {
		return string(groupID), true
	}
	// Not live: try the durable load. WithGroup registers the loaded
	// object under the write lock only after the read completes.
	err = p.mctx.WithGroup(ctx, groupID, func(mls.GroupState) error { return nil })
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "liveGroup",
			"group_id": groupKey,
			"error":    err.Error(),
		}).Warn("Cached welcome result not loadable, reprocessing")
		return "", false
	}
	return string(groupID), true
}

// join performs the full Welcome consumption path.
func (p *WelcomeProcessor) join(ctx context.Context, hash string, welcomeBytes []byte) (string, error) {
	w, err := mls.DecodeWelcome(welcomeBytes)
	if err != nil {
		return "", err
	}
	convoID := string(w.GroupID)
	groupKey := mls.GroupIDKey(w.GroupID)

	refs := make([][]byte, 0, len(w.Secrets))
	for i := range w.Secrets {
		refs = append(refs, w.Secrets[i].RecipientRef)
	}

	bundle, err := p.keys.AnyBundleFor(ctx, refs)
	if errors.Is(err, keys.ErrBundleNotFound) {
		desync := &mls.KeyPackageDesyncError{ConversationID: convoID, Refs: refs}
		logrus.WithFields(logrus.Fields{
			"function": "join",
			"convo_id": convoID,
			"refs":     len(refs),
		}).Error("Welcome references no cached key package bundle")
		if p.onDesync != nil {
			p.onDesync(convoID)
		}
		return "", fmt.Errorf("%w: %w", ErrRejoinRequired, desync)
	}
	if err != nil {
		return "", fmt.Errorf("look up bundle: %w", err)
	}

	gs, err := p.mctx.Engine().JoinFromWelcome(welcomeBytes, bundle, p.mctx.Credential(), p.mctx.SigningKey())
	if err != nil {
		return "", fmt.Errorf("join from welcome: %w", err)
	}

	data, err := gs.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize joined group: %w", err)
	}
	if err := p.store.SaveGroup(ctx, p.identity, groupKey, uint64(gs.Epoch()), data); err != nil {
		return "", fmt.Errorf("persist joined group: %w", err)
	}
	p.mctx.Register(gs)

	if err := p.keys.Consume(ctx, bundle.Ref); err != nil {
		return "", err
	}
	if _, err := p.store.MarkWelcomeProcessed(ctx, hash, groupKey); err != nil {
		return "", fmt.Errorf("record processed welcome: %w", err)
	}
	p.dedup.Add(hash, groupKey)

	// The Welcome's epoch is the server's epoch; the joiner starts in
	// sync.
	if err := p.gate.MarkActive(ctx, convoID, groupKey); err != nil {
		return "", err
	}
	p.events.emitWelcome(WelcomeEvent{ConvoID: convoID})

	logrus.WithFields(logrus.Fields{
		"function": "join",
		"convo_id": convoID,
		"epoch":    gs.Epoch(),
		"members":  len(gs.Members()),
	}).Info("Joined group from welcome")
	return convoID, nil
}

// ProcessIncoming decrypts a batch of relayed messages. Own messages are
// served from the send cache and never decrypted; messages at a stale
// epoch are skipped with a warning; duplicates are dropped. Processing
// always continues with the rest of the batch.
func (p *WelcomeProcessor) ProcessIncoming(ctx context.Context, convoID string, msgs []transport.InboundMessage) ([]IncomingMessage, error) {
	groupID := []byte(convoID)
	var out []IncomingMessage

	for _, msg := range msgs {
		_, _, senderRef, err := mls.PeekMessage(msg.Payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ProcessIncoming",
				"convo_id": convoID,
				"seq":      msg.Seq,
				"error":    err.Error(),
			}).Warn("Skipping undecodable message")
			continue
		}

		if string(senderRef) == string(p.ownRef) {
			if pt, ok := p.sendCache.Get(groupID, msg.Payload); ok {
				out = append(out, IncomingMessage{Seq: msg.Seq, Plaintext: pt, Own: true})
			} else {
				logrus.WithFields(logrus.Fields{
					"function": "ProcessIncoming",
					"convo_id": convoID,
					"seq":      msg.Seq,
				}).Warn("Own message missing from send cache, skipping")
			}
			continue
		}

		dup, err := p.seen.Contains(groupID, msg.Payload)
		if err != nil {
			return nil, err
		}
		if dup {
			continue
		}

		var pt []byte
		err = p.mctx.WithGroup(ctx, groupID, func(gs mls.GroupState) error {
			var uerr error
			pt, uerr = gs.Unprotect(msg.Payload)
			return uerr
		})
		if err != nil {
			var em *mls.EpochMismatchError
			if errors.As(err, &em) {
				logrus.WithFields(logrus.Fields{
					"function":      "ProcessIncoming",
					"convo_id":      convoID,
					"seq":           msg.Seq,
					"message_epoch": em.MessageEpoch,
					"group_epoch":   em.GroupEpoch,
				}).Warn("Skipping message at mismatched epoch")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "ProcessIncoming",
				"convo_id": convoID,
				"seq":      msg.Seq,
				"error":    err.Error(),
			}).Warn("Skipping undecryptable message")
			continue
		}
		if err := p.seen.Record(groupID, msg.Payload); err != nil {
			return nil, err
		}
		out = append(out, IncomingMessage{Seq: msg.Seq, Plaintext: pt})
	}
	return out, nil
}

// ProcessCommitMessage applies an inbound commit from another member and
// persists the advanced group state.
func (p *WelcomeProcessor) ProcessCommitMessage(ctx context.Context, convoID string, commitBytes []byte) error {
	groupID := []byte(convoID)
	removed := false

	err := p.mctx.WithGroup(ctx, groupID, func(gs mls.GroupState) error {
		if err := gs.ProcessCommit(commitBytes); err != nil {
			if errors.Is(err, mls.ErrRemovedFromGroup) {
				removed = true
				return nil
			}
			return err
		}
		data, err := gs.Serialize()
		if err != nil {
			return fmt.Errorf("serialize group: %w", err)
		}
		return p.store.SaveGroup(ctx, p.identity, mls.GroupIDKey(groupID), uint64(gs.Epoch()), data)
	})
	if err != nil {
		return err
	}

	if removed {
		p.mctx.Remove(groupID)
		if err := p.store.DeleteGroup(ctx, p.identity, mls.GroupIDKey(groupID)); err != nil {
			return fmt.Errorf("purge removed group: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "ProcessCommitMessage",
			"convo_id": convoID,
		}).Info("Removed from group by commit")
		return mls.ErrRemovedFromGroup
	}
	return nil
}
