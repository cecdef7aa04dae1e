package groupsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupsync/keys"
	"github.com/opd-ai/groupsync/mls"
	"github.com/opd-ai/groupsync/storage"
	"github.com/opd-ai/groupsync/transport"
)

// RecoveryCoordinator repairs the post-reinstall state: the signing key
// survived in the keystore but the group database is gone. It asks the
// server which conversations still expect this identity, submits a
// server-assisted rejoin for each, and waits for an active member to
// answer with a Welcome.
type RecoveryCoordinator struct {
	keys    *keys.Manager
	store   *storage.Store
	trans   transport.Transport
	gate    *EpochSyncGate
	events  *EventBus
	welcome *WelcomeProcessor

	identity     string
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func newRecoveryCoordinator(km *keys.Manager, store *storage.Store, trans transport.Transport, gate *EpochSyncGate, events *EventBus, welcome *WelcomeProcessor, identity string, pollInterval, pollTimeout time.Duration) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		keys:         km,
		store:        store,
		trans:        trans,
		gate:         gate,
		events:       events,
		welcome:      welcome,
		identity:     identity,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// bareIdentity strips the device suffix from a display identity. The
// server tracks membership per bare identity so a reinstalled device with
// a new suffix is still recognized.
func bareIdentity(identity string) string {
	if i := strings.IndexByte(identity, '#'); i >= 0 {
		return identity[:i]
	}
	return identity
}

// NeedsRecovery reports whether this looks like a reinstall: no local
// group state, but the server still expects this identity in at least one
// conversation.
func (r *RecoveryCoordinator) NeedsRecovery(ctx context.Context) (bool, error) {
	has, err := r.store.HasGroups(ctx, r.identity)
	if err != nil {
		return false, fmt.Errorf("check local groups: %w", err)
	}
	if has {
		return false, nil
	}
	expected, err := r.trans.GetExpectedConversations(ctx, bareIdentity(r.identity))
	if err != nil {
		return false, fmt.Errorf("query expected conversations: %w", err)
	}
	return len(expected) > 0, nil
}

// DetectAndRecover checks for a reinstall and, when one is detected,
// rejoins every conversation the server still expects. It returns the
// conversation IDs that were recovered. Conversations whose rejoin fails
// are marked failed and skipped; the rest of the recovery continues.
func (r *RecoveryCoordinator) DetectAndRecover(ctx context.Context) ([]string, error) {
	needed, err := r.NeedsRecovery(ctx)
	if err != nil {
		return nil, err
	}
	if !needed {
		return nil, nil
	}

	expected, err := r.trans.GetExpectedConversations(ctx, bareIdentity(r.identity))
	if err != nil {
		return nil, fmt.Errorf("query expected conversations: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "DetectAndRecover",
		"conversations": len(expected),
	}).Info("Reinstall detected, starting recovery")

	var recovered []string
	var firstErr error
	for _, convoID := range expected {
		if err := r.Rejoin(ctx, convoID); err != nil {
			if ctx.Err() != nil {
				return recovered, ctx.Err()
			}
			logrus.WithFields(logrus.Fields{
				"function": "DetectAndRecover",
				"convo_id": convoID,
				"error":    err.Error(),
			}).Error("Rejoin failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		recovered = append(recovered, convoID)
	}
	return recovered, firstErr
}

// Rejoin submits a server-assisted rejoin for one conversation: publish a
// fresh key package as an external rejoin request, then wait for an
// active member to admit this device with a Welcome.
func (r *RecoveryCoordinator) Rejoin(ctx context.Context, convoID string) error {
	groupKey := mls.GroupIDKey([]byte(convoID))

	bundle, err := r.keys.CreateKeyPackage(ctx)
	if err != nil {
		return fmt.Errorf("create rejoin key package: %w", err)
	}
	kpBytes, err := mls.EncodeKeyPackage(bundle.KeyPackage)
	if err != nil {
		return fmt.Errorf("encode rejoin key package: %w", err)
	}

	reqID, err := r.trans.RequestRejoin(ctx, convoID, kpBytes)
	if err != nil {
		return fmt.Errorf("request rejoin: %w", err)
	}
	if err := r.gate.Begin(ctx, convoID, groupKey); err != nil {
		return err
	}
	r.events.emitRejoin(RejoinEvent{ConvoID: convoID, RequestID: reqID})

	logrus.WithFields(logrus.Fields{
		"function":   "Rejoin",
		"convo_id":   convoID,
		"request_id": reqID,
	}).Info("Rejoin request submitted")

	welcomeBytes, err := r.awaitWelcome(ctx, convoID)
	if err != nil {
		if gerr := r.gate.MarkFailed(ctx, convoID, groupKey, err); gerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Rejoin",
				"convo_id": convoID,
				"error":    gerr.Error(),
			}).Error("Failed to record rejoin failure")
		}
		return err
	}

	if _, err := r.welcome.ProcessWelcome(ctx, welcomeBytes); err != nil {
		if gerr := r.gate.MarkFailed(ctx, convoID, groupKey, err); gerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Rejoin",
				"convo_id": convoID,
				"error":    gerr.Error(),
			}).Error("Failed to record rejoin failure")
		}
		return fmt.Errorf("process rejoin welcome: %w", err)
	}
	return nil
}

// awaitWelcome polls the server for the Welcome answering a rejoin
// request until it arrives or the poll timeout elapses.
func (r *RecoveryCoordinator) awaitWelcome(ctx context.Context, convoID string) ([]byte, error) {
	deadline := time.Now().Add(r.pollTimeout)
	for {
		welcomeBytes, err := r.trans.GetWelcome(ctx, convoID, r.identity)
		if err == nil {
			return welcomeBytes, nil
		}
		if !errors.Is(err, transport.ErrNoWelcome) {
			return nil, fmt.Errorf("fetch rejoin welcome: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no welcome for %s within %s: %w",
				convoID, r.pollTimeout, transport.ErrNoWelcome)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}
