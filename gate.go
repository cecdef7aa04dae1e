package groupsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupsync/storage"
	"github.com/opd-ai/groupsync/transport"
)

// EpochSyncGate tracks the per-conversation state machine
// initializing -> active | failed. A conversation flips to active only
// when the server's acknowledged epoch equals the post-merge local epoch;
// until then outbound messages fail fast with ErrConversationNotReady.
type EpochSyncGate struct {
	store    *storage.Store
	trans    transport.Transport
	events   *EventBus
	identity string

	pollInterval time.Duration
	pollTimeout  time.Duration

	mu     sync.RWMutex
	states map[string]string
}

func newEpochSyncGate(store *storage.Store, trans transport.Transport, events *EventBus, identity string, pollInterval, pollTimeout time.Duration) *EpochSyncGate {
	return &EpochSyncGate{
		store:        store,
		trans:        trans,
		events:       events,
		identity:     identity,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		states:       make(map[string]string),
	}
}

// Load warms the in-memory state map from durable conversation records.
func (g *EpochSyncGate) Load(ctx context.Context) error {
	recs, err := g.store.ListConversations(ctx, g.identity)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	g.mu.Lock()
	for _, rec := range recs {
		g.states[rec.ConvoID] = rec.State
	}
	g.mu.Unlock()
	return nil
}

// State returns the conversation's current state, or "" if unknown.
func (g *EpochSyncGate) State(convoID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.states[convoID]
}

// EnsureActive fails fast unless the conversation is active.
func (g *EpochSyncGate) EnsureActive(convoID string) error {
	if g.State(convoID) != StateActive {
		return fmt.Errorf("conversation %s: %w", convoID, ErrConversationNotReady)
	}
	return nil
}

// Begin registers a conversation as initializing.
func (g *EpochSyncGate) Begin(ctx context.Context, convoID, groupID string) error {
	return g.setState(ctx, convoID, groupID, StateInitializing, nil)
}

// MarkActive transitions a conversation to active.
func (g *EpochSyncGate) MarkActive(ctx context.Context, convoID, groupID string) error {
	return g.setState(ctx, convoID, groupID, StateActive, nil)
}

// MarkFailed transitions a conversation to failed with a reason.
func (g *EpochSyncGate) MarkFailed(ctx context.Context, convoID, groupID string, reason error) error {
	return g.setState(ctx, convoID, groupID, StateFailed, reason)
}

// AwaitServerEpoch polls the server until its epoch for the conversation
// reaches localEpoch, then flips the conversation to active. It does not
// mark failure itself; the caller decides how a timeout is handled.
func (g *EpochSyncGate) AwaitServerEpoch(ctx context.Context, convoID, groupID string, localEpoch uint64) error {
	deadline := time.Now().Add(g.pollTimeout)
	for {
		serverEpoch, err := g.trans.GetConversationEpoch(ctx, convoID)
		if err != nil {
			return fmt.Errorf("query server epoch: %w", err)
		}
		if serverEpoch == localEpoch {
			return g.MarkActive(ctx, convoID, groupID)
		}
		if serverEpoch > localEpoch {
			return fmt.Errorf("server epoch %d ahead of local %d for %s",
				serverEpoch, localEpoch, convoID)
		}

		logrus.WithFields(logrus.Fields{
			"function":     "AwaitServerEpoch",
			"convo_id":     convoID,
			"local_epoch":  localEpoch,
			"server_epoch": serverEpoch,
		}).Debug("Waiting for server epoch")

		if time.Now().After(deadline) {
			return fmt.Errorf("server epoch %d did not reach %d within %s",
				serverEpoch, localEpoch, g.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}

func (g *EpochSyncGate) setState(ctx context.Context, convoID, groupID, state string, reason error) error {
	g.mu.Lock()
	from := g.states[convoID]
	g.states[convoID] = state
	g.mu.Unlock()

	failure := ""
	if reason != nil {
		failure = reason.Error()
	}
	rec := storage.ConversationRecord{
		ConvoID:  convoID,
		GroupID:  groupID,
		Identity: g.identity,
		State:    state,
		Failure:  failure,
	}
	if err := g.store.UpsertConversation(ctx, rec); err != nil {
		return fmt.Errorf("persist conversation state: %w", err)
	}

	if from != state {
		level := logrus.InfoLevel
		if state == StateFailed {
			level = logrus.ErrorLevel
		}
		logrus.WithFields(logrus.Fields{
			"function": "setState",
			"convo_id": convoID,
			"from":     from,
			"to":       state,
			"reason":   failure,
		}).Log(level, "Conversation state changed")

		g.events.emitState(ConversationStateEvent{
			ConvoID: convoID,
			From:    from,
			To:      state,
			Reason:  reason,
		})
	}
	return nil
}
