package groupsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupsync/mls"
	"github.com/opd-ai/groupsync/storage"
	"github.com/opd-ai/groupsync/transport"
)

// CommitCoordinator orchestrates membership changes. The order is fixed:
// validate input, stage, merge locally, persist, and only then hand the
// commit and Welcome to the transport. Serializing a Welcome before the
// merge would yield zero secrets, which the encoder and the server both
// reject.
type CommitCoordinator struct {
	mctx     *mls.Context
	store    *storage.Store
	trans    transport.Transport
	gate     *EpochSyncGate
	identity string

	mu       sync.Mutex
	inflight map[string]bool
}

func newCommitCoordinator(mctx *mls.Context, store *storage.Store, trans transport.Transport, gate *EpochSyncGate, identity string) *CommitCoordinator {
	return &CommitCoordinator{
		mctx:     mctx,
		store:    store,
		trans:    trans,
		gate:     gate,
		identity: identity,
		inflight: make(map[string]bool),
	}
}

// acquire claims the single in-flight commit slot for a conversation. The
// slot is held through the server round trip, not just the local merge,
// because a second commit staged before the server acknowledges the first
// would be rejected as an epoch mismatch anyway.
func (c *CommitCoordinator) acquire(convoID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[convoID] {
		return fmt.Errorf("conversation %s: %w", convoID, mls.ErrCommitInFlight)
	}
	c.inflight[convoID] = true
	return nil
}

func (c *CommitCoordinator) release(convoID string) {
	c.mu.Lock()
	delete(c.inflight, convoID)
	c.mu.Unlock()
}

// AddMembers adds the given key packages to the conversation's group and
// distributes the resulting commit and Welcome.
func (c *CommitCoordinator) AddMembers(ctx context.Context, convoID string, kps []mls.KeyPackage) error {
	if len(kps) == 0 {
		return fmt.Errorf("add members: no key packages given")
	}
	if err := rejectDuplicates(kps); err != nil {
		return err
	}
	if err := c.acquire(convoID); err != nil {
		return err
	}
	defer c.release(convoID)

	groupID := []byte(convoID)
	var out *mls.CommitOutput
	err := c.mctx.WithGroup(ctx, groupID, func(gs mls.GroupState) error {
		if gs.HasPendingCommit() {
			return fmt.Errorf("conversation %s: %w", convoID, mls.ErrCommitInFlight)
		}
		before := len(gs.Members())

		for _, kp := range kps {
			if err := gs.StageAdd(kp); err != nil {
				gs.ClearPendingCommit()
				return fmt.Errorf("stage add: %w", err)
			}
		}

		merged, err := gs.Merge()
		if err != nil {
			gs.ClearPendingCommit()
			return fmt.Errorf("merge commit: %w", err)
		}
		if merged.MemberCount != before+len(kps) {
			countErr := &mls.MemberCountError{
				GroupID:  groupID,
				Before:   before,
				After:    merged.MemberCount,
				Expected: before + len(kps),
			}
			logrus.WithFields(logrus.Fields{
				"function":  "AddMembers",
				"convo_id":  convoID,
				"before":    before,
				"after":     merged.MemberCount,
				"expected":  before + len(kps),
				"new_epoch": merged.NewEpoch,
			}).Error("Member count mismatch after merge")
			return countErr
		}

		if err := c.persist(ctx, gs); err != nil {
			return err
		}
		out = merged
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "AddMembers",
		"convo_id":  convoID,
		"added":     len(kps),
		"new_epoch": out.NewEpoch,
	}).Info("Commit merged locally")

	return c.submit(ctx, convoID, out)
}

// RemoveMembers removes every member whose bare identity appears in
// identities and distributes the resulting commit.
func (c *CommitCoordinator) RemoveMembers(ctx context.Context, convoID string, identities []string) error {
	if len(identities) == 0 {
		return fmt.Errorf("remove members: no identities given")
	}
	if err := c.acquire(convoID); err != nil {
		return err
	}
	defer c.release(convoID)

	want := make(map[string]bool, len(identities))
	for _, id := range identities {
		want[id] = true
	}

	groupID := []byte(convoID)
	var out *mls.CommitOutput
	err := c.mctx.WithGroup(ctx, groupID, func(gs mls.GroupState) error {
		if gs.HasPendingCommit() {
			return fmt.Errorf("conversation %s: %w", convoID, mls.ErrCommitInFlight)
		}

		staged := 0
		for _, cred := range gs.Members() {
			if !want[string(cred.Identity)] {
				continue
			}
			if err := gs.StageRemove(cred); err != nil {
				gs.ClearPendingCommit()
				return fmt.Errorf("stage remove: %w", err)
			}
			staged++
		}
		if staged == 0 {
			return fmt.Errorf("remove members: none of %v are members of %s", identities, convoID)
		}

		merged, err := gs.Merge()
		if err != nil {
			gs.ClearPendingCommit()
			return fmt.Errorf("merge commit: %w", err)
		}
		if err := c.persist(ctx, gs); err != nil {
			return err
		}
		out = merged
		return nil
	})
	if err != nil {
		return err
	}

	return c.submit(ctx, convoID, out)
}

// persist writes the group's serialized state. Called with the group lock
// held; the group-state map lock is not.
func (c *CommitCoordinator) persist(ctx context.Context, gs mls.GroupState) error {
	data, err := gs.Serialize()
	if err != nil {
		return fmt.Errorf("serialize group: %w", err)
	}
	if err := c.store.SaveGroup(ctx, c.identity, mls.GroupIDKey(gs.ID()), uint64(gs.Epoch()), data); err != nil {
		return fmt.Errorf("persist group: %w", err)
	}
	return nil
}

// submit hands an already-merged commit to the server and gates the
// conversation on the server's epoch catching up. A server rejection
// after the local merge has no clean compensating action: the
// conversation is marked failed with the sync error, local state is
// retained, and recovery rejoin is the repair path.
func (c *CommitCoordinator) submit(ctx context.Context, convoID string, out *mls.CommitOutput) error {
	groupKey := mls.GroupIDKey([]byte(convoID))

	if err := c.gate.Begin(ctx, convoID, groupKey); err != nil {
		return err
	}

	serverEpoch, err := c.trans.AddMembers(ctx, convoID, out.CommitBytes, out.WelcomeBytes)
	if err != nil {
		syncErr := &MemberSyncError{ConvoID: convoID, Err: err}
		if gerr := c.gate.MarkFailed(ctx, convoID, groupKey, syncErr); gerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "submit",
				"convo_id": convoID,
				"error":    gerr.Error(),
			}).Error("Failed to record conversation failure")
		}
		return syncErr
	}

	if serverEpoch == uint64(out.NewEpoch) {
		return c.gate.MarkActive(ctx, convoID, groupKey)
	}
	if err := c.gate.AwaitServerEpoch(ctx, convoID, groupKey, uint64(out.NewEpoch)); err != nil {
		syncErr := &MemberSyncError{ConvoID: convoID, Err: err}
		if gerr := c.gate.MarkFailed(ctx, convoID, groupKey, syncErr); gerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "submit",
				"convo_id": convoID,
				"error":    gerr.Error(),
			}).Error("Failed to record conversation failure")
		}
		return syncErr
	}
	return nil
}

// rejectDuplicates fails when two key packages carry the same credential.
// Duplicates mean the upstream fetch is broken; silently deduplicating
// would hide that.
func rejectDuplicates(kps []mls.KeyPackage) error {
	for i := range kps {
		for j := i + 1; j < len(kps); j++ {
			if kps[i].Credential.Equal(kps[j].Credential) {
				logrus.WithFields(logrus.Fields{
					"function":   "rejectDuplicates",
					"credential": kps[i].Credential.DisplayID(),
					"first":      i,
					"duplicate":  j,
				}).Error("Duplicate key package in add input")
				return &mls.DuplicateKeyPackageError{Credential: kps[j].Credential, Index: j}
			}
		}
	}
	return nil
}
