package mls

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the synchronization layer.
var (
	// ErrGroupNotFound means no live or durable state exists for the group.
	ErrGroupNotFound = errors.New("mls: group not found")

	// ErrWelcomeNoSecrets is a protocol-contract failure: a Welcome was
	// serialized or received with zero sealed recipient entries. Under
	// merge-then-send this can only happen through a caller bug, never
	// through normal operation, so it is not retried.
	ErrWelcomeNoSecrets = errors.New("mls: welcome has no secrets")

	// ErrCommitInFlight means a second commit was attempted for a group
	// whose previous commit has not merged yet.
	ErrCommitInFlight = errors.New("mls: commit already in flight for group")

	// ErrSecretReuse means a caller asked the engine to decrypt a
	// ciphertext authored by the local identity. Own messages are served
	// from the send cache; re-decrypting them would reuse ratchet secrets.
	ErrSecretReuse = errors.New("mls: refusing to decrypt own ciphertext")

	// ErrRemovedFromGroup means an inbound commit removed the local member.
	ErrRemovedFromGroup = errors.New("mls: local member removed from group")
)

// EpochMismatchError reports a message whose epoch disagrees with the
// group's current epoch. Older epochs are expected under forward secrecy
// (their keys are gone) and are skipped, not fatal.
type EpochMismatchError struct {
	GroupID      []byte
	MessageEpoch Epoch
	GroupEpoch   Epoch
}

func (e *EpochMismatchError) Error() string {
	return fmt.Sprintf("mls: message epoch %d does not match group epoch %d (group %s)",
		e.MessageEpoch, e.GroupEpoch, GroupIDKey(e.GroupID))
}

// Stale reports whether the message predates the group's current epoch,
// i.e. its keys have been deleted by forward secrecy.
func (e *EpochMismatchError) Stale() bool { return e.MessageEpoch < e.GroupEpoch }

// DuplicateKeyPackageError reports duplicate credentials in the input to
// an add operation. Duplicates indicate an upstream fetch bug; the
// operation is rejected and the duplicates are logged, never silently
// deduplicated.
type DuplicateKeyPackageError struct {
	Credential Credential
	Index      int
}

func (e *DuplicateKeyPackageError) Error() string {
	return fmt.Sprintf("mls: duplicate key package for %s at index %d",
		e.Credential.DisplayID(), e.Index)
}

// KeyPackageDesyncError means a Welcome referenced a key package whose
// private bundle is not cached locally, typically after a reinstall or
// storage loss. The caller surfaces this as "rejoin required" and starts
// the recovery flow.
type KeyPackageDesyncError struct {
	ConversationID string
	Refs           [][]byte
}

func (e *KeyPackageDesyncError) Error() string {
	return fmt.Sprintf("mls: no cached key package bundle for welcome (conversation %q, %d refs offered)",
		e.ConversationID, len(e.Refs))
}

// MemberCountError reports a post-merge roster size that does not match
// the number of key packages added. It indicates engine misbehavior or
// corrupted state and always aborts the operation.
type MemberCountError struct {
	GroupID  []byte
	Before   int
	After    int
	Expected int
}

func (e *MemberCountError) Error() string {
	return fmt.Sprintf("mls: member count %d after merge, expected %d (was %d, group %s)",
		e.After, e.Expected, e.Before, GroupIDKey(e.GroupID))
}
