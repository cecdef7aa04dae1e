package mls

import "crypto/ed25519"

// CommitOutput is the result of merging a staged commit: the serialized
// commit and Welcome ready for transport, and the state of the group after
// the merge. WelcomeBytes is empty when the commit added nobody.
type CommitOutput struct {
	CommitBytes  []byte
	WelcomeBytes []byte
	NewEpoch     Epoch
	MemberCount  int
}

// GroupState is a live group held by the engine. Implementations are not
// safe for concurrent use; Context serializes access per group.
type GroupState interface {
	// ID returns the opaque group identifier.
	ID() []byte

	// Epoch returns the current epoch. It advances only through Merge or
	// ProcessCommit, by exactly one each time.
	Epoch() Epoch

	// Members returns the current roster.
	Members() []Credential

	// HasPendingCommit reports whether a staged commit is awaiting Merge.
	HasPendingCommit() bool

	// StageAdd stages the addition of one key package into the pending
	// commit. The roster and epoch are unchanged until Merge.
	StageAdd(kp KeyPackage) error

	// StageRemove stages the removal of one current member.
	StageRemove(cred Credential) error

	// Merge applies the pending commit: advances the epoch, updates the
	// roster, and seals the Welcome for any members the commit added.
	// Welcome secrets exist only in Merge's output; serializing a Welcome
	// any earlier yields zero secrets and fails EncodeWelcome.
	Merge() (*CommitOutput, error)

	// ClearPendingCommit discards the staged commit without applying it.
	ClearPendingCommit()

	// ProcessCommit applies a commit received from another member,
	// advancing this group to the sender's new epoch. Returns
	// ErrRemovedFromGroup when the commit removed the local member.
	ProcessCommit(commit []byte) error

	// Protect encrypts an application message under the current epoch's
	// sender key and returns the framed wire bytes.
	Protect(plaintext []byte) ([]byte, error)

	// Unprotect decrypts a framed message. It returns an
	// *EpochMismatchError without touching key material when the message
	// epoch disagrees with the group epoch, and ErrSecretReuse when the
	// sender is the local member.
	Unprotect(wire []byte) ([]byte, error)

	// Serialize returns an opaque durable encoding of the full group
	// state, excluding any staged commit.
	Serialize() ([]byte, error)
}

// Engine creates and restores group state. It is a black box to the
// synchronization layer: everything above this interface is orchestration.
type Engine interface {
	// NewKeyPackageBundle generates a fresh single-use key package for
	// the credential, signed with sigPriv, together with the private
	// material needed to later join from a Welcome that references it.
	NewKeyPackageBundle(cred Credential, sigPriv ed25519.PrivateKey) (*KeyPackageBundle, error)

	// CreateGroup creates a new one-member group at epoch 0.
	CreateGroup(groupID []byte, cred Credential, sigPriv ed25519.PrivateKey) (GroupState, error)

	// JoinFromWelcome consumes a Welcome using the private bundle whose
	// reference the Welcome names and returns the joined group.
	JoinFromWelcome(welcomeBytes []byte, bundle *KeyPackageBundle, cred Credential, sigPriv ed25519.PrivateKey) (GroupState, error)

	// LoadGroup restores a group from bytes produced by Serialize.
	LoadGroup(data []byte, cred Credential, sigPriv ed25519.PrivateKey) (GroupState, error)
}
