// Package transport defines the RPC boundary to the messaging server. The
// server is an opaque collaborator: it stores key packages, relays commits
// and Welcomes, tracks per-conversation epochs, and validates Welcomes on
// behalf of recipients. Implementations live in subpackages.
package transport

import (
	"context"
	"errors"
)

// ErrNoWelcome is returned by GetWelcome when the server holds no pending
// Welcome for the identity.
var ErrNoWelcome = errors.New("transport: no welcome available")

// ErrEpochRejected is returned when the server refuses a commit or message
// because its epoch bookkeeping disagrees with the client's.
var ErrEpochRejected = errors.New("transport: epoch rejected by server")

// KeyPackageStats reports the server-side key package pool for one
// identity.
type KeyPackageStats struct {
	Available int `json:"available"`
	Threshold int `json:"threshold"`
}

// InboundMessage is one relayed ciphertext with its server sequence.
type InboundMessage struct {
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

// RejoinRequest is a pending external rejoin: an identity that lost its
// local state asking to be re-admitted with a fresh key package.
type RejoinRequest struct {
	ID         string `json:"id"`
	ConvoID    string `json:"convo_id"`
	KeyPackage []byte `json:"key_package"`
}

// Transport is the client's view of the server.
type Transport interface {
	// CreateConversation registers a conversation for the listed member
	// identities and returns its ID.
	CreateConversation(ctx context.Context, members []string) (string, error)

	// AddMembers submits a merged commit, with its Welcome when members
	// were added, and returns the server's new epoch for the
	// conversation. The server rejects a Welcome with no secrets.
	AddMembers(ctx context.Context, convoID string, commitBytes, welcomeBytes []byte) (uint64, error)

	// FetchCommits returns the relayed commits that advanced the
	// conversation past sinceEpoch, oldest first. Existing members apply
	// these to follow epoch changes they did not author.
	FetchCommits(ctx context.Context, convoID string, sinceEpoch uint64) ([][]byte, error)

	// GetWelcome fetches the pending Welcome for identity, or
	// ErrNoWelcome.
	GetWelcome(ctx context.Context, convoID, identity string) ([]byte, error)

	// GetExpectedConversations lists the conversations the server still
	// considers identity a member of. Recovery uses this after a
	// reinstall.
	GetExpectedConversations(ctx context.Context, identity string) ([]string, error)

	// PublishKeyPackages uploads serialized key packages to the
	// identity's server-side pool. Re-uploading a package is idempotent.
	PublishKeyPackages(ctx context.Context, identity string, packages [][]byte) error

	// GetKeyPackageStats reports the identity's server-side pool.
	GetKeyPackageStats(ctx context.Context, identity string) (*KeyPackageStats, error)

	// ClaimKeyPackages consumes one published key package per listed
	// identity and returns them keyed by identity.
	ClaimKeyPackages(ctx context.Context, identities []string) (map[string][]byte, error)

	// RequestRejoin submits an external rejoin request carrying a fresh
	// key package and returns a request ID. Another member's device (or
	// the server, by policy) answers with a Welcome.
	RequestRejoin(ctx context.Context, convoID string, keyPackageBytes []byte) (string, error)

	// FetchRejoinRequests lists pending rejoin requests for a
	// conversation, so an active member can service them.
	FetchRejoinRequests(ctx context.Context, convoID string) ([]RejoinRequest, error)

	// SendMessage relays one protected message. The server rejects
	// messages whose epoch is behind its own bookkeeping.
	SendMessage(ctx context.Context, convoID string, payload []byte) (uint64, error)

	// FetchMessages returns relayed messages with sequence greater than
	// sinceSeq, in order.
	FetchMessages(ctx context.Context, convoID string, sinceSeq uint64) ([]InboundMessage, error)

	// GetConversationEpoch returns the server's current epoch for the
	// conversation. The sync gate compares this against the local epoch.
	GetConversationEpoch(ctx context.Context, convoID string) (uint64, error)
}
