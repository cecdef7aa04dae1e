package groupsync

import (
	"errors"
	"fmt"
)

// ErrConversationNotReady is returned by SendMessage while a conversation
// is still initializing (the server has not yet acknowledged the local
// epoch) or after it has failed. The user-visible rendering is "still
// starting up".
var ErrConversationNotReady = errors.New("conversation not ready")

// ErrRejoinRequired is the user-visible form of a key package desync: the
// device cannot consume a Welcome and must go through recovery.
var ErrRejoinRequired = errors.New("rejoin required")

// MemberSyncError reports a commit the server rejected after the local
// merge already happened. Local state is retained; the conversation is
// marked failed and recovery rejoin is the repair path.
type MemberSyncError struct {
	ConvoID string
	Err     error
}

func (e *MemberSyncError) Error() string {
	return fmt.Sprintf("member sync failed for conversation %s: %v", e.ConvoID, e.Err)
}

func (e *MemberSyncError) Unwrap() error { return e.Err }
