// Package devserver is an in-memory messaging server for development and
// end-to-end tests. It enforces the same contracts the production server
// does: commits must name the server's current epoch, Welcomes must carry
// secrets, and messages encrypted at a stale epoch are rejected.
//
// Server implements transport.Transport directly for in-process use and
// exposes the same operations over HTTP via Router.
package devserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupsync/mls"
	"github.com/opd-ai/groupsync/transport"
)

// serverThreshold is the pool level below which GetKeyPackageStats advises
// clients to replenish.
const serverThreshold = 10

type conversation struct {
	id       string
	epoch    uint64
	members  map[string]bool   // bare identities
	welcomes map[string][]byte // device-qualified identity -> welcome bytes
	commits  [][]byte          // commits[n] advanced the conversation to epoch n+1
	messages []transport.InboundMessage
	rejoins  []transport.RejoinRequest
}

// Server holds all state behind one mutex; contention is irrelevant at
// dev-server scale.
type Server struct {
	mu            sync.Mutex
	conversations map[string]*conversation
	keyPackages   map[string][][]byte // bare identity -> available packages
	published     map[string]bool     // package hash, for idempotent uploads
}

// New returns an empty server.
func New() *Server {
	return &Server{
		conversations: make(map[string]*conversation),
		keyPackages:   make(map[string][][]byte),
		published:     make(map[string]bool),
	}
}

func newID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read is documented never to fail.
		panic(err)
	}
	return hex.EncodeToString(b)
}

// bareIdentity strips the device suffix from a device-qualified identity.
func bareIdentity(identity string) string {
	if i := strings.IndexByte(identity, '#'); i >= 0 {
		return identity[:i]
	}
	return identity
}

// CreateConversation registers a conversation at epoch 0.
func (s *Server) CreateConversation(_ context.Context, members []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &conversation{
		id:       newID(),
		members:  make(map[string]bool),
		welcomes: make(map[string][]byte),
	}
	for _, m := range members {
		c.members[bareIdentity(m)] = true
	}
	s.conversations[c.id] = c

	logrus.WithFields(logrus.Fields{
		"function": "CreateConversation",
		"convo_id": c.id,
		"members":  len(members),
	}).Info("Conversation created")
	return c.id, nil
}

// AddMembers applies a commit to the server's bookkeeping. The commit must
// name the server's current epoch; an attached Welcome must decode and
// carry secrets, or the whole submission is rejected on behalf of the
// recipients.
func (s *Server) AddMembers(_ context.Context, convoID string, commitBytes, welcomeBytes []byte) (uint64, error) {
	commit, err := mls.DecodeCommit(commitBytes)
	if err != nil {
		return 0, fmt.Errorf("decode commit: %w", err)
	}

	var welcome *mls.Welcome
	if len(welcomeBytes) > 0 {
		welcome, err = mls.DecodeWelcome(welcomeBytes)
		if err != nil {
			// A Welcome with no secrets can never be consumed by the
			// recipients; reject the commit outright.
			return 0, fmt.Errorf("reject welcome: %w", err)
		}
	}
	if len(commit.Adds) > 0 && welcome == nil {
		return 0, fmt.Errorf("commit adds %d members but carries no welcome", len(commit.Adds))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convoID]
	if !ok {
		return 0, fmt.Errorf("conversation %s: not found", convoID)
	}
	if uint64(commit.PrevEpoch) != c.epoch {
		logrus.WithFields(logrus.Fields{
			"function":     "AddMembers",
			"convo_id":     convoID,
			"commit_epoch": commit.PrevEpoch,
			"server_epoch": c.epoch,
		}).Warn("Commit rejected: epoch mismatch")
		return 0, fmt.Errorf("commit at epoch %d, server at %d: %w",
			commit.PrevEpoch, c.epoch, transport.ErrEpochRejected)
	}

	added := make(map[string]bool, len(commit.Adds))
	for _, kp := range commit.Adds {
		c.members[string(kp.Credential.Identity)] = true
		c.welcomes[kp.Credential.DisplayID()] = welcomeBytes
		added[kp.Credential.DisplayID()] = true
	}
	for _, rm := range commit.Removes {
		delete(c.members, string(rm.Identity))
	}
	if len(added) > 0 && len(c.rejoins) > 0 {
		kept := c.rejoins[:0]
		for _, req := range c.rejoins {
			if kp, err := mls.DecodeKeyPackage(req.KeyPackage); err == nil && added[kp.Credential.DisplayID()] {
				continue
			}
			kept = append(kept, req)
		}
		c.rejoins = kept
	}
	c.commits = append(c.commits, commitBytes)
	c.epoch++

	logrus.WithFields(logrus.Fields{
		"function":  "AddMembers",
		"convo_id":  convoID,
		"adds":      len(commit.Adds),
		"removes":   len(commit.Removes),
		"new_epoch": c.epoch,
	}).Info("Commit applied")
	return c.epoch, nil
}

// FetchCommits returns the commits that advanced the conversation past
// sinceEpoch, oldest first.
func (s *Server) FetchCommits(_ context.Context, convoID string, sinceEpoch uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convoID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: not found", convoID)
	}
	if sinceEpoch >= uint64(len(c.commits)) {
		return nil, nil
	}
	return append([][]byte(nil), c.commits[sinceEpoch:]...), nil
}

// GetWelcome returns the pending Welcome for a device-qualified identity.
func (s *Server) GetWelcome(_ context.Context, convoID, identity string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convoID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: not found", convoID)
	}
	w, ok := c.welcomes[identity]
	if !ok {
		return nil, transport.ErrNoWelcome
	}
	return w, nil
}

// GetExpectedConversations lists conversations where the bare identity is
// still a member.
func (s *Server) GetExpectedConversations(_ context.Context, identity string) ([]string, error) {
	bare := bareIdentity(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, c := range s.conversations {
		if c.members[bare] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PublishKeyPackages adds packages to the identity's pool. Duplicate
// uploads are ignored, keeping retries idempotent.
func (s *Server) PublishKeyPackages(_ context.Context, identity string, packages [][]byte) error {
	bare := bareIdentity(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, pkg := range packages {
		key := hex.EncodeToString(pkg)
		if s.published[key] {
			continue
		}
		s.published[key] = true
		s.keyPackages[bare] = append(s.keyPackages[bare], pkg)
		added++
	}

	logrus.WithFields(logrus.Fields{
		"function":  "PublishKeyPackages",
		"identity":  bare,
		"uploaded":  len(packages),
		"accepted":  added,
		"available": len(s.keyPackages[bare]),
	}).Debug("Key packages published")
	return nil
}

// GetKeyPackageStats reports the identity's pool.
func (s *Server) GetKeyPackageStats(_ context.Context, identity string) (*transport.KeyPackageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &transport.KeyPackageStats{
		Available: len(s.keyPackages[bareIdentity(identity)]),
		Threshold: serverThreshold,
	}, nil
}

// ClaimKeyPackages consumes one package per identity. Missing pools fail
// the whole claim; nothing is consumed in that case.
func (s *Server) ClaimKeyPackages(_ context.Context, identities []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range identities {
		if len(s.keyPackages[bareIdentity(id)]) == 0 {
			return nil, fmt.Errorf("no key package available for %s", id)
		}
	}
	out := make(map[string][]byte, len(identities))
	for _, id := range identities {
		bare := bareIdentity(id)
		pool := s.keyPackages[bare]
		out[id] = pool[0]
		s.keyPackages[bare] = pool[1:]
	}
	return out, nil
}

// RequestRejoin records an external rejoin request for later servicing by
// an active member. The requester's bare identity must still be a member.
func (s *Server) RequestRejoin(_ context.Context, convoID string, keyPackageBytes []byte) (string, error) {
	kp, err := mls.DecodeKeyPackage(keyPackageBytes)
	if err != nil {
		return "", fmt.Errorf("decode key package: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convoID]
	if !ok {
		return "", fmt.Errorf("conversation %s: not found", convoID)
	}
	if !c.members[string(kp.Credential.Identity)] {
		return "", fmt.Errorf("identity %s is not a member of %s", kp.Credential.DisplayID(), convoID)
	}

	req := transport.RejoinRequest{
		ID:         newID(),
		ConvoID:    convoID,
		KeyPackage: keyPackageBytes,
	}
	c.rejoins = append(c.rejoins, req)

	logrus.WithFields(logrus.Fields{
		"function":   "RequestRejoin",
		"convo_id":   convoID,
		"identity":   kp.Credential.DisplayID(),
		"request_id": req.ID,
	}).Info("Rejoin requested")
	return req.ID, nil
}

// FetchRejoinRequests lists pending rejoin requests.
func (s *Server) FetchRejoinRequests(_ context.Context, convoID string) ([]transport.RejoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convoID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: not found", convoID)
	}
	return append([]transport.RejoinRequest(nil), c.rejoins...), nil
}

// SendMessage relays one protected message after checking its epoch
// against the server's bookkeeping.
func (s *Server) SendMessage(_ context.Context, convoID string, payload []byte) (uint64, error) {
	_, epoch, _, err := mls.PeekMessage(payload)
	if err != nil {
		return 0, fmt.Errorf("peek message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convoID]
	if !ok {
		return 0, fmt.Errorf("conversation %s: not found", convoID)
	}
	if uint64(epoch) != c.epoch {
		return 0, fmt.Errorf("message at epoch %d, server at %d: %w",
			epoch, c.epoch, transport.ErrEpochRejected)
	}

	seq := uint64(len(c.messages) + 1)
	c.messages = append(c.messages, transport.InboundMessage{Seq: seq, Payload: payload})
	return seq, nil
}

// FetchMessages returns messages with sequence greater than sinceSeq.
func (s *Server) FetchMessages(_ context.Context, convoID string, sinceSeq uint64) ([]transport.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convoID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: not found", convoID)
	}
	var out []transport.InboundMessage
	for _, m := range c.messages {
		if m.Seq > sinceSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetConversationEpoch returns the server's epoch for the conversation.
func (s *Server) GetConversationEpoch(_ context.Context, convoID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convoID]
	if !ok {
		return 0, fmt.Errorf("conversation %s: not found", convoID)
	}
	return c.epoch, nil
}

var _ transport.Transport = (*Server)(nil)
