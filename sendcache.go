package groupsync

import (
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/multiformats/go-multihash"
)

// cacheSize bounds the send cache and the decrypt dedup index. Both are
// per-process guards; durability across restarts comes from the epoch and
// sequence checks, not from these caches.
const cacheSize = 4096

// payloadKey returns the stable content hash used to key both caches.
func payloadKey(groupID []byte, payload []byte) (string, error) {
	mh, err := multihash.Sum(payload, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return hex.EncodeToString(groupID) + "/" + mh.B58String(), nil
}

// sendCache maps the wire bytes of messages this client sent to their
// plaintext, so the client's own ciphertext is never fed back into the
// decrypt path.
type sendCache struct {
	cache *lru.Cache[string, []byte]
}

func newSendCache() (*sendCache, error) {
	c, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &sendCache{cache: c}, nil
}

func (s *sendCache) Put(groupID, wire, plaintext []byte) error {
	key, err := payloadKey(groupID, wire)
	if err != nil {
		return err
	}
	s.cache.Add(key, append([]byte(nil), plaintext...))
	return nil
}

func (s *sendCache) Get(groupID, wire []byte) ([]byte, bool) {
	key, err := payloadKey(groupID, wire)
	if err != nil {
		return nil, false
	}
	return s.cache.Get(key)
}

// seenCache deduplicates processed messages by (group id, ciphertext
// hash) so at-least-once delivery never decrypts the same inbound
// message twice. Only successfully processed payloads are recorded: a
// message skipped for an epoch mismatch must stay eligible for
// redelivery after the receiver catches up.
type seenCache struct {
	cache *lru.Cache[string, struct{}]
}

func newSeenCache() (*seenCache, error) {
	c, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}
	return &seenCache{cache: c}, nil
}

// Contains reports whether the payload was already processed.
func (s *seenCache) Contains(groupID, wire []byte) (bool, error) {
	key, err := payloadKey(groupID, wire)
	if err != nil {
		return false, err
	}
	_, present := s.cache.Get(key)
	return present, nil
}

// Record marks the payload as processed.
func (s *seenCache) Record(groupID, wire []byte) error {
	key, err := payloadKey(groupID, wire)
	if err != nil {
		return err
	}
	s.cache.Add(key, struct{}{})
	return nil
}
