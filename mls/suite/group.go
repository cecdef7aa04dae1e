package suite

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"

	"github.com/opd-ai/groupsync/mls"
)

// Group is the live state of one group: roster, epoch chain, and the local
// member's leaf key. Not safe for concurrent use; mls.Context serializes
// access.
type Group struct {
	engine *Engine

	groupID     []byte
	epoch       mls.Epoch
	epochSecret []byte
	roster      []mls.RosterEntry

	cred     mls.Credential
	credRef  []byte
	sigPriv  ed25519.PrivateKey
	leafPriv []byte

	pending *pendingCommit
}

type pendingCommit struct {
	adds    []mls.KeyPackage
	removes []mls.Credential
}

// groupDurable is the JSON form written by Serialize. A staged commit is
// deliberately excluded: restarts discard pending state.
type groupDurable struct {
	GroupID     []byte            `json:"group_id"`
	Epoch       mls.Epoch         `json:"epoch"`
	EpochSecret []byte            `json:"epoch_secret"`
	Roster      []mls.RosterEntry `json:"roster"`
	LeafPriv    []byte            `json:"leaf_priv"`
}

func (g *Group) ID() []byte { return g.groupID }

func (g *Group) Epoch() mls.Epoch { return g.epoch }

func (g *Group) Members() []mls.Credential {
	out := make([]mls.Credential, len(g.roster))
	for i, re := range g.roster {
		out[i] = re.Credential
	}
	return out
}

func (g *Group) HasPendingCommit() bool { return g.pending != nil }

// StageAdd stages one key package into the pending commit. The key package
// signature is verified here; an add for a credential already in the
// roster or already staged is rejected.
func (g *Group) StageAdd(kp mls.KeyPackage) error {
	if err := kp.Verify(); err != nil {
		return err
	}
	for i := range g.roster {
		if g.roster[i].Credential.Equal(kp.Credential) {
			return &mls.DuplicateKeyPackageError{Credential: kp.Credential, Index: i}
		}
	}
	if g.pending == nil {
		g.pending = &pendingCommit{}
	}
	for i := range g.pending.adds {
		if g.pending.adds[i].Credential.Equal(kp.Credential) {
			return &mls.DuplicateKeyPackageError{Credential: kp.Credential, Index: i}
		}
	}
	g.pending.adds = append(g.pending.adds, kp)
	return nil
}

// StageRemove stages the removal of a current member.
func (g *Group) StageRemove(cred mls.Credential) error {
	found := false
	for i := range g.roster {
		if g.roster[i].Credential.Equal(cred) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("remove %s: not a member", cred.DisplayID())
	}
	if g.pending == nil {
		g.pending = &pendingCommit{}
	}
	g.pending.removes = append(g.pending.removes, cred)
	return nil
}

// Merge applies the pending commit. The epoch secret is ratcheted forward,
// the roster is updated, the next secret is HPKE-sealed to every surviving
// member in the commit and to every joiner in the Welcome. The Welcome's
// secrets exist only here, after the local state has already advanced.
func (g *Group) Merge() (*mls.CommitOutput, error) {
	if g.pending == nil {
		return nil, fmt.Errorf("group %s: no pending commit", mls.GroupIDKey(g.groupID))
	}
	p := g.pending

	commitSecret := make([]byte, secretSize)
	if _, err := rand.Read(commitSecret); err != nil {
		return nil, fmt.Errorf("generate commit secret: %w", err)
	}
	nextSecret := nextEpochSecret(g.epochSecret, commitSecret)
	nextEpoch := g.epoch + 1

	newRoster := make([]mls.RosterEntry, 0, len(g.roster)+len(p.adds))
	for _, re := range g.roster {
		removed := false
		for _, rm := range p.removes {
			if re.Credential.Equal(rm) {
				removed = true
				break
			}
		}
		if !removed {
			newRoster = append(newRoster, re)
		}
	}
	for _, kp := range p.adds {
		newRoster = append(newRoster, mls.RosterEntry{
			Credential: kp.Credential,
			InitKey:    kp.InitKey,
		})
	}

	secretsPayload, err := syntax.Marshal(mls.GroupSecrets{
		GroupID:     g.groupID,
		Epoch:       nextEpoch,
		EpochSecret: nextSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal group secrets: %w", err)
	}

	// Seal the next secret to every surviving member except ourselves.
	// Joiners are excluded; they get the Welcome instead.
	commit := &mls.Commit{
		GroupID:   g.groupID,
		PrevEpoch: g.epoch,
		Adds:      p.adds,
		Removes:   p.removes,
		SenderRef: g.credRef,
	}
	cInfo := commitInfo(g.groupID, nextEpoch)
	for _, re := range g.roster {
		if re.Credential.Equal(g.cred) {
			continue
		}
		removed := false
		for _, rm := range p.removes {
			if re.Credential.Equal(rm) {
				removed = true
				break
			}
		}
		if removed {
			continue
		}
		ref, err := re.Credential.Ref()
		if err != nil {
			return nil, err
		}
		enc, ct, err := g.engine.seal(re.InitKey, cInfo, secretsPayload)
		if err != nil {
			return nil, fmt.Errorf("seal commit secrets for %s: %w", re.Credential.DisplayID(), err)
		}
		commit.Secrets = append(commit.Secrets, mls.EncryptedGroupSecrets{
			RecipientRef: ref,
			KEMOutput:    enc,
			Ciphertext:   ct,
		})
	}
	if err := g.signCommit(commit); err != nil {
		return nil, err
	}
	commitBytes, err := mls.EncodeCommit(commit)
	if err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}

	var welcomeBytes []byte
	if len(p.adds) > 0 {
		welcomeBytes, err = g.sealWelcome(p.adds, nextEpoch, nextSecret, newRoster)
		if err != nil {
			return nil, err
		}
	}

	g.epoch = nextEpoch
	g.epochSecret = nextSecret
	g.roster = newRoster
	g.pending = nil

	return &mls.CommitOutput{
		CommitBytes:  commitBytes,
		WelcomeBytes: welcomeBytes,
		NewEpoch:     nextEpoch,
		MemberCount:  len(newRoster),
	}, nil
}

// sealWelcome builds the Welcome for the joiners of an already-applied
// commit: one sealed entry per added key package, plus the roster
// encrypted under the new epoch secret.
func (g *Group) sealWelcome(adds []mls.KeyPackage, epoch mls.Epoch, epochSecret []byte, roster []mls.RosterEntry) ([]byte, error) {
	secretsPayload, err := syntax.Marshal(mls.GroupSecrets{
		GroupID:     g.groupID,
		Epoch:       epoch,
		EpochSecret: epochSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal group secrets: %w", err)
	}

	w := &mls.Welcome{
		Version: mls.ProtocolVersion,
		Suite:   mls.SuiteX25519AES128GCM,
		GroupID: g.groupID,
		Epoch:   epoch,
	}
	wInfo := welcomeInfo(g.groupID, epoch)
	for _, kp := range adds {
		ref, err := kp.Ref()
		if err != nil {
			return nil, err
		}
		enc, ct, err := g.engine.seal(kp.InitKey, wInfo, secretsPayload)
		if err != nil {
			return nil, fmt.Errorf("seal welcome secrets for %s: %w", kp.Credential.DisplayID(), err)
		}
		w.Secrets = append(w.Secrets, mls.EncryptedGroupSecrets{
			RecipientRef: ref,
			KEMOutput:    enc,
			Ciphertext:   ct,
		})
	}

	infoRaw, err := syntax.Marshal(mls.GroupInfo{
		GroupID: g.groupID,
		Epoch:   epoch,
		Roster:  roster,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal group info: %w", err)
	}
	w.EncryptedGroupInfo, err = aesSeal(deriveKey(epochSecret, labelGroupInfo, messageKeySize), infoRaw)
	if err != nil {
		return nil, fmt.Errorf("encrypt group info: %w", err)
	}

	return mls.EncodeWelcome(w)
}

// ClearPendingCommit discards the staged commit.
func (g *Group) ClearPendingCommit() { g.pending = nil }

// ProcessCommit applies a commit from another member: verifies the sender
// and signature, opens our sealed secrets entry, and advances roster and
// epoch together.
func (g *Group) ProcessCommit(commitBytes []byte) error {
	c, err := mls.DecodeCommit(commitBytes)
	if err != nil {
		return err
	}
	if !bytes.Equal(c.GroupID, g.groupID) {
		return fmt.Errorf("commit for group %s applied to group %s",
			mls.GroupIDKey(c.GroupID), mls.GroupIDKey(g.groupID))
	}
	if c.PrevEpoch != g.epoch {
		return &mls.EpochMismatchError{GroupID: g.groupID, MessageEpoch: c.PrevEpoch, GroupEpoch: g.epoch}
	}

	sender, err := g.memberByRef(c.SenderRef)
	if err != nil {
		return fmt.Errorf("commit sender: %w", err)
	}
	if err := g.verifyCommit(c, sender.Credential); err != nil {
		return err
	}

	for _, rm := range c.Removes {
		if rm.Equal(g.cred) {
			g.roster = nil
			g.epochSecret = nil
			return mls.ErrRemovedFromGroup
		}
	}

	var entry *mls.EncryptedGroupSecrets
	for i := range c.Secrets {
		if bytes.Equal(c.Secrets[i].RecipientRef, g.credRef) {
			entry = &c.Secrets[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("commit carries no secrets entry for %s", g.cred.DisplayID())
	}
	raw, err := g.engine.open(g.leafPriv, entry.KEMOutput, commitInfo(g.groupID, c.PrevEpoch+1), entry.Ciphertext)
	if err != nil {
		return fmt.Errorf("open commit secrets: %w", err)
	}
	var secrets mls.GroupSecrets
	if _, err := syntax.Unmarshal(raw, &secrets); err != nil {
		return fmt.Errorf("unmarshal commit secrets: %w", err)
	}
	if secrets.Epoch != c.PrevEpoch+1 {
		return fmt.Errorf("commit secrets epoch %d, expected %d", secrets.Epoch, c.PrevEpoch+1)
	}

	newRoster := make([]mls.RosterEntry, 0, len(g.roster)+len(c.Adds))
	for _, re := range g.roster {
		removed := false
		for _, rm := range c.Removes {
			if re.Credential.Equal(rm) {
				removed = true
				break
			}
		}
		if !removed {
			newRoster = append(newRoster, re)
		}
	}
	for _, kp := range c.Adds {
		if err := kp.Verify(); err != nil {
			return err
		}
		newRoster = append(newRoster, mls.RosterEntry{Credential: kp.Credential, InitKey: kp.InitKey})
	}

	g.roster = newRoster
	g.epoch = secrets.Epoch
	g.epochSecret = secrets.EpochSecret
	g.pending = nil
	return nil
}

// Protect encrypts plaintext under this epoch's sender key.
func (g *Group) Protect(plaintext []byte) ([]byte, error) {
	key := messageKey(g.epochSecret, g.credRef)
	sealed, err := aesSeal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("protect message: %w", err)
	}
	return mls.EncodeMessage(&mls.Message{
		GroupID:    g.groupID,
		Epoch:      g.epoch,
		SenderRef:  g.credRef,
		Nonce:      sealed[:gcmNonceSize],
		Ciphertext: sealed[gcmNonceSize:],
	})
}

// Unprotect decrypts a framed message. Epoch and sender checks come
// before any key derivation.
func (g *Group) Unprotect(wire []byte) ([]byte, error) {
	m, err := mls.DecodeMessage(wire)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(m.GroupID, g.groupID) {
		return nil, fmt.Errorf("message for group %s handled by group %s",
			mls.GroupIDKey(m.GroupID), mls.GroupIDKey(g.groupID))
	}
	if m.Epoch != g.epoch {
		return nil, &mls.EpochMismatchError{GroupID: g.groupID, MessageEpoch: m.Epoch, GroupEpoch: g.epoch}
	}
	if bytes.Equal(m.SenderRef, g.credRef) {
		return nil, mls.ErrSecretReuse
	}
	if _, err := g.memberByRef(m.SenderRef); err != nil {
		return nil, fmt.Errorf("message sender: %w", err)
	}

	key := messageKey(g.epochSecret, m.SenderRef)
	pt, err := aesOpen(key, append(append([]byte(nil), m.Nonce...), m.Ciphertext...))
	if err != nil {
		return nil, fmt.Errorf("unprotect message: %w", err)
	}
	return pt, nil
}

// Serialize returns the durable JSON encoding of the group, excluding any
// staged commit.
func (g *Group) Serialize() ([]byte, error) {
	return json.Marshal(groupDurable{
		GroupID:     g.groupID,
		Epoch:       g.epoch,
		EpochSecret: g.epochSecret,
		Roster:      g.roster,
		LeafPriv:    g.leafPriv,
	})
}

// memberByRef resolves a credential hash reference against the roster.
func (g *Group) memberByRef(ref []byte) (*mls.RosterEntry, error) {
	for i := range g.roster {
		r, err := g.roster[i].Credential.Ref()
		if err != nil {
			return nil, err
		}
		if bytes.Equal(r, ref) {
			return &g.roster[i], nil
		}
	}
	return nil, fmt.Errorf("no member with ref %x", ref)
}

func (g *Group) signCommit(c *mls.Commit) error {
	tbs, err := commitTBS(c)
	if err != nil {
		return err
	}
	c.Signature = ed25519.Sign(g.sigPriv, tbs)
	return nil
}

func (g *Group) verifyCommit(c *mls.Commit, sender mls.Credential) error {
	if len(sender.SignatureKey) != ed25519.PublicKeySize {
		return fmt.Errorf("commit sender %s: bad signature key", sender.DisplayID())
	}
	tbs, err := commitTBS(c)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(sender.SignatureKey), tbs, c.Signature) {
		return fmt.Errorf("commit signature invalid for %s", sender.DisplayID())
	}
	return nil
}

func commitTBS(c *mls.Commit) ([]byte, error) {
	unsigned := *c
	unsigned.Signature = nil
	raw, err := syntax.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal commit: %w", err)
	}
	return raw, nil
}
